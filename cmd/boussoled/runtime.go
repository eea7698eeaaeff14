package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"boussoled/internal/buttons"
	"boussoled/internal/compass"
	"boussoled/internal/config"
	"boussoled/internal/geo"
	"boussoled/internal/gps"
	"boussoled/internal/imu"
	"boussoled/internal/logging"
	"boussoled/internal/replay"
	"boussoled/internal/sim"
	"boussoled/internal/udp"
	"boussoled/internal/web"
)

// runtime owns every component built from one config.
type runtime struct {
	cfg        config.Config
	configPath string
	log        *slog.Logger
	logs       *web.LogBuffer

	status   *web.Status
	frames   *web.FrameBroadcaster
	compass  *compass.Service
	udp      *udp.Broadcaster
	recorder *replay.Writer
	gps      *gps.Service
	imu      *imu.Service
	buttons  *buttons.Service
	sim      sim.Generator

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fatalCh chan error
}

func engineConfig(c config.CompassConfig) (compass.Config, error) {
	m, err := compass.ParseMode(c.Mode)
	if err != nil {
		return compass.Config{}, err
	}
	return compass.Config{
		Mode:             m,
		Target:           c.Target,
		SensorSmoothing:  c.SensorSmoothing,
		PointerSmoothing: c.PointerSmoothing,
	}, nil
}

// locationAvailable reports whether anything can ever deliver a fix. The
// browser page counts as a source whenever the web UI runs.
func locationAvailable(cfg config.Config) bool {
	return cfg.GPS.Enable || cfg.Sim.Enable || cfg.Replay.Enable || cfg.Web.Enabled()
}

func newSimGenerator(c config.SimConfig) (sim.Generator, error) {
	if c.Scenario == "" {
		return sim.Walker{
			Center:    geo.Point{LatDeg: c.CenterLatDeg, LonDeg: c.CenterLonDeg},
			RadiusM:   c.RadiusM,
			Period:    c.Period,
			WobbleDeg: 3,
		}, nil
	}
	script, err := sim.LoadScenarioScript(c.Scenario)
	if err != nil {
		return nil, fmt.Errorf("sim scenario: %w", err)
	}
	scn, err := sim.NewScenario(script)
	if err != nil {
		return nil, fmt.Errorf("sim scenario: %w", err)
	}
	scn.Loop = c.Loop
	return scn, nil
}

func newRuntime(cfg config.Config, configPath string, logger *slog.Logger, logs *web.LogBuffer) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ec, err := engineConfig(c.Compass)
	if err != nil {
		return nil, err
	}

	r := &runtime{
		cfg:        c,
		configPath: configPath,
		log:        logger,
		logs:       logs,
		status:     web.NewStatus(),
		frames:     web.NewFrameBroadcaster(),
		fatalCh:    make(chan error, 1),
	}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	sinks := []compass.Sink{r.frames}
	if c.UDP.Enable {
		b, err := udp.NewBroadcaster(c.UDP.Dest, logger)
		if err != nil {
			return nil, fmt.Errorf("udp: %w", err)
		}
		r.udp = b
		sinks = append(sinks, b)
		r.status.SetStatic("udp_dest", c.UDP.Dest)
	}

	var rec compass.Recorder
	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path)
		if err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}
		r.recorder = w
		rec = w
		r.status.SetStatic("record_path", c.Record.Path)
		r.status.SetStatic("record_session", w.Session())
	}

	if c.Sim.Enable {
		g, err := newSimGenerator(c.Sim)
		if err != nil {
			return nil, err
		}
		r.sim = g
	}

	r.compass = compass.NewService(compass.ServiceConfig{
		Engine:            ec,
		SensorGrace:       c.Compass.SensorGrace,
		PointerGrace:      c.Compass.PointerGrace,
		LocationAvailable: locationAvailable(c),
		Sinks:             sinks,
		Recorder:          rec,
		Logger:            logger,
	})

	if c.GPS.Enable {
		r.gps = gps.New(gps.Config{
			Enable:   true,
			Source:   c.GPS.Source,
			GPSDAddr: c.GPS.GPSDAddr,
			Device:   c.GPS.Device,
			Baud:     c.GPS.Baud,
			OnFix:    r.compass.PushLocation,
			OnError:  r.compass.PushLocationError,
			Logger:   logger,
		})
	}
	if c.IMU.Enable {
		r.imu = imu.New(imu.Config{
			Enable: true,
			I2CBus: c.IMU.I2CBus,
			Addr:   c.IMU.IMUAddr,
			Rate:   c.IMU.Rate,
			Target: r.compass,
			Logger: logger,
		})
	}
	if c.Buttons.Enable {
		b, err := buttons.New(buttons.Config{
			Enable:       true,
			Chip:         c.Buttons.Chip,
			CalibratePin: c.Buttons.CalibratePin,
			ResetPin:     c.Buttons.ResetPin,
			DebugPin:     c.Buttons.DebugPin,
			Debounce:     c.Buttons.Debounce,
			Handler:      r.compass,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		r.buttons = b
	}

	r.registerStatus()
	ok = true
	return r, nil
}

func (r *runtime) registerStatus() {
	if r.configPath != "" {
		r.status.SetStatic("config_path", r.configPath)
	}
	r.status.AddSource("frames", func() any {
		return map[string]any{"subscribers": r.frames.Subscribers(), "dropped": r.frames.Dropped()}
	})
	if r.udp != nil {
		r.status.AddSource("udp", func() any {
			sent, failed := r.udp.Stats()
			return map[string]any{"sent": sent, "failed": failed}
		})
	}
	if r.gps != nil {
		r.status.AddSource("gps", func() any { return r.gps.Snapshot() })
	}
	if r.imu != nil {
		r.status.AddSource("imu", func() any { return r.imu.Snapshot() })
	}
	if r.buttons != nil {
		r.status.AddSource("buttons", func() any { return r.buttons.Snapshot() })
	}
	switch {
	case r.cfg.Sim.Enable:
		r.status.SetStatic("source", "sim")
	case r.cfg.Replay.Enable:
		r.status.SetStatic("source", "replay")
	}
}

func (r *runtime) webHandler() http.Handler {
	opts := web.Options{
		Compass: r.compass,
		Status:  r.status,
		Frames:  r.frames,
		Logs:    r.logs,
		Logger:  r.log,
	}
	if r.imu != nil {
		opts.IMU = r.imu
	}
	if r.configPath != "" {
		opts.Modes = &web.ConfigModeStore{Path: r.configPath}
	}
	return web.Handler(opts)
}

// Fatal delivers the first error that should stop the daemon.
func (r *runtime) Fatal() <-chan error { return r.fatalCh }

func (r *runtime) fatal(err error) {
	select {
	case r.fatalCh <- err:
	default:
	}
}

func (r *runtime) goRun(ctx context.Context, name string, fatal bool, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			logging.LogOperation(r.log, name+" finished")
			return
		}
		logging.LogError(r.log, name+" stopped", err)
		if fatal {
			r.fatal(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Start launches the compass loop and every enabled source. Hardware that
// fails to initialize is logged and left out; the daemon keeps running.
func (r *runtime) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	if err := r.compass.Start(ctx); err != nil {
		return err
	}

	if r.gps != nil {
		if err := r.gps.Start(ctx); err != nil {
			logging.LogError(r.log, "gps init failed", err)
		}
	}
	if r.imu != nil {
		if err := r.imu.Start(ctx); err != nil {
			logging.LogError(r.log, "imu init failed", err)
		}
	}
	if r.buttons != nil {
		if err := r.buttons.Start(ctx); err != nil {
			logging.LogError(r.log, "buttons init failed", err)
		}
	}
	if r.sim != nil {
		g := r.sim
		r.goRun(ctx, "sim", false, func(ctx context.Context) error {
			return sim.Run(ctx, g, r.cfg.Sim.Interval, r.compass)
		})
	}
	if r.cfg.Replay.Enable {
		rc := r.cfg.Replay
		r.goRun(ctx, "replay", false, func(ctx context.Context) error {
			return replay.Run(ctx, rc.Path, rc.Speed, rc.Loop, r.compass)
		})
	}
	if r.cfg.Web.Enabled() {
		h := r.webHandler()
		listen := r.cfg.Web.Listen
		r.log.Info("web ui listening", slog.String("listen", listen))
		r.goRun(ctx, "web", true, func(ctx context.Context) error {
			return web.Serve(ctx, listen, h)
		})
	}
	return nil
}

// Close stops the compass first so sources blocked on a full input queue
// return, then waits for the sources before flushing the recorder.
func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.compass != nil {
		r.compass.Close()
	}
	if r.buttons != nil {
		r.buttons.Close()
	}
	if r.imu != nil {
		r.imu.Close()
	}
	if r.gps != nil {
		r.gps.Close()
	}
	r.wg.Wait()
	if r.recorder != nil {
		logging.SafeClose(r.recorder, r.log, "record writer")
		r.recorder = nil
	}
	if r.udp != nil {
		logging.SafeClose(r.udp, r.log, "udp broadcaster")
		r.udp = nil
	}
}
