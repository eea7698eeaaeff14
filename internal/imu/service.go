package imu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boussoled/internal/heading"
	"boussoled/internal/i2c"
)

// Target receives orientation samples. compass.Service satisfies it.
type Target interface {
	PushOrientation(heading.Sample)
}

type Config struct {
	Enable bool
	I2CBus int
	Addr   uint16
	// Rate is the read interval.
	Rate time.Duration
	// ZeroDriftWindow is how long the device must stay still while the gyro
	// bias is averaged. The first window runs right after Start.
	ZeroDriftWindow time.Duration

	Target Target
	Logger *slog.Logger
}

type Snapshot struct {
	Enabled  bool       `json:"enabled"`
	Detected bool       `json:"detected"`
	Valid    bool       `json:"valid"`
	AlphaDeg float64    `json:"alpha_deg"`
	BetaDeg  float64    `json:"beta_deg"`
	GammaDeg float64    `json:"gamma_deg"`
	GyroBias [3]float64 `json:"gyro_bias_dps"`
	// Calibrating is true while a zero drift window is open.
	Calibrating bool   `json:"calibrating"`
	Samples     uint64 `json:"samples"`
	LastError   string `json:"last_error,omitempty"`
	UpdatedUTC  string `json:"updated_utc,omitempty"`
}

type sensor interface {
	Read() (Reading, error)
}

type Service struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	// open is swapped in tests.
	open func() (sensor, io.Closer, error)

	mu   sync.RWMutex
	snap Snapshot

	zeroDriftCh chan chan error
	closer      io.Closer
	started     atomic.Bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func New(cfg Config) *Service {
	if cfg.I2CBus <= 0 {
		cfg.I2CBus = 1
	}
	if cfg.Addr == 0 {
		cfg.Addr = DefaultAddr
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 50 * time.Millisecond
	}
	if cfg.ZeroDriftWindow <= 0 {
		cfg.ZeroDriftWindow = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:         cfg,
		log:         logger.With(slog.String("component", "imu")),
		now:         func() time.Time { return time.Now().UTC() },
		zeroDriftCh: make(chan chan error, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	s.open = s.openBus
	s.snap.Enabled = cfg.Enable
	return s
}

func (s *Service) openBus() (sensor, io.Closer, error) {
	path := fmt.Sprintf("/dev/i2c-%d", s.cfg.I2CBus)
	bus, err := i2c.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	d, err := openICM20948(bus.Dev(s.cfg.Addr), int(time.Second/s.cfg.Rate))
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return d, bus, nil
}

// Start probes the sensor and launches the read loop. A missing or
// unresponsive sensor is returned as an error and recorded in the snapshot.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("imu: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if s.cfg.Target == nil {
		return fmt.Errorf("imu: target is nil")
	}
	dev, closer, err := s.open()
	if err != nil {
		s.setErr(err.Error())
		return err
	}
	s.closer = closer
	s.mu.Lock()
	s.snap.Detected = true
	s.mu.Unlock()
	s.log.Info("imu detected", slog.Int("bus", s.cfg.I2CBus), slog.String("addr", fmt.Sprintf("0x%02X", s.cfg.Addr)))

	// Startup gyro bias capture; the caller does not wait for it.
	s.zeroDriftCh <- nil
	s.started.Store(true)
	go s.run(ctx, dev)
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.doneCh
	}
	if s.closer != nil {
		_ = s.closer.Close()
		s.closer = nil
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ZeroDrift averages the gyro over ZeroDriftWindow and uses the result as
// the new bias. The device must be still.
func (s *Service) ZeroDrift(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("imu: service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("imu: ctx is nil")
	}
	s.mu.RLock()
	detected := s.snap.Detected
	s.mu.RUnlock()
	if !detected {
		return fmt.Errorf("imu: sensor not detected")
	}

	done := make(chan error, 1)
	select {
	case s.zeroDriftCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("imu: zero drift already in progress")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return fmt.Errorf("imu: service stopped")
	}
}

func (s *Service) run(ctx context.Context, dev sensor) {
	defer close(s.doneCh)
	tick := time.NewTicker(s.cfg.Rate)
	defer tick.Stop()

	f := NewFilter(0.5)
	var last time.Time

	var calActive bool
	var calDone chan error
	var calStart time.Time
	var calSum [3]float64
	var calN int
	finishCal := func(err error) {
		if calDone != nil {
			calDone <- err
		}
		calActive = false
		calDone = nil
	}
	defer func() {
		if calActive {
			finishCal(fmt.Errorf("imu: zero drift interrupted"))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case done := <-s.zeroDriftCh:
			if calActive {
				if done != nil {
					done <- fmt.Errorf("imu: zero drift already in progress")
				}
				continue
			}
			calActive = true
			calDone = done
			calStart = s.now()
			calSum = [3]float64{}
			calN = 0
			s.mu.Lock()
			s.snap.Calibrating = true
			s.mu.Unlock()
		case <-tick.C:
			r, err := dev.Read()
			if err != nil {
				s.setErr(err.Error())
				continue
			}
			now := s.now()
			dt := 0.0
			if !last.IsZero() {
				dt = now.Sub(last).Seconds()
			}
			last = now
			if dt > 0.5 {
				dt = 0
			}

			if calActive {
				calSum[0] += r.Gx
				calSum[1] += r.Gy
				calSum[2] += r.Gz
				calN++
				if now.Sub(calStart) >= s.cfg.ZeroDriftWindow {
					n := float64(calN)
					f.SetBias(calSum[0]/n, calSum[1]/n, calSum[2]/n)
					b := f.Bias()
					s.log.Info("gyro bias captured", slog.Int("samples", calN),
						slog.Float64("x_dps", b[0]), slog.Float64("y_dps", b[1]), slog.Float64("z_dps", b[2]))
					s.mu.Lock()
					s.snap.GyroBias = b
					s.snap.Calibrating = false
					s.mu.Unlock()
					finishCal(nil)
				}
			}

			smp := f.Update(r, dt)
			s.cfg.Target.PushOrientation(smp)

			s.mu.Lock()
			s.snap.Valid = true
			s.snap.AlphaDeg = *smp.Alpha
			s.snap.BetaDeg = *smp.Beta
			s.snap.GammaDeg = *smp.Gamma
			s.snap.Samples++
			s.snap.LastError = ""
			s.snap.UpdatedUTC = now.Format(time.RFC3339Nano)
			s.mu.Unlock()
		}
	}
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.LastError != msg {
		s.log.Warn("imu error", slog.String("error", msg))
	}
	s.snap.Valid = false
	s.snap.LastError = msg
	s.snap.UpdatedUTC = s.now().Format(time.RFC3339Nano)
}
