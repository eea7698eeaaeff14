package compass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

const (
	DefaultSensorGrace  = 1200 * time.Millisecond
	DefaultPointerGrace = 1 * time.Second
)

// Status strings shown to the user.
const (
	StatusEnabled          = "Activée"
	StatusDenied           = "Permission refusée"
	StatusPermissionError  = "Erreur permission"
	StatusUnsupported      = "Capteur non disponible"
	StatusNoEvents         = "Pas d'événements capteurs reçus"
	StatusLocationError    = "GPS erreur"
	StatusNoLocationSource = "Geoloc non dispo"
)

var (
	// ErrUnavailable is returned once sensors were refused or found absent.
	ErrUnavailable = errors.New("compass: orientation sensors unavailable")
	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("compass: service closed")
)

// Permission is the outcome of asking the platform for orientation access.
type Permission string

const (
	PermissionGranted Permission = "granted"
	// PermissionImplicit means the platform exposes sensors without a prompt.
	PermissionImplicit Permission = "implicit"
	PermissionDenied   Permission = "denied"
	PermissionError    Permission = "error"
	// PermissionAbsent means the platform has no orientation capability.
	PermissionAbsent Permission = "absent"
)

// ParsePermission parses a permission outcome.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PermissionGranted, PermissionImplicit, PermissionDenied, PermissionError, PermissionAbsent:
		return p, nil
	default:
		return "", fmt.Errorf("compass: unknown permission %q", s)
	}
}

// SensorState is the lifecycle of the orientation input.
type SensorState string

const (
	SensorIdle        SensorState = "idle"
	SensorPending     SensorState = "pending"
	SensorActive      SensorState = "active"
	SensorUnavailable SensorState = "unavailable"
)

// Sink receives every frame after the state update that produced it.
type Sink interface {
	Publish(Frame)
}

// Recorder receives every raw input sample in arrival order.
type Recorder interface {
	RecordOrientation(heading.Sample) error
	RecordLocation(geo.Point) error
	RecordLocationError(msg string) error
	RecordPointer(dx, dy float64) error
}

type ServiceConfig struct {
	Engine Config

	// SensorGrace bounds how long Enable waits for a first orientation sample.
	SensorGrace time.Duration
	// PointerGrace is how long after start pointer fallback kicks in when no
	// orientation sample has arrived.
	PointerGrace time.Duration

	// LocationAvailable is false when no positioning source exists at all.
	LocationAvailable bool

	Sinks    []Sink
	Recorder Recorder
	Logger   *slog.Logger
}

type Counters struct {
	Orientation        uint64 `json:"orientation"`
	OrientationDropped uint64 `json:"orientation_dropped"`
	Location           uint64 `json:"location"`
	LocationInvalid    uint64 `json:"location_invalid"`
	LocationErrors     uint64 `json:"location_errors"`
	Pointer            uint64 `json:"pointer"`
	PointerIgnored     uint64 `json:"pointer_ignored"`
}

// Snapshot is a copy of the service state for readers on other goroutines.
type Snapshot struct {
	Sensor          SensorState `json:"sensor_state"`
	Input           string      `json:"input"`
	PointerFallback bool        `json:"pointer_fallback"`
	Status          string      `json:"status,omitempty"`
	LocationStatus  string      `json:"location_status,omitempty"`
	DebugVisible    bool        `json:"debug_visible"`
	Target          geo.Point   `json:"target"`

	Frame     Frame    `json:"frame"`
	State     State    `json:"state"`
	Debug     Debug    `json:"debug"`
	DebugText string   `json:"debug_text,omitempty"`
	Counters  Counters `json:"counters"`

	UpdatedUTC string `json:"updated_utc,omitempty"`
}

// Input queue depths. Pushers block while a queue is full.
const (
	orientationQueue = 64
	locationQueue    = 16
	pointerQueue     = 64
)

type pointerEvent struct {
	dx, dy float64
}

type locationEvent struct {
	p   geo.Point
	err error
}

type reqKind int

const (
	reqEnable reqKind = iota
	reqCalibrate
	reqResetCalibration
	reqSetMode
	reqToggleDebug
)

type request struct {
	kind reqKind
	perm Permission
	mode Mode
	done chan result
}

type result struct {
	state  SensorState
	offset float64
	debug  bool
	err    error
}

// Service runs an Engine on a single goroutine. Every input and action is
// funneled through channels into run, so the engine is never touched
// concurrently.
type Service struct {
	cfg ServiceConfig
	log *slog.Logger
	now func() time.Time

	orientCh  chan heading.Sample
	locCh     chan locationEvent
	pointerCh chan pointerEvent
	reqCh     chan request

	// Owned by run.
	eng            *Engine
	sensor         SensorState
	fallback       bool
	status         string
	locationStatus string
	debugVisible   bool
	counters       Counters
	seq            uint64

	mu   sync.RWMutex
	snap Snapshot

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.SensorGrace <= 0 {
		cfg.SensorGrace = DefaultSensorGrace
	}
	if cfg.PointerGrace <= 0 {
		cfg.PointerGrace = DefaultPointerGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		log:       logger.With(slog.String("component", "compass")),
		now:       func() time.Time { return time.Now().UTC() },
		orientCh:  make(chan heading.Sample, orientationQueue),
		locCh:     make(chan locationEvent, locationQueue),
		pointerCh: make(chan pointerEvent, pointerQueue),
		reqCh:     make(chan request, 1),
		eng:       NewEngine(cfg.Engine),
		sensor:    SensorIdle,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	if !cfg.LocationAvailable {
		s.locationStatus = StatusNoLocationSource
		s.eng.HandleLocationError(StatusNoLocationSource)
	}
	s.storeSnapshot()
	return s
}

// Start launches the event loop. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("compass: service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("compass: ctx is nil")
	}
	err := fmt.Errorf("compass: already started")
	s.startOnce.Do(func() {
		s.started.Store(true)
		err = nil
		go s.run(ctx)
	})
	return err
}

// Close stops the event loop and waits for it to exit.
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
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// PushOrientation queues an orientation sample. It blocks while the queue is
// full and returns without effect once the service is closed.
func (s *Service) PushOrientation(smp heading.Sample) {
	select {
	case s.orientCh <- smp:
	case <-s.stopCh:
	}
}

func (s *Service) PushLocation(p geo.Point) {
	select {
	case s.locCh <- locationEvent{p: p}:
	case <-s.stopCh:
	}
}

func (s *Service) PushLocationError(err error) {
	if err == nil {
		err = errors.New("location error")
	}
	select {
	case s.locCh <- locationEvent{err: err}:
	case <-s.stopCh:
	}
}

func (s *Service) PushPointer(dx, dy float64) {
	select {
	case s.pointerCh <- pointerEvent{dx: dx, dy: dy}:
	case <-s.stopCh:
	}
}

// Enable reports the platform permission outcome and starts listening for
// orientation samples when granted.
func (s *Service) Enable(ctx context.Context, p Permission) (SensorState, error) {
	res, err := s.do(ctx, request{kind: reqEnable, perm: p})
	return res.state, err
}

// Calibrate makes the current aim the zero point and returns the offset.
func (s *Service) Calibrate(ctx context.Context) (float64, error) {
	res, err := s.do(ctx, request{kind: reqCalibrate})
	return res.offset, err
}

func (s *Service) ResetCalibration(ctx context.Context) error {
	_, err := s.do(ctx, request{kind: reqResetCalibration})
	return err
}

func (s *Service) SetMode(ctx context.Context, m Mode) error {
	_, err := s.do(ctx, request{kind: reqSetMode, mode: m})
	return err
}

// ToggleDebug flips the debug view and returns the new visibility.
func (s *Service) ToggleDebug(ctx context.Context) (bool, error) {
	res, err := s.do(ctx, request{kind: reqToggleDebug})
	return res.debug, err
}

func (s *Service) do(ctx context.Context, req request) (result, error) {
	if s == nil {
		return result{}, fmt.Errorf("compass: service is nil")
	}
	if ctx == nil {
		return result{}, fmt.Errorf("compass: ctx is nil")
	}
	req.done = make(chan result, 1)
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-s.stopCh:
		return result{}, ErrClosed
	}
	select {
	case res := <-req.done:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-s.stopCh:
		return result{}, ErrClosed
	}
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)
	// Release pushers and requesters when ctx ends the loop before Close.
	defer s.stopOnce.Do(func() { close(s.stopCh) })

	pointerTimer := time.NewTimer(s.cfg.PointerGrace)
	defer pointerTimer.Stop()
	pointerC := pointerTimer.C

	var sensorTimer *time.Timer
	var sensorC <-chan time.Time
	stopSensorTimer := func() {
		if sensorTimer != nil {
			sensorTimer.Stop()
		}
		sensorTimer = nil
		sensorC = nil
	}
	defer stopSensorTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case smp := <-s.orientCh:
			s.record(func(r Recorder) error { return r.RecordOrientation(smp) })
			if s.sensor == SensorUnavailable {
				s.counters.OrientationDropped++
				s.storeSnapshot()
				continue
			}
			f, ok := s.eng.HandleOrientation(smp)
			if !ok {
				s.counters.OrientationDropped++
				s.storeSnapshot()
				continue
			}
			s.counters.Orientation++
			if s.sensor != SensorActive {
				s.log.Info("orientation sensors active", slog.String("previous", string(s.sensor)))
				s.sensor = SensorActive
				s.status = StatusEnabled
				stopSensorTimer()
			}
			s.publish(f)

		case ev := <-s.locCh:
			if ev.err != nil {
				msg := ev.err.Error()
				s.record(func(r Recorder) error { return r.RecordLocationError(msg) })
				s.counters.LocationErrors++
				s.locationStatus = StatusLocationError
				s.log.Warn("location error", slog.String("error", msg))
				s.publish(s.eng.HandleLocationError(StatusLocationError))
				continue
			}
			s.record(func(r Recorder) error { return r.RecordLocation(ev.p) })
			if !ev.p.Valid() {
				s.counters.LocationInvalid++
				s.log.Warn("location out of range", slog.String("point", ev.p.String()))
				s.storeSnapshot()
				continue
			}
			s.counters.Location++
			s.locationStatus = ""
			s.publish(s.eng.HandleLocation(ev.p))

		case ev := <-s.pointerCh:
			s.record(func(r Recorder) error { return r.RecordPointer(ev.dx, ev.dy) })
			if !s.fallback || s.sensor == SensorActive {
				s.counters.PointerIgnored++
				s.storeSnapshot()
				continue
			}
			s.counters.Pointer++
			s.publish(s.eng.HandlePointer(ev.dx, ev.dy))

		case req := <-s.reqCh:
			res := s.handleRequest(req)
			if req.kind == reqEnable && res.err == nil && res.state == SensorPending {
				stopSensorTimer()
				sensorTimer = time.NewTimer(s.cfg.SensorGrace)
				sensorC = sensorTimer.C
			}
			s.storeSnapshot()
			req.done <- res

		case <-pointerC:
			pointerC = nil
			if s.sensor != SensorActive {
				s.fallback = true
				s.eng.SetHeadingLabel("--")
				s.log.Info("no orientation samples; pointer fallback enabled", slog.Duration("grace", s.cfg.PointerGrace))
				s.storeSnapshot()
			}

		case <-sensorC:
			sensorTimer = nil
			sensorC = nil
			if s.sensor == SensorPending {
				s.sensor = SensorIdle
				s.status = StatusNoEvents
				s.log.Warn("no orientation samples received", slog.Duration("grace", s.cfg.SensorGrace))
				s.storeSnapshot()
			}
		}
	}
}

func (s *Service) handleRequest(req request) result {
	switch req.kind {
	case reqEnable:
		return s.enable(req.perm)
	case reqCalibrate:
		off, err := s.eng.Calibrate()
		if err != nil {
			return result{err: err}
		}
		s.log.Info("calibrated", slog.Float64("offset_deg", off))
		return result{offset: off}
	case reqResetCalibration:
		s.eng.ResetCalibration()
		s.log.Info("calibration reset")
		return result{}
	case reqSetMode:
		if err := s.eng.SetMode(req.mode); err != nil {
			return result{err: err}
		}
		s.log.Info("mode set", slog.String("mode", string(req.mode)))
		return result{}
	case reqToggleDebug:
		s.debugVisible = !s.debugVisible
		return result{debug: s.debugVisible}
	default:
		return result{err: fmt.Errorf("compass: unknown request %d", req.kind)}
	}
}

func (s *Service) enable(p Permission) result {
	switch s.sensor {
	case SensorUnavailable:
		return result{state: s.sensor, err: ErrUnavailable}
	case SensorActive, SensorPending:
		return result{state: s.sensor}
	}
	switch p {
	case PermissionGranted, PermissionImplicit:
		s.sensor = SensorPending
		s.status = StatusEnabled
		s.log.Info("orientation enabled", slog.String("permission", string(p)))
		return result{state: s.sensor}
	case PermissionDenied:
		s.sensor = SensorUnavailable
		s.status = StatusDenied
	case PermissionAbsent:
		s.sensor = SensorUnavailable
		s.status = StatusUnsupported
	case PermissionError:
		// The prompt itself failed; the user may try again.
		s.status = StatusPermissionError
		s.log.Warn("orientation permission request failed")
		return result{state: s.sensor, err: fmt.Errorf("compass: permission request failed")}
	default:
		return result{state: s.sensor, err: fmt.Errorf("compass: unknown permission %q", p)}
	}
	s.log.Warn("orientation unavailable", slog.String("permission", string(p)), slog.String("status", s.status))
	return result{state: s.sensor, err: ErrUnavailable}
}

func (s *Service) record(fn func(Recorder) error) {
	if s.cfg.Recorder == nil {
		return
	}
	if err := fn(s.cfg.Recorder); err != nil {
		s.log.Warn("record failed", slog.String("error", err.Error()))
	}
}

func (s *Service) input() string {
	switch {
	case s.sensor == SensorActive:
		return "sensors"
	case s.fallback:
		return "pointer"
	default:
		return "none"
	}
}

func (s *Service) publish(f Frame) {
	s.seq++
	f.Seq = s.seq
	f.UpdatedUTC = s.now().Format(time.RFC3339Nano)
	for _, sink := range s.cfg.Sinks {
		if sink != nil {
			sink.Publish(f)
		}
	}
	s.storeFrame(f)
}

func (s *Service) storeSnapshot() {
	s.storeFrame(s.eng.Frame())
}

func (s *Service) storeFrame(f Frame) {
	dbg := s.eng.Debug()
	snap := Snapshot{
		Sensor:          s.sensor,
		Input:           s.input(),
		PointerFallback: s.fallback,
		Status:          s.status,
		LocationStatus:  s.locationStatus,
		DebugVisible:    s.debugVisible,
		Target:          s.eng.Target(),
		Frame:           f,
		State:           s.eng.State(),
		Debug:           dbg,
		Counters:        s.counters,
		UpdatedUTC:      s.now().Format(time.RFC3339Nano),
	}
	if s.debugVisible {
		snap.DebugText = dbg.Text()
	}
	if snap.Frame.Seq == 0 {
		snap.Frame.Seq = s.seq
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
