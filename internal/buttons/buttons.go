// Package buttons maps GPIO push buttons onto compass actions.
package buttons

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

type Action string

const (
	ActionCalibrate Action = "calibrate"
	ActionReset     Action = "reset"
	ActionDebug     Action = "debug"
)

// Handler runs the actions. compass.Service satisfies it.
type Handler interface {
	Calibrate(ctx context.Context) (float64, error)
	ResetCalibration(ctx context.Context) error
	ToggleDebug(ctx context.Context) (bool, error)
}

type Config struct {
	Enable bool
	// Chip is a gpiochip name or path. Empty means gpiochip0.
	Chip string

	CalibratePin int
	ResetPin     int
	DebugPin     int
	// Debounce is passed to the kernel and also enforced between presses of
	// the same line.
	Debounce time.Duration

	Handler Handler
	Logger  *slog.Logger
}

type Snapshot struct {
	Enabled   bool              `json:"enabled"`
	Chip      string            `json:"chip,omitempty"`
	Presses   map[Action]uint64 `json:"presses"`
	Dropped   uint64            `json:"dropped"`
	LastError string            `json:"last_error,omitempty"`
}

type press struct {
	offset int
	// at is the kernel event timestamp.
	at time.Duration
}

type Service struct {
	cfg  Config
	log  *slog.Logger
	pins map[int]Action

	// openLines is swapped in tests.
	openLines func(cfg Config, offsets []int, onPress func(offset int, at time.Duration)) (io.Closer, error)

	pressCh chan press

	mu   sync.Mutex
	snap Snapshot

	lines    io.Closer
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) (*Service, error) {
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 30 * time.Millisecond
	}
	pins := map[int]Action{}
	for _, p := range []struct {
		pin int
		a   Action
	}{{cfg.CalibratePin, ActionCalibrate}, {cfg.ResetPin, ActionReset}, {cfg.DebugPin, ActionDebug}} {
		if p.pin < 0 {
			return nil, fmt.Errorf("buttons: %s pin %d is invalid", p.a, p.pin)
		}
		if prev, ok := pins[p.pin]; ok {
			return nil, fmt.Errorf("buttons: pin %d used for both %s and %s", p.pin, prev, p.a)
		}
		pins[p.pin] = p.a
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		log:       logger.With(slog.String("component", "buttons")),
		pins:      pins,
		openLines: openLines,
		pressCh:   make(chan press, 8),
		snap:      Snapshot{Enabled: cfg.Enable, Chip: cfg.Chip, Presses: map[Action]uint64{}},
		stopCh:    make(chan struct{}),
	}, nil
}

// ActionFor returns the action bound to a line offset.
func (s *Service) ActionFor(offset int) (Action, bool) {
	a, ok := s.pins[offset]
	return a, ok
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("buttons: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if s.cfg.Handler == nil {
		return fmt.Errorf("buttons: handler is nil")
	}
	offsets := []int{s.cfg.CalibratePin, s.cfg.ResetPin, s.cfg.DebugPin}
	lines, err := s.openLines(s.cfg, offsets, s.onPress)
	if err != nil {
		s.setErr(err.Error())
		return err
	}
	s.lines = lines
	s.log.Info("buttons ready", slog.String("chip", s.cfg.Chip), slog.Any("offsets", offsets))

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.lines != nil {
			_ = s.lines.Close()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Presses = make(map[Action]uint64, len(s.snap.Presses))
	for k, v := range s.snap.Presses {
		out.Presses[k] = v
	}
	return out
}

// onPress is called from the GPIO event goroutine and must not block.
func (s *Service) onPress(offset int, at time.Duration) {
	select {
	case s.pressCh <- press{offset: offset, at: at}:
	default:
		s.mu.Lock()
		s.snap.Dropped++
		s.mu.Unlock()
	}
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	last := map[int]time.Duration{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case p := <-s.pressCh:
			if prev, ok := last[p.offset]; ok && p.at-prev < s.cfg.Debounce {
				continue
			}
			last[p.offset] = p.at
			a, ok := s.ActionFor(p.offset)
			if !ok {
				continue
			}
			if err := s.dispatch(ctx, a); err != nil {
				s.log.Warn("button action failed", slog.String("action", string(a)), slog.String("error", err.Error()))
				s.setErr(err.Error())
			}
		}
	}
}

func (s *Service) dispatch(ctx context.Context, a Action) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	s.mu.Lock()
	s.snap.Presses[a]++
	s.mu.Unlock()

	switch a {
	case ActionCalibrate:
		off, err := s.cfg.Handler.Calibrate(ctx)
		if err != nil {
			return err
		}
		s.log.Info("calibrated from button", slog.Float64("offset_deg", off))
	case ActionReset:
		return s.cfg.Handler.ResetCalibration(ctx)
	case ActionDebug:
		on, err := s.cfg.Handler.ToggleDebug(ctx)
		if err != nil {
			return err
		}
		s.log.Info("debug view toggled", slog.Bool("visible", on))
	default:
		return fmt.Errorf("buttons: unknown action %q", a)
	}
	return nil
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	s.snap.LastError = msg
	s.mu.Unlock()
}
