package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"boussoled/internal/geo"
)

// Config controls the GPS reader. Failures never stop the caller; they are
// reported through OnError and the snapshot.
type Config struct {
	Enable bool

	// Source is "nmea" (direct serial) or "gpsd". Empty means "nmea".
	Source   string
	GPSDAddr string

	// Device may be empty to auto-detect /dev/ttyACM* or /dev/ttyUSB*.
	Device string
	Baud   int

	OnFix   func(geo.Point)
	OnError func(error)
	Logger  *slog.Logger
}

type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Valid   bool   `json:"valid"`
	Source  string `json:"source,omitempty"`
	Device  string `json:"device,omitempty"`
	Addr    string `json:"gpsd_addr,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	SpeedMS    *float64 `json:"speed_ms,omitempty"`
	TrackDeg   *float64 `json:"track_deg,omitempty"`
	Quality    *int     `json:"fix_quality,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	HorizAccM  *float64 `json:"horiz_acc_m,omitempty"`

	Fixes      uint64 `json:"fixes"`
	LastFixUTC string `json:"last_fix_utc,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// fixState accumulates sentences or reports from one receiver.
type fixState struct {
	lat, lon   float64
	valid      bool
	lastFix    time.Time
	fixes      uint64
	speedMS    *float64
	trackDeg   *float64
	quality    *int
	satellites *int
	hdop       *float64
	horizAccM  *float64
}

func (st *fixState) setFix(at time.Time, lat, lon float64) bool {
	p := geo.Point{LatDeg: lat, LonDeg: lon}
	if !p.Valid() {
		return false
	}
	st.lat, st.lon = lat, lon
	st.valid = true
	st.lastFix = at
	st.fixes++
	return true
}

func (st *fixState) point() geo.Point {
	return geo.Point{LatDeg: st.lat, LonDeg: st.lon}
}

func (st *fixState) fill(out *Snapshot) {
	out.Valid = st.valid
	out.LatDeg = st.lat
	out.LonDeg = st.lon
	out.SpeedMS = st.speedMS
	out.TrackDeg = st.trackDeg
	out.Quality = st.quality
	out.Satellites = st.satellites
	out.HDOP = st.hdop
	out.HorizAccM = st.horizAccM
	out.Fixes = st.fixes
	if !st.lastFix.IsZero() {
		out.LastFixUTC = st.lastFix.UTC().Format(time.RFC3339Nano)
	}
}

type Service struct {
	cfg Config
	log *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu     sync.Mutex
	closer io.Closer

	// Swappable in tests.
	open func(ctx context.Context) (io.ReadWriteCloser, error)
}

func New(cfg Config) *Service {
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = "nmea"
	}
	cfg.GPSDAddr = strings.TrimSpace(cfg.GPSDAddr)
	if cfg.GPSDAddr == "" {
		cfg.GPSDAddr = gpsdDefaultAddr
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, log: logger.With(slog.String("component", "gps"))}
	s.open = s.defaultOpen
	s.last.Store(s.baseSnapshot())
	return s
}

func (s *Service) baseSnapshot() Snapshot {
	out := Snapshot{Enabled: s.cfg.Enable, Source: s.cfg.Source, Device: s.cfg.Device}
	if s.cfg.Source == "gpsd" {
		out.Addr = s.cfg.GPSDAddr
		out.Device = "gpsd"
	}
	return out
}

func (s *Service) defaultOpen(ctx context.Context) (io.ReadWriteCloser, error) {
	if s.cfg.Source == "gpsd" {
		conn, err := dialGPSD(ctx, s.cfg.GPSDAddr)
		if err != nil {
			return nil, fmt.Errorf("gpsd dial failed addr=%s: %w", s.cfg.GPSDAddr, err)
		}
		if err := gpsdWatch(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("gpsd watch failed: %w", err)
		}
		return conn, nil
	}
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			return nil, fmt.Errorf("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	f, err := openSerial(device, s.cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("gps open failed device=%s baud=%d: %w", device, s.cfg.Baud, err)
	}
	return f, nil
}

// Start launches the reader goroutine. It reconnects with exponential
// backoff until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(childCtx)
	}()
	return nil
}

func (s *Service) loop(ctx context.Context) {
	s.log.Info("gps enabled", slog.String("source", s.cfg.Source), slog.String("device", s.cfg.Device), slog.String("addr", s.cfg.GPSDAddr))
	const minBackoff = 250 * time.Millisecond
	const maxBackoff = 10 * time.Second
	backoff := minBackoff
	var st fixState

	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}
		rwc, err := s.open(ctx)
		if err != nil {
			s.fail(err)
			if !wait() {
				return
			}
			continue
		}
		backoff = minBackoff

		s.mu.Lock()
		// Close() interrupts a blocked read through this.
		s.closer = rwc
		s.mu.Unlock()

		err = s.read(ctx, rwc, &st)
		_ = rwc.Close()
		if ctx.Err() != nil {
			return
		}
		s.fail(fmt.Errorf("gps read stopped: %w", err))
		if !wait() {
			return
		}
	}
}

func (s *Service) read(ctx context.Context, r io.Reader, st *fixState) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var updated bool
		var perr error
		now := time.Now().UTC()
		if s.cfg.Source == "gpsd" {
			updated, perr = st.applyGPSD(now, line)
		} else {
			// Some receivers interleave non-NMEA chatter.
			if !strings.HasPrefix(line, "$") {
				continue
			}
			var sent nmeaSentence
			sent, perr = parseNMEASentence(line)
			if perr == nil {
				updated = st.applyNMEA(now, sent)
			}
		}
		if perr != nil {
			// Noise on the line is not a positioning failure.
			s.setError(perr.Error())
			continue
		}
		snap := s.baseSnapshot()
		st.fill(&snap)
		s.mu.Lock()
		s.last.Store(snap)
		s.mu.Unlock()
		if updated && s.cfg.OnFix != nil {
			s.cfg.OnFix(st.point())
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Service) fail(err error) {
	s.log.Warn("gps error", slog.String("error", err.Error()))
	s.setError(err.Error())
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v := s.last.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.Snapshot()
	cur.LastError = msg
	s.last.Store(cur)
}

func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
