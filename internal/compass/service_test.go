package compass

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

type captureSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *captureSink) Publish(f Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *captureSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSink) Last() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

type captureRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *captureRecorder) add(k string) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, k)
	r.mu.Unlock()
	return nil
}

func (r *captureRecorder) RecordOrientation(heading.Sample) error { return r.add("O") }
func (r *captureRecorder) RecordLocation(geo.Point) error         { return r.add("L") }
func (r *captureRecorder) RecordLocationError(string) error       { return r.add("E") }
func (r *captureRecorder) RecordPointer(float64, float64) error   { return r.add("P") }

func (r *captureRecorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func startService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	s := NewService(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestService_OrientationPublishesFrames(t *testing.T) {
	sink := &captureSink{}
	s := startService(t, ServiceConfig{
		Engine:            Config{SensorSmoothing: 1},
		Sinks:             []Sink{sink},
		LocationAvailable: true,
		PointerGrace:      time.Hour,
	})

	s.PushOrientation(native(90))
	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, tick)

	f := sink.Last()
	assert.Equal(t, uint64(1), f.Seq)
	assert.InDelta(t, 90, f.Applied, 1e-9)
	assert.NotEmpty(t, f.UpdatedUTC)

	snap := s.Snapshot()
	assert.Equal(t, SensorActive, snap.Sensor)
	assert.Equal(t, "sensors", snap.Input)
	assert.Equal(t, uint64(1), snap.Counters.Orientation)
}

func TestService_DropsUnusableSamples(t *testing.T) {
	sink := &captureSink{}
	s := startService(t, ServiceConfig{Sinks: []Sink{sink}, PointerGrace: time.Hour})

	s.PushOrientation(heading.Sample{Gamma: heading.Float(3)})
	require.Eventually(t, func() bool { return s.Snapshot().Counters.OrientationDropped == 1 }, waitFor, tick)
	assert.Equal(t, 0, sink.Len())
	assert.Equal(t, SensorIdle, s.Snapshot().Sensor)
}

func TestService_EnableGrantedThenNoEvents(t *testing.T) {
	s := startService(t, ServiceConfig{SensorGrace: 20 * time.Millisecond, PointerGrace: time.Hour})
	ctx := context.Background()

	st, err := s.Enable(ctx, PermissionGranted)
	require.NoError(t, err)
	assert.Equal(t, SensorPending, st)

	require.Eventually(t, func() bool { return s.Snapshot().Status == StatusNoEvents }, waitFor, tick)
	assert.Equal(t, SensorIdle, s.Snapshot().Sensor)

	// Transient: enabling again is allowed.
	st, err = s.Enable(ctx, PermissionImplicit)
	require.NoError(t, err)
	assert.Equal(t, SensorPending, st)

	s.PushOrientation(native(10))
	require.Eventually(t, func() bool { return s.Snapshot().Sensor == SensorActive }, waitFor, tick)
	assert.Equal(t, StatusEnabled, s.Snapshot().Status)
}

func TestService_DeniedIsTerminal(t *testing.T) {
	s := startService(t, ServiceConfig{PointerGrace: time.Hour})
	ctx := context.Background()

	st, err := s.Enable(ctx, PermissionDenied)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, SensorUnavailable, st)
	assert.Equal(t, StatusDenied, s.Snapshot().Status)

	_, err = s.Enable(ctx, PermissionGranted)
	assert.ErrorIs(t, err, ErrUnavailable)

	s.PushOrientation(native(10))
	require.Eventually(t, func() bool { return s.Snapshot().Counters.OrientationDropped == 1 }, waitFor, tick)
	assert.Equal(t, SensorUnavailable, s.Snapshot().Sensor)
}

func TestService_AbsentCapability(t *testing.T) {
	s := startService(t, ServiceConfig{PointerGrace: time.Hour})
	st, err := s.Enable(context.Background(), PermissionAbsent)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, SensorUnavailable, st)
	assert.Equal(t, StatusUnsupported, s.Snapshot().Status)
}

func TestService_PermissionErrorIsRetryable(t *testing.T) {
	s := startService(t, ServiceConfig{PointerGrace: time.Hour})
	_, err := s.Enable(context.Background(), PermissionError)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StatusPermissionError, s.Snapshot().Status)

	st, err := s.Enable(context.Background(), PermissionGranted)
	require.NoError(t, err)
	assert.Equal(t, SensorPending, st)
}

func TestService_PointerFallback(t *testing.T) {
	sink := &captureSink{}
	s := startService(t, ServiceConfig{
		Engine:       Config{PointerSmoothing: 1, SensorSmoothing: 1},
		Sinks:        []Sink{sink},
		PointerGrace: 10 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return s.Snapshot().PointerFallback }, waitFor, tick)
	snap := s.Snapshot()
	assert.Equal(t, "pointer", snap.Input)
	assert.Equal(t, "--", snap.Frame.HeadingLabel)

	s.PushPointer(0, 50)
	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "0° • 50px", sink.Last().HeadingLabel)

	// Sensors take over; pointer input is then ignored.
	s.PushOrientation(native(0))
	require.Eventually(t, func() bool { return sink.Len() == 2 }, waitFor, tick)
	s.PushPointer(10, 0)
	require.Eventually(t, func() bool { return s.Snapshot().Counters.PointerIgnored == 1 }, waitFor, tick)
	assert.Equal(t, 2, sink.Len())
	assert.Equal(t, "sensors", s.Snapshot().Input)
}

func TestService_PointerIgnoredBeforeGrace(t *testing.T) {
	s := startService(t, ServiceConfig{PointerGrace: time.Hour})
	s.PushPointer(1, 1)
	require.Eventually(t, func() bool { return s.Snapshot().Counters.PointerIgnored == 1 }, waitFor, tick)
}

func TestService_CalibrateAndReset(t *testing.T) {
	sink := &captureSink{}
	s := startService(t, ServiceConfig{
		Engine:       Config{SensorSmoothing: 1},
		Sinks:        []Sink{sink},
		PointerGrace: time.Hour,
	})
	ctx := context.Background()

	_, err := s.Calibrate(ctx)
	assert.ErrorIs(t, err, ErrNoBaseRotation)

	s.PushOrientation(native(133))
	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, tick)

	off, err := s.Calibrate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 313, off, 1e-9)

	s.PushOrientation(native(133))
	require.Eventually(t, func() bool { return sink.Len() == 2 }, waitFor, tick)
	assert.InDelta(t, 0, sink.Last().Applied, 1e-9)

	require.NoError(t, s.ResetCalibration(ctx))
	assert.Equal(t, 0.0, s.Snapshot().State.CalibrationOffset)
}

func TestService_ModeAndLocation(t *testing.T) {
	sink := &captureSink{}
	s := startService(t, ServiceConfig{
		Engine:            Config{SensorSmoothing: 1, Target: geo.Point{LatDeg: 1, LonDeg: 0}},
		Sinks:             []Sink{sink},
		LocationAvailable: true,
		PointerGrace:      time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, s.SetMode(ctx, ModeTarget))
	assert.Error(t, s.SetMode(ctx, Mode("sideways")))

	s.PushLocation(geo.Point{LatDeg: 0, LonDeg: 0})
	require.Eventually(t, func() bool { return s.Snapshot().Counters.Location == 1 }, waitFor, tick)
	assert.Equal(t, "111195 m", s.Snapshot().Frame.DistanceLabel)

	s.PushOrientation(native(90))
	require.Eventually(t, func() bool { return s.Snapshot().Counters.Orientation == 1 }, waitFor, tick)
	assert.InDelta(t, 90, s.Snapshot().Frame.Applied, 1e-9)
	assert.Equal(t, ModeTarget, s.Snapshot().Frame.Mode)

	s.PushLocationError(errors.New("timeout"))
	require.Eventually(t, func() bool { return s.Snapshot().LocationStatus == StatusLocationError }, waitFor, tick)
	assert.Equal(t, StatusLocationError, s.Snapshot().Frame.DistanceLabel)

	s.PushLocation(geo.Point{LatDeg: 123, LonDeg: 0})
	require.Eventually(t, func() bool { return s.Snapshot().Counters.LocationInvalid == 1 }, waitFor, tick)
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters.LocationErrors)
	assert.Equal(t, uint64(1), snap.Counters.Location)
	assert.Equal(t, StatusLocationError, snap.LocationStatus)
}

func TestService_NoLocationSource(t *testing.T) {
	s := NewService(ServiceConfig{})
	snap := s.Snapshot()
	assert.Equal(t, StatusNoLocationSource, snap.LocationStatus)
	assert.Equal(t, StatusNoLocationSource, snap.Frame.DistanceLabel)
}

func TestService_ToggleDebug(t *testing.T) {
	s := startService(t, ServiceConfig{PointerGrace: time.Hour})
	ctx := context.Background()

	on, err := s.ToggleDebug(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Contains(t, s.Snapshot().DebugText, "deviceHeading: n/a")

	on, err = s.ToggleDebug(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Empty(t, s.Snapshot().DebugText)
}

func TestService_RecordsRawInput(t *testing.T) {
	rec := &captureRecorder{}
	s := startService(t, ServiceConfig{Recorder: rec, PointerGrace: time.Hour, LocationAvailable: true})

	s.PushOrientation(native(1))
	require.Eventually(t, func() bool { return len(rec.Kinds()) == 1 }, waitFor, tick)
	s.PushLocation(geo.Point{LatDeg: 1, LonDeg: 1})
	require.Eventually(t, func() bool { return len(rec.Kinds()) == 2 }, waitFor, tick)
	s.PushPointer(1, 2)
	require.Eventually(t, func() bool { return len(rec.Kinds()) == 3 }, waitFor, tick)
	s.PushLocationError(errors.New("x"))
	require.Eventually(t, func() bool { return len(rec.Kinds()) == 4 }, waitFor, tick)

	assert.Equal(t, []string{"O", "L", "P", "E"}, rec.Kinds())
}

func TestService_ClosedRequests(t *testing.T) {
	s := NewService(ServiceConfig{})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Close()

	_, err := s.Calibrate(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Pushes after close return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.PushOrientation(native(1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("push blocked after close")
	}
}

func TestService_PushAfterContextCancel(t *testing.T) {
	s := NewService(ServiceConfig{PointerGrace: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Close()
	cancel()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3*orientationQueue; i++ {
			s.PushOrientation(native(1))
			s.PushLocation(geo.Point{LatDeg: 1, LonDeg: 1})
			s.PushPointer(1, 0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("push blocked after context cancel")
	}

	_, err := s.ToggleDebug(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(" Granted ")
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, p)
	_, err = ParsePermission("maybe")
	assert.Error(t, err)
}
