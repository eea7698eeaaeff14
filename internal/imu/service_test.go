package imu

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"boussoled/internal/heading"
)

type fakeSensor struct {
	mu  sync.Mutex
	r   Reading
	err error
}

func (f *fakeSensor) Read() (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.r, f.err
}

type nopCloser struct{ closed bool }

func (c *nopCloser) Close() error { c.closed = true; return nil }

type captureTarget struct {
	mu      sync.Mutex
	samples []heading.Sample
}

func (c *captureTarget) PushOrientation(s heading.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *captureTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(t *testing.T, dev sensor, target Target) (*Service, *nopCloser) {
	t.Helper()
	c := &nopCloser{}
	s := New(Config{Enable: true, Rate: 5 * time.Millisecond, ZeroDriftWindow: 30 * time.Millisecond, Target: target})
	s.open = func() (sensor, io.Closer, error) { return dev, c, nil }
	return s, c
}

func TestService_DisabledIsNoop(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Close()
	if snap := s.Snapshot(); snap.Enabled || snap.Detected {
		t.Fatalf("snap=%+v", snap)
	}
	if err := s.ZeroDrift(context.Background()); err == nil {
		t.Fatalf("expected error without a sensor")
	}
}

func TestService_OpenFailure(t *testing.T) {
	s := New(Config{Enable: true, Target: &captureTarget{}})
	s.open = func() (sensor, io.Closer, error) { return nil, nil, errors.New("no such device") }
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	s.Close()
	snap := s.Snapshot()
	if snap.Detected || !strings.Contains(snap.LastError, "no such device") {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestService_RequiresTarget(t *testing.T) {
	s := New(Config{Enable: true})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_StartupBiasAndSamples(t *testing.T) {
	target := &captureTarget{}
	dev := &fakeSensor{r: Reading{Az: 1, Gz: 2}}
	s, c := newTestService(t, dev, target)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	waitUntil(t, "startup bias", func() bool {
		snap := s.Snapshot()
		return !snap.Calibrating && snap.GyroBias[2] != 0
	})
	if b := s.Snapshot().GyroBias; math.Abs(b[2]-2) > 1e-9 || b[0] != 0 {
		t.Fatalf("bias=%v want z=2", b)
	}

	// With the bias removed a still device keeps a constant alpha.
	n := target.count()
	waitUntil(t, "more samples", func() bool { return target.count() >= n+5 })
	target.mu.Lock()
	tail := target.samples[n:]
	first := *tail[0].Alpha
	for _, smp := range tail[1:] {
		if math.Abs(*smp.Alpha-first) > 1e-9 {
			target.mu.Unlock()
			t.Fatalf("alpha drifted %v -> %v", first, *smp.Alpha)
		}
		if *smp.Beta != 0 || *smp.Gamma != 0 {
			target.mu.Unlock()
			t.Fatalf("tilt=%v/%v want 0", *smp.Beta, *smp.Gamma)
		}
	}
	target.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dev.mu.Lock()
	dev.r.Gz = -1
	dev.mu.Unlock()
	if err := s.ZeroDrift(ctx); err != nil {
		t.Fatalf("ZeroDrift: %v", err)
	}
	if b := s.Snapshot().GyroBias; math.Abs(b[2]+1) > 1e-9 {
		t.Fatalf("bias=%v want z=-1", b)
	}

	s.Close()
	if !c.closed {
		t.Fatalf("expected bus closed")
	}
}

func TestService_ReadErrorsSurface(t *testing.T) {
	target := &captureTarget{}
	dev := &fakeSensor{err: errors.New("i2c timeout")}
	s, _ := newTestService(t, dev, target)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	waitUntil(t, "error", func() bool { return s.Snapshot().LastError != "" })
	if snap := s.Snapshot(); snap.Valid || snap.LastError != "i2c timeout" {
		t.Fatalf("snap=%+v", snap)
	}
	if target.count() != 0 {
		t.Fatalf("expected no samples on read errors")
	}

	dev.mu.Lock()
	dev.err = nil
	dev.r = Reading{Az: 1}
	dev.mu.Unlock()
	waitUntil(t, "recovery", func() bool { return s.Snapshot().Valid })
	if s.Snapshot().LastError != "" {
		t.Fatalf("expected error cleared")
	}
}
