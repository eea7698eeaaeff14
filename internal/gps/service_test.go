package gps

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"boussoled/internal/geo"
)

type fakeConn struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestService_DisabledStartIsNoop(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if s.Snapshot().Enabled {
		t.Fatalf("expected disabled snapshot")
	}
	s.Close()
}

func TestService_DeliversFixesAndReconnects(t *testing.T) {
	fixes := make(chan geo.Point, 8)
	errs := make(chan error, 8)
	s := New(Config{
		Enable: true,
		Source: "nmea",
		Device: "/dev/fake",
		OnFix: func(p geo.Point) {
			select {
			case fixes <- p:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})

	var mu sync.Mutex
	opens := 0
	s.open = func(ctx context.Context) (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return nil, errors.New("no such device")
		}
		body := strings.Join([]string{
			"garbage",
			nmeaLine("GNGGA,093000,4251.093,N,00302.070,E,1,08,0.9,12.0,M,49.0,M,,"),
			"$GNRMC,bad*00",
		}, "\r\n") + "\r\n"
		return &fakeConn{Reader: strings.NewReader(body)}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Close()

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "no such device") {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for open error")
	}

	select {
	case p := <-fixes:
		if p.LatDeg < 42.85 || p.LatDeg > 42.86 {
			t.Fatalf("fix=%v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for fix")
	}

	// EOF after the body is reported as a read failure.
	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "gps read stopped") {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for read error")
	}

	snap := s.Snapshot()
	if !snap.Valid || snap.Fixes == 0 {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestService_GPSDSnapshotLabels(t *testing.T) {
	s := New(Config{Enable: true, Source: "GPSD"})
	snap := s.Snapshot()
	if snap.Source != "gpsd" || snap.Device != "gpsd" || snap.Addr != "127.0.0.1:2947" {
		t.Fatalf("snap=%+v", snap)
	}
}
