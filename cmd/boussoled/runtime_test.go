package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"boussoled/internal/compass"
	"boussoled/internal/config"
	"boussoled/internal/heading"
	"boussoled/internal/replay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webOff(cfg *config.Config) {
	off := false
	cfg.Web.Enable = &off
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEngineConfig(t *testing.T) {
	cc := config.CompassConfig{Mode: "target", SensorSmoothing: 0.3, PointerSmoothing: 0.4}
	cc.Target.LatDeg = 10
	ec, err := engineConfig(cc)
	if err != nil {
		t.Fatalf("engineConfig() error: %v", err)
	}
	if ec.Mode != compass.ModeTarget || ec.Target.LatDeg != 10 {
		t.Fatalf("config=%+v", ec)
	}
	if ec.SensorSmoothing != 0.3 || ec.PointerSmoothing != 0.4 {
		t.Fatalf("smoothing=%v/%v", ec.SensorSmoothing, ec.PointerSmoothing)
	}
	if _, err := engineConfig(config.CompassConfig{Mode: "sideways"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestLocationAvailable(t *testing.T) {
	var cfg config.Config
	webOff(&cfg)
	if locationAvailable(cfg) {
		t.Fatalf("expected no location source")
	}
	cfg.GPS.Enable = true
	if !locationAvailable(cfg) {
		t.Fatalf("expected gps to count as a location source")
	}
	if !locationAvailable(config.Config{}) {
		t.Fatalf("expected web ui to count as a location source")
	}
}

func TestNewRuntime_BadScenario(t *testing.T) {
	var cfg config.Config
	webOff(&cfg)
	cfg.Sim.Enable = true
	cfg.Sim.Scenario = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := newRuntime(cfg, "", testLogger(), nil); err == nil {
		t.Fatalf("expected error for missing scenario")
	}
}

func TestRuntime_SimRecordsAndBroadcasts(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error: %v", err)
	}
	defer pc.Close()

	logPath := filepath.Join(t.TempDir(), "input.log")
	var cfg config.Config
	webOff(&cfg)
	cfg.Sim.Enable = true
	cfg.Sim.Interval = 10 * time.Millisecond
	cfg.Record.Enable = true
	cfg.Record.Path = logPath
	cfg.UDP.Enable = true
	cfg.UDP.Dest = pc.LocalAddr().String()

	rt, err := newRuntime(cfg, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		rt.Close()
		t.Fatalf("Start() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		snap := rt.compass.Snapshot()
		return snap.Counters.Orientation >= 3 && snap.Counters.Location >= 3
	})
	if snap := rt.compass.Snapshot(); snap.Sensor != compass.SensorActive || snap.Frame.Seq == 0 {
		t.Fatalf("snapshot sensor=%s seq=%d", snap.Sensor, snap.Frame.Seq)
	}
	if _, ok := rt.frames.Last(); !ok {
		t.Fatalf("expected a frame on the broadcaster")
	}

	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64*1024)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	var f compass.Frame
	if err := json.Unmarshal(buf[:n], &f); err != nil {
		t.Fatalf("datagram is not a frame: %v", err)
	}

	st := rt.status.Snapshot(time.Now(), nil)
	if st.Static["source"] != "sim" || st.Static["record_path"] != logPath {
		t.Fatalf("static=%v", st.Static)
	}
	if _, ok := st.Sources["udp"]; !ok {
		t.Fatalf("expected udp status source, got %v", st.Sources)
	}

	rt.Close()

	recs, err := replay.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	s := summarizeInputLog(recs)
	if s.Segments != 1 || s.Invalid != 0 {
		t.Fatalf("summary=%+v", s)
	}
	if s.KindCounts[replay.KindOrientation] < 3 || s.KindCounts[replay.KindLocation] < 3 {
		t.Fatalf("counts=%v", s.KindCounts)
	}
}

func TestRuntime_ReplayFeedsCompass(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "input.log")
	w, err := replay.CreateWriter(logPath)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	alpha := 45.0
	for i := 0; i < 3; i++ {
		if err := w.RecordOrientation(heading.Sample{Alpha: heading.Float(alpha)}); err != nil {
			t.Fatalf("RecordOrientation() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var cfg config.Config
	webOff(&cfg)
	cfg.Replay.Enable = true
	cfg.Replay.Path = logPath
	cfg.Replay.Speed = 100

	rt, err := newRuntime(cfg, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return rt.compass.Snapshot().Counters.Orientation == 3
	})
}

func TestRuntime_CloseWithoutStart(t *testing.T) {
	var cfg config.Config
	webOff(&cfg)
	rt, err := newRuntime(cfg, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	rt.Close()
	rt.Close()
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}, io.Discard); err != nil {
		t.Fatalf("newLogger() error: %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}, io.Discard); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := newLogger(config.LogConfig{Level: "info", Format: "xml"}, io.Discard); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestRuntime_CloseWithBusyReplay(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "input.log")
	w, err := replay.CreateWriter(logPath)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	for i := 0; i < 500; i++ {
		if err := w.RecordOrientation(heading.Sample{Alpha: heading.Float(float64(i % 360))}); err != nil {
			t.Fatalf("RecordOrientation() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var cfg config.Config
	webOff(&cfg)
	cfg.Replay.Enable = true
	cfg.Replay.Path = logPath
	cfg.Replay.Speed = 1e6
	cfg.Replay.Loop = true

	rt, err := newRuntime(cfg, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		cancel()
		rt.Close()
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return rt.compass.Snapshot().Counters.Orientation > 0
	})
	cancel()

	done := make(chan struct{})
	go func() {
		rt.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close() did not return with a busy replay")
	}
}

func TestRuntime_WebZeroDriftRoute(t *testing.T) {
	var cfg config.Config
	webOff(&cfg)
	rt, err := newRuntime(cfg, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()
	ts := httptest.NewServer(rt.webHandler())
	defer ts.Close()
	resp, err := http.Post(ts.URL+"/api/imu/zero-drift", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404 without imu", resp.StatusCode)
	}

	cfg.IMU.Enable = true
	rtIMU, err := newRuntime(cfg, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rtIMU.Close()
	tsIMU := httptest.NewServer(rtIMU.webHandler())
	defer tsIMU.Close()
	resp, err = http.Post(tsIMU.URL+"/api/imu/zero-drift", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "imu: sensor not detected" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, out)
	}
}
