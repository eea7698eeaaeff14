package replay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

type captureTarget struct {
	events []string
}

func (c *captureTarget) PushOrientation(s heading.Sample) {
	h, src, _ := heading.FromSample(s)
	c.events = append(c.events, fmt.Sprintf("O %s %.1f", src, h))
}

func (c *captureTarget) PushLocation(p geo.Point) {
	c.events = append(c.events, "L "+p.String())
}

func (c *captureTarget) PushLocationError(err error) {
	c.events = append(c.events, "E "+err.Error())
}

func (c *captureTarget) PushPointer(dx, dy float64) {
	c.events = append(c.events, fmt.Sprintf("P %g %g", dx, dy))
}

func TestRecordReplay_RoundTripInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compass.log")
	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}

	// Fixed clock so replay has zero waits.
	now := w.start
	w.now = func() time.Time { return now }

	want := &captureTarget{}
	samples := []func(Target){
		func(tg Target) { tg.PushLocation(geo.Point{LatDeg: 42.85, LonDeg: 3.03}) },
		func(tg Target) { tg.PushOrientation(heading.Sample{Native: heading.Float(12)}) },
		func(tg Target) { tg.PushLocationError(errors.New("GPS erreur")) },
		func(tg Target) { tg.PushPointer(-5, 7) },
	}
	rec := recorderTarget{w}
	for _, fn := range samples {
		fn(rec)
		fn(want)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	got := &captureTarget{}
	fs := &fakeSleeper{}
	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if err := Play(context.Background(), recs, 1.0, false, fs, Dispatch(got)); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(fs.slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", fs.slept)
	}
	if !reflect.DeepEqual(got.events, want.events) {
		t.Fatalf("events mismatch\n got: %q\nwant: %q", got.events, want.events)
	}
}

// recorderTarget adapts a Writer to Target for tests.
type recorderTarget struct{ w *Writer }

func (r recorderTarget) PushOrientation(s heading.Sample) { _ = r.w.RecordOrientation(s) }
func (r recorderTarget) PushLocation(p geo.Point)         { _ = r.w.RecordLocation(p) }
func (r recorderTarget) PushLocationError(err error)      { _ = r.w.RecordLocationError(err.Error()) }
func (r recorderTarget) PushPointer(dx, dy float64)       { _ = r.w.RecordPointer(dx, dy) }
