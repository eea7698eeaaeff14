package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Target receives replayed samples; *compass.Service satisfies it.
type Target interface {
	PushOrientation(heading.Sample)
	PushLocation(geo.Point)
	PushLocationError(error)
	PushPointer(dx, dy float64)
}

// Play replays records with their relative timing and invokes cb for every
// data record. START markers reset the origin.
//
// speed: 1.0 = real time, 2.0 = half waits, 0.5 = double waits.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(Record) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	data := 0
	for _, r := range records {
		if r.Kind != KindStart {
			data++
		}
	}
	if data == 0 {
		return errors.New("no records")
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Kind == KindStart {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}
			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := time.Duration(float64(at-lastAt) / speed)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}
			if err := cb(r); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// Dispatch returns a Play callback that decodes each record and pushes it
// into t.
func Dispatch(t Target) func(Record) error {
	return func(r Record) error {
		switch r.Kind {
		case KindOrientation:
			s, err := r.Orientation()
			if err != nil {
				return fmt.Errorf("replay: orientation: %w", err)
			}
			t.PushOrientation(s)
		case KindLocation:
			p, err := r.Location()
			if err != nil {
				return fmt.Errorf("replay: location: %w", err)
			}
			t.PushLocation(p)
		case KindLocationError:
			msg, err := r.LocationError()
			if err != nil {
				return fmt.Errorf("replay: location error: %w", err)
			}
			t.PushLocationError(errors.New(msg))
		case KindPointer:
			dx, dy, err := r.Pointer()
			if err != nil {
				return fmt.Errorf("replay: pointer: %w", err)
			}
			t.PushPointer(dx, dy)
		}
		return nil
	}
}

// Run reads the log at path and replays it into t until done, ctx is
// cancelled or, with loop, forever.
func Run(ctx context.Context, path string, speed float64, loop bool, t Target) error {
	recs, err := ReadFile(path)
	if err != nil {
		return err
	}
	return Play(ctx, recs, speed, loop, nil, Dispatch(t))
}
