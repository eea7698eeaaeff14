package sim

import (
	"context"
	"errors"
	"time"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

// ErrNoFix is pushed as the location error while a scenario marks GPS lost.
var ErrNoFix = errors.New("sim: gps lost")

// Step is what a generator produces for one tick.
type Step struct {
	Location    *geo.Point
	GPSLost     bool
	Orientation heading.Sample
}

type Generator interface {
	StepAt(elapsed time.Duration) Step
}

// Target receives simulated samples; *compass.Service satisfies it.
type Target interface {
	PushOrientation(heading.Sample)
	PushLocation(geo.Point)
	PushLocationError(error)
}

// Run pushes one step every interval until ctx is done.
func Run(ctx context.Context, g Generator, interval time.Duration, t Target) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emit(g.StepAt(0), t)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			emit(g.StepAt(now.Sub(start)), t)
		}
	}
}

func emit(st Step, t Target) {
	switch {
	case st.GPSLost:
		t.PushLocationError(ErrNoFix)
	case st.Location != nil:
		t.PushLocation(*st.Location)
	}
	t.PushOrientation(st.Orientation)
}
