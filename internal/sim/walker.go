package sim

import (
	"math"
	"time"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

// Walker is a deterministic pedestrian walking a figure-eight around
// Center while holding the phone roughly flat, screen up, facing forward.
type Walker struct {
	Center  geo.Point
	RadiusM float64
	Period  time.Duration
	// WobbleDeg is the peak hand tilt added to beta and gamma.
	WobbleDeg float64
}

func (w Walker) period() time.Duration {
	if w.Period <= 0 {
		return 120 * time.Second
	}
	return w.Period
}

func (w Walker) radiusM() float64 {
	if w.RadiusM <= 0 {
		return 150
	}
	return w.RadiusM
}

func (w Walker) phase(elapsed time.Duration) float64 {
	p := w.period()
	if elapsed < 0 {
		elapsed = 0
	}
	return 2 * math.Pi * float64(elapsed%p) / float64(p)
}

// Position returns the point and course over ground after elapsed.
//
// The path is the Lissajous curve x = cos(w), y = 0.5*sin(2w) in units of
// RadiusM, so it stays inside the radius.
func (w Walker) Position(elapsed time.Duration) (geo.Point, float64) {
	ph := w.phase(elapsed)
	x := math.Cos(ph)
	y := 0.5 * math.Sin(2*ph)

	rDeg := w.radiusM() / geo.EarthRadiusM * 180 / math.Pi
	p := geo.Point{
		LatDeg: w.Center.LatDeg + rDeg*y,
		LonDeg: w.Center.LonDeg + rDeg*x/math.Cos(w.Center.LatDeg*math.Pi/180),
	}

	// Track from the velocity vector (atan2(east, north)).
	vx := -math.Sin(ph)
	vy := math.Cos(2 * ph)
	track := heading.Normalize(math.Atan2(vx, vy) * 180 / math.Pi)
	return p, track
}

// Orientation returns the rotation angles of a phone facing the course.
// With no wobble the derived heading equals the track.
func (w Walker) Orientation(elapsed time.Duration) heading.Sample {
	_, track := w.Position(elapsed)
	ph := w.phase(elapsed)
	beta := w.WobbleDeg * math.Sin(7*ph)
	gamma := w.WobbleDeg * 0.5 * math.Cos(11*ph)
	return heading.Sample{
		Alpha: heading.Float(heading.Normalize(360 - track)),
		Beta:  heading.Float(beta),
		Gamma: heading.Float(gamma),
	}
}

// StepAt implements Generator.
func (w Walker) StepAt(elapsed time.Duration) Step {
	p, _ := w.Position(elapsed)
	return Step{Location: &p, Orientation: w.Orientation(elapsed)}
}
