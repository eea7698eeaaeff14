package compass

import (
	"math"

	"boussoled/internal/heading"
)

// Rotator tracks the cumulative, unwrapped needle rotation.
//
// The cumulative value is what gets applied to the rendered transform, so
// crossing 0/360 never spins the needle the long way round.
type Rotator struct {
	angle float64
}

// RotateTo moves the cumulative angle by the shortest signed delta from
// (angle mod 360) to desired and returns the new cumulative angle.
func (r *Rotator) RotateTo(desired float64) float64 {
	r.angle += heading.Delta(math.Mod(r.angle, 360), desired)
	return r.angle
}

// Angle returns the cumulative angle.
func (r *Rotator) Angle() float64 { return r.angle }
