// Package heading converts device rotation angles into compass headings and
// smooths successive headings along the shortest angular path.
//
// All angles are in degrees. Rotation angles follow the W3C device
// orientation convention: alpha about the vertical axis, beta about the
// front-back axis, gamma about the left-right axis, applied Z-X-Y.
package heading

import "math"

// Normalize wraps a into [0,360).
func Normalize(a float64) float64 {
	v := math.Mod(math.Mod(a, 360)+360, 360)
	// Mod can round a tiny negative up to exactly 360.
	if v >= 360 {
		return 0
	}
	return v
}

// Delta returns the signed shortest rotation from -> to, in [-180,180].
func Delta(from, to float64) float64 {
	d := Normalize(to) - Normalize(from)
	if d > 180 {
		d -= 360
	}
	if d < -180 {
		d += 360
	}
	return d
}

// Smooth moves prev toward target by factor of the shortest delta.
//
// This is a single-pole filter applied per sample; it ignores the time
// between samples, so its cutoff depends on the sample rate. A factor of 1
// (or anything outside (0,1]) jumps straight to the target.
func Smooth(prev, target, factor float64) float64 {
	if !(factor > 0) || factor > 1 {
		factor = 1
	}
	p := Normalize(prev)
	return p + Delta(p, target)*factor
}

// Compute returns the tilt-compensated heading in [0,360) for the given
// rotation angles, corrected for the screen rotation (0/90/180/270).
func Compute(alpha, beta, gamma, screenAngle float64) float64 {
	a := alpha * math.Pi / 180
	b := beta * math.Pi / 180
	g := gamma * math.Pi / 180

	ca, sa := math.Cos(a), math.Sin(a)
	cb, sb := math.Cos(b), math.Sin(b)
	cg, sg := math.Cos(g), math.Sin(g)

	// Second column of the Z-X-Y device->world rotation: the device top
	// axis in world east (x) and north (y).
	x := -sa * cb
	y := ca * cb
	if math.Hypot(x, y) < 1e-9 {
		// Held exactly upright: use the direction the back of the device
		// faces (negated third column).
		x = -(ca*sg + sa*sb*cg)
		y = -(sa*sg - ca*sb*cg)
	}

	h := Normalize(math.Atan2(x, y) * 180 / math.Pi)
	return Normalize(h - screenAngle)
}

// Source identifies which input path produced a heading.
type Source string

const (
	SourceNone   Source = ""
	SourceNative Source = "native"
	SourceTilt   Source = "tilt"
	SourceAlpha  Source = "alpha"
)

// Sample is one orientation reading. Any field may be absent.
type Sample struct {
	Alpha *float64 `json:"alpha,omitempty"`
	Beta  *float64 `json:"beta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`

	// Native is a platform compass heading that already includes tilt
	// compensation and declination (e.g. webkitCompassHeading).
	Native *float64 `json:"native_heading,omitempty"`

	// ScreenAngle is the screen rotation in degrees, when known.
	ScreenAngle *float64 `json:"screen_angle,omitempty"`
}

func finite(p *float64) bool {
	return p != nil && !math.IsNaN(*p) && !math.IsInf(*p, 0)
}

// Screen returns the screen angle or 0 when absent.
func (s Sample) Screen() float64 {
	if finite(s.ScreenAngle) {
		return *s.ScreenAngle
	}
	return 0
}

// FromSample derives the device heading from a sample.
//
// A native heading is returned verbatim. Otherwise the full alpha/beta/gamma
// triple is run through Compute. With only alpha available the heading is
// approximated as 360-alpha. ok is false when nothing usable is present.
func FromSample(s Sample) (deg float64, src Source, ok bool) {
	switch {
	case finite(s.Native):
		return *s.Native, SourceNative, true
	case finite(s.Alpha) && finite(s.Beta) && finite(s.Gamma):
		return Compute(*s.Alpha, *s.Beta, *s.Gamma, s.Screen()), SourceTilt, true
	case finite(s.Alpha):
		return Normalize(360 - *s.Alpha), SourceAlpha, true
	default:
		return 0, SourceNone, false
	}
}

// Float returns a pointer to v, for building samples.
func Float(v float64) *float64 { return &v }
