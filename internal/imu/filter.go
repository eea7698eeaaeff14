package imu

import (
	"math"

	"boussoled/internal/heading"
)

const rad2deg = 180 / math.Pi

// Filter fuses accel and gyro into browser-style orientation angles.
//
// Sensor axes follow the device frame: x to the right, y toward the top
// edge, z out of the screen. Beta is the rotation about x, gamma about y,
// alpha about z. Alpha is integrated from the gyro only, so like a
// non-absolute browser alpha it is relative to where the device started.
type Filter struct {
	// Tau is the complementary filter time constant in seconds.
	Tau float64

	have        bool
	beta, gamma float64 // degrees
	alpha       float64 // degrees, unwrapped

	bias [3]float64 // deg/s
}

func NewFilter(tau float64) *Filter {
	if !(tau > 0) {
		tau = 0.5
	}
	return &Filter{Tau: tau}
}

// SetBias sets the stationary gyro bias subtracted from every reading.
func (f *Filter) SetBias(bx, by, bz float64) { f.bias = [3]float64{bx, by, bz} }

func (f *Filter) Bias() [3]float64 { return f.bias }

// Update folds one reading taken dt seconds after the previous one.
// A non-positive dt resets tilt to the accelerometer estimate and leaves
// alpha unchanged.
func (f *Filter) Update(r Reading, dt float64) heading.Sample {
	accBeta := math.Atan2(r.Ay, r.Az) * rad2deg
	accGamma := math.Atan2(-r.Ax, math.Hypot(r.Ay, r.Az)) * rad2deg

	gx := r.Gx - f.bias[0]
	gy := r.Gy - f.bias[1]
	gz := r.Gz - f.bias[2]

	if !f.have || dt <= 0 {
		f.beta, f.gamma = accBeta, accGamma
		f.have = true
	} else {
		k := f.Tau / (f.Tau + dt)
		// Blend on the shortest arc so beta does not jump at +-180.
		predBeta := f.beta + gx*dt
		f.beta = predBeta + (1-k)*heading.Delta(predBeta, accBeta)
		f.beta = wrap180(f.beta)
		f.gamma = k*(f.gamma+gy*dt) + (1-k)*accGamma
		f.alpha += gz * dt
	}

	return heading.Sample{
		Alpha: heading.Float(heading.Normalize(f.alpha)),
		Beta:  heading.Float(f.beta),
		Gamma: heading.Float(f.gamma),
	}
}

func wrap180(a float64) float64 {
	a = heading.Normalize(a)
	if a >= 180 {
		a -= 360
	}
	return a
}
