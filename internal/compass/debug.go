package compass

import (
	"fmt"
	"strings"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

// Debug is the raw state behind the debug view.
type Debug struct {
	DeviceHeading     *float64 `json:"device_heading_deg,omitempty"`
	TargetBearing     *float64 `json:"target_bearing_deg,omitempty"`
	BaseRotation      *float64 `json:"base_rotation_deg,omitempty"`
	CalibrationOffset float64  `json:"calibration_offset_deg"`
	AppliedRotation   float64  `json:"applied_rotation_deg"`
	ScreenAngle       float64  `json:"screen_angle_deg"`
	Alpha             *float64 `json:"alpha,omitempty"`
	Beta              *float64 `json:"beta,omitempty"`
	Gamma             *float64 `json:"gamma,omitempty"`
	UserLat           *float64 `json:"user_lat_deg,omitempty"`
	UserLon           *float64 `json:"user_lon_deg,omitempty"`
}

// Debug captures the current debug values.
func (e *Engine) Debug() Debug {
	st := e.State()
	d := Debug{
		DeviceHeading:     st.DeviceHeading,
		BaseRotation:      st.BaseRotation,
		CalibrationOffset: e.offset,
		AppliedRotation:   heading.Normalize(e.rot.Angle()),
		ScreenAngle:       e.lastSample.Screen(),
		Alpha:             copyFloat(e.lastSample.Alpha),
		Beta:              copyFloat(e.lastSample.Beta),
		Gamma:             copyFloat(e.lastSample.Gamma),
		TargetBearing:     copyFloat(e.targetBearing),
	}
	if e.user != nil {
		d.UserLat = copyFloat(&e.user.LatDeg)
		d.UserLon = copyFloat(&e.user.LonDeg)
	}
	return d
}

// Text renders the multi-line debug view.
func (d Debug) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deviceHeading: %s\n", deg(d.DeviceHeading))
	if d.TargetBearing != nil {
		fmt.Fprintf(&b, "targetBearing: %.1f° (%s)\n", *d.TargetBearing, geo.CompassPoint(*d.TargetBearing))
	} else {
		b.WriteString("targetBearing: n/a\n")
	}
	fmt.Fprintf(&b, "baseRotation: %s\n", deg(d.BaseRotation))
	fmt.Fprintf(&b, "calibrationOffset: %.1f°\n", d.CalibrationOffset)
	fmt.Fprintf(&b, "appliedRotation: %.1f°\n", d.AppliedRotation)
	fmt.Fprintf(&b, "screenAngle: %g°\n", d.ScreenAngle)
	fmt.Fprintf(&b, "alpha: %s, beta: %s, gamma: %s\n", deg(d.Alpha), deg(d.Beta), deg(d.Gamma))
	if d.UserLat != nil && d.UserLon != nil {
		fmt.Fprintf(&b, "userCoords: %.6f,%.6f", *d.UserLat, *d.UserLon)
	} else {
		b.WriteString("userCoords: n/a")
	}
	return b.String()
}

func deg(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f°", *v)
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
