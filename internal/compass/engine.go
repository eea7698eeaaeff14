package compass

import (
	"errors"
	"fmt"
	"math"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

// DefaultTarget is the destination used when none is configured.
var DefaultTarget = geo.Point{LatDeg: 42.851556, LonDeg: 3.034500}

const (
	DefaultSensorSmoothing  = 0.12
	DefaultPointerSmoothing = 0.2
)

// ErrNoBaseRotation is returned by Calibrate before any heading was seen.
var ErrNoBaseRotation = errors.New("compass: no base rotation yet")

// Config is the construction-time engine configuration.
type Config struct {
	Mode   Mode
	Target geo.Point

	// SensorSmoothing and PointerSmoothing are Smooth factors in (0,1].
	SensorSmoothing  float64
	PointerSmoothing float64
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeNorth
	}
	if c.Target == (geo.Point{}) {
		c.Target = DefaultTarget
	}
	if !(c.SensorSmoothing > 0) || c.SensorSmoothing > 1 {
		c.SensorSmoothing = DefaultSensorSmoothing
	}
	if !(c.PointerSmoothing > 0) || c.PointerSmoothing > 1 {
		c.PointerSmoothing = DefaultPointerSmoothing
	}
	return c
}

// State is the mutable heading state.
type State struct {
	Rotation          float64  `json:"rotation_deg"`
	NorthRotation     float64  `json:"north_rotation_deg"`
	DeviceHeading     *float64 `json:"device_heading_deg,omitempty"`
	BaseRotation      *float64 `json:"base_rotation_deg,omitempty"`
	CalibrationOffset float64  `json:"calibration_offset_deg"`
}

// Frame is the rendering output after one input sample.
type Frame struct {
	Seq        uint64 `json:"seq"`
	UpdatedUTC string `json:"updated_utc,omitempty"`

	// Rotation is the cumulative needle angle to apply to the transform.
	Rotation float64 `json:"rotation_deg"`
	// Applied is Rotation normalized into [0,360).
	Applied       float64 `json:"applied_deg"`
	NorthRotation float64 `json:"north_rotation_deg"`

	HeadingDeg    *float64 `json:"heading_deg,omitempty"`
	HeadingSource string   `json:"heading_source,omitempty"`
	HeadingLabel  string   `json:"heading_label"`

	TargetBearingDeg *float64 `json:"target_bearing_deg,omitempty"`
	DistanceM        *float64 `json:"distance_m,omitempty"`
	DistanceLabel    string   `json:"distance_label"`

	Mode              Mode    `json:"mode"`
	Input             string  `json:"input,omitempty"`
	CalibrationOffset float64 `json:"calibration_offset_deg"`
}

// Engine turns orientation, location and pointer samples into needle
// rotations. It is not safe for concurrent use; Service owns one.
type Engine struct {
	cfg  Config
	mode Mode

	rot   Rotator
	north float64

	lastHeading *float64
	lastSource  heading.Source
	lastBase    *float64
	offset      float64
	lastSample  heading.Sample

	user          *geo.Point
	targetBearing *float64
	distanceM     *float64

	headingLabel  string
	distanceLabel string
	input         string
}

// NewEngine returns an engine with all angles at zero.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:           cfg,
		mode:          cfg.Mode,
		headingLabel:  "--",
		distanceLabel: "n/a",
	}
}

// Mode returns the active pointer mode.
func (e *Engine) Mode() Mode { return e.mode }

// SetMode switches the pointer mode; it takes effect on the next sample.
func (e *Engine) SetMode(m Mode) error {
	if m != ModeNorth && m != ModeTarget {
		return fmt.Errorf("compass: unknown mode %q", m)
	}
	e.mode = m
	return nil
}

// Target returns the configured destination.
func (e *Engine) Target() geo.Point { return e.cfg.Target }

// State returns a copy of the heading state.
func (e *Engine) State() State {
	st := State{
		Rotation:          e.rot.Angle(),
		NorthRotation:     e.north,
		CalibrationOffset: e.offset,
	}
	if e.lastHeading != nil {
		v := *e.lastHeading
		st.DeviceHeading = &v
	}
	if e.lastBase != nil {
		v := *e.lastBase
		st.BaseRotation = &v
	}
	return st
}

// HandleOrientation processes one orientation sample. ok is false when the
// sample carries no usable heading source; state is then untouched.
func (e *Engine) HandleOrientation(s heading.Sample) (Frame, bool) {
	h, src, ok := heading.FromSample(s)
	if !ok {
		return Frame{}, false
	}
	e.lastSample = s
	e.lastSource = src
	e.input = "sensors"
	hv := h
	e.lastHeading = &hv

	northDesired := heading.Normalize(180 - h)
	e.north = heading.Smooth(e.north, northDesired, e.cfg.SensorSmoothing)

	var base float64
	if e.mode == ModeTarget && e.user != nil {
		tb := geo.Bearing(*e.user, e.cfg.Target)
		e.targetBearing = &tb
		relative := heading.Normalize(tb - h)
		base = heading.Normalize(relative + 180)
	} else {
		base = heading.Normalize(180 - h)
	}
	e.lastBase = &base

	desired := heading.Normalize(base + e.offset)
	smoothed := heading.Smooth(math.Mod(e.rot.Angle(), 360), desired, e.cfg.SensorSmoothing)
	e.rot.RotateTo(smoothed)

	e.headingLabel = fmt.Sprintf("%d°", int(math.Round(heading.Normalize(h))))
	return e.frame(), true
}

// HandleLocation records the user's position and refreshes bearing and
// distance to the target.
func (e *Engine) HandleLocation(p geo.Point) Frame {
	pt := p
	e.user = &pt
	tb := geo.Bearing(pt, e.cfg.Target)
	d := geo.Distance(pt, e.cfg.Target)
	e.targetBearing = &tb
	e.distanceM = &d
	e.distanceLabel = geo.FormatDistance(d)
	return e.frame()
}

// HandleLocationError replaces the distance label with label. The last fix,
// if any, stays in use for target mode; without one, bearing and distance
// stay unavailable until a fix arrives.
func (e *Engine) HandleLocationError(label string) Frame {
	if label == "" {
		label = "GPS erreur"
	}
	e.distanceLabel = label
	return e.frame()
}

// Location returns the last known user position.
func (e *Engine) Location() (geo.Point, bool) {
	if e.user == nil {
		return geo.Point{}, false
	}
	return *e.user, true
}

// HandlePointer drives the needle from a pointer position relative to the
// widget center (screen coordinates, y down).
func (e *Engine) HandlePointer(dx, dy float64) Frame {
	e.input = "pointer"
	targetAngle := math.Atan2(dy, dx)*180/math.Pi + 90
	base := heading.Normalize(targetAngle + 180)
	desired := heading.Normalize(base + e.offset)
	smoothed := heading.Smooth(math.Mod(e.rot.Angle(), 360), desired, e.cfg.PointerSmoothing)
	e.rot.RotateTo(smoothed)

	// Without sensors, screen-up is taken as north.
	e.north = heading.Smooth(e.north, 180, e.cfg.PointerSmoothing)

	dist := int(math.Round(math.Hypot(dx, dy)))
	e.headingLabel = fmt.Sprintf("%d° • %dpx", int(math.Round(heading.Normalize(e.rot.Angle()))), dist)
	return e.frame()
}

// SetHeadingLabel overrides the heading label (e.g. "--" while waiting).
func (e *Engine) SetHeadingLabel(label string) { e.headingLabel = label }

// Calibrate makes the current aim the zero point: the offset becomes
// -lastBase so base+offset is 0 for the same pose.
func (e *Engine) Calibrate() (float64, error) {
	if e.lastBase == nil {
		return 0, ErrNoBaseRotation
	}
	e.offset = heading.Normalize(0 - *e.lastBase)
	return e.offset, nil
}

// ResetCalibration clears the calibration offset.
func (e *Engine) ResetCalibration() { e.offset = 0 }

// Offset returns the calibration offset.
func (e *Engine) Offset() float64 { return e.offset }

// Frame returns the current output without processing input.
func (e *Engine) Frame() Frame { return e.frame() }

func (e *Engine) frame() Frame {
	f := Frame{
		Rotation:          e.rot.Angle(),
		Applied:           heading.Normalize(e.rot.Angle()),
		NorthRotation:     e.north,
		HeadingSource:     string(e.lastSource),
		HeadingLabel:      e.headingLabel,
		DistanceLabel:     e.distanceLabel,
		Mode:              e.mode,
		Input:             e.input,
		CalibrationOffset: e.offset,
	}
	if e.lastHeading != nil {
		v := *e.lastHeading
		f.HeadingDeg = &v
	}
	if e.targetBearing != nil {
		v := *e.targetBearing
		f.TargetBearingDeg = &v
	}
	if e.distanceM != nil {
		v := *e.distanceM
		f.DistanceM = &v
	}
	return f
}
