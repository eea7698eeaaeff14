package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

// ScenarioScript is a scripted walk, used to reproduce field sessions.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30s
//	keyframes:
//	  - t: 0s
//	    lat_deg: 42.85
//	    lon_deg: 3.03
//	    heading_deg: 90
//	    beta_deg: 10
//	    gamma_deg: 0
//	  - t: 10s
//	    gps_lost: true
//	    heading_deg: 180
//
// Keyframes must use non-decreasing t. If duration is zero it is the time of
// the last keyframe. heading_deg is the flat (alpha) heading; beta and gamma
// add tilt on top of it. A gps_lost keyframe holds until the next keyframe.
type ScenarioScript struct {
	Version   int                `yaml:"version"`
	Duration  time.Duration      `yaml:"duration"`
	Keyframes []ScenarioKeyframe `yaml:"keyframes"`
}

type ScenarioKeyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	HeadingDeg float64       `yaml:"heading_deg"`
	BetaDeg    float64       `yaml:"beta_deg"`
	GammaDeg   float64       `yaml:"gamma_deg"`
	GPSLost    bool          `yaml:"gps_lost"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
	// Loop wraps elapsed time around Duration in StepAt.
	Loop bool
}

func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	kfs := script.Keyframes
	if len(kfs) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range kfs {
		if kfs[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kfs[i].T < kfs[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if !kfs[i].GPSLost {
			p := geo.Point{LatDeg: kfs[i].LatDeg, LonDeg: kfs[i].LonDeg}
			if !p.Valid() {
				return nil, fmt.Errorf("keyframes[%d] position out of range", i)
			}
		}
	}
	dur := script.Duration
	if dur <= 0 {
		dur = kfs[len(kfs)-1].T
	}
	if dur <= 0 && len(kfs) > 1 {
		return nil, fmt.Errorf("duration is required (or derivable from keyframes)")
	}
	return &Scenario{script: script, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// ScenarioState is the interpolated state at a time.
type ScenarioState struct {
	Point      geo.Point
	GPSLost    bool
	HeadingDeg float64
	BetaDeg    float64
	GammaDeg   float64
}

// StateAt computes the state at elapsed. With loop, elapsed wraps around
// Duration; otherwise it is clamped to [0, Duration].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) ScenarioState {
	if s == nil {
		return ScenarioState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	k0, k1, a := selectSegment(s.script.Keyframes, elapsed)
	st := ScenarioState{
		HeadingDeg: lerpAngleDeg(k0.HeadingDeg, k1.HeadingDeg, a),
		BetaDeg:    lerp(k0.BetaDeg, k1.BetaDeg, a),
		GammaDeg:   lerp(k0.GammaDeg, k1.GammaDeg, a),
		GPSLost:    k0.GPSLost,
	}
	switch {
	case k0.GPSLost:
	case k1.GPSLost:
		// Hold the last position until the loss starts.
		st.Point = geo.Point{LatDeg: k0.LatDeg, LonDeg: k0.LonDeg}
	default:
		st.Point = geo.Point{
			LatDeg: lerp(k0.LatDeg, k1.LatDeg, a),
			LonDeg: lerp(k0.LonDeg, k1.LonDeg, a),
		}
	}
	return st
}

// StepAt implements Generator.
func (s *Scenario) StepAt(elapsed time.Duration) Step {
	st := s.StateAt(elapsed, s.Loop)
	step := Step{
		GPSLost: st.GPSLost,
		Orientation: heading.Sample{
			Alpha: heading.Float(heading.Normalize(360 - st.HeadingDeg)),
			Beta:  heading.Float(st.BetaDeg),
			Gamma: heading.Float(st.GammaDeg),
		},
	}
	if !st.GPSLost {
		p := st.Point
		step.Location = &p
	}
	return step
}

func selectSegment(kfs []ScenarioKeyframe, t time.Duration) (ScenarioKeyframe, ScenarioKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	a := float64(t-k0.T) / float64(dt)
	return k0, k1, min(max(a, 0), 1)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shortest arc.
func lerpAngleDeg(a0, a1, t float64) float64 {
	return heading.Normalize(a0 + heading.Delta(a0, a1)*t)
}
