package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"boussoled/internal/geo"
)

type Config struct {
	Compass CompassConfig `yaml:"compass"`
	Web     WebConfig     `yaml:"web"`
	UDP     UDPConfig     `yaml:"udp"`
	GPS     GPSConfig     `yaml:"gps"`
	IMU     IMUConfig     `yaml:"imu"`
	Buttons ButtonsConfig `yaml:"buttons"`
	Sim     SimConfig     `yaml:"sim"`
	Record  RecordConfig  `yaml:"record"`
	Replay  ReplayConfig  `yaml:"replay"`
	Log     LogConfig     `yaml:"log"`
}

type CompassConfig struct {
	Mode             string        `yaml:"mode"`
	Target           geo.Point     `yaml:"target"`
	SensorSmoothing  float64       `yaml:"sensor_smoothing"`
	PointerSmoothing float64       `yaml:"pointer_smoothing"`
	SensorGrace      time.Duration `yaml:"sensor_grace"`
	PointerGrace     time.Duration `yaml:"pointer_grace"`
}

type WebConfig struct {
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// Enabled reports whether the web UI should run. It defaults to true.
func (w WebConfig) Enabled() bool {
	return w.Enable == nil || *w.Enable
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type GPSConfig struct {
	Enable bool `yaml:"enable"`
	// Source is "nmea" (serial device) or "gpsd".
	Source   string `yaml:"source"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type IMUConfig struct {
	Enable  bool          `yaml:"enable"`
	I2CBus  int           `yaml:"i2c_bus"`
	IMUAddr uint16        `yaml:"imu_addr"`
	Rate    time.Duration `yaml:"rate"`
}

type ButtonsConfig struct {
	Enable       bool          `yaml:"enable"`
	Chip         string        `yaml:"chip"`
	CalibratePin int           `yaml:"calibrate_pin"`
	ResetPin     int           `yaml:"reset_pin"`
	DebugPin     int           `yaml:"debug_pin"`
	Debounce     time.Duration `yaml:"debounce"`
}

type SimConfig struct {
	Enable       bool          `yaml:"enable"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
	Interval     time.Duration `yaml:"interval"`
	// Scenario, when set, replaces the walk with a keyframed YAML script.
	Scenario string `yaml:"scenario"`
	Loop     bool   `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", unknownFieldDetail(err))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unknownFieldDetail(err error) string {
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		msg := te.Errors[0]
		if i := strings.Index(msg, "field "); i >= 0 {
			return msg[i:]
		}
		return msg
	}
	return err.Error()
}

// DefaultAndValidate fills defaults and rejects inconsistent settings.
// It is safe to call more than once.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	c := &cfg.Compass
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "":
		c.Mode = "north"
	case "gps":
		c.Mode = "target"
	case "north", "target":
	default:
		return fmt.Errorf("compass.mode must be 'north' or 'target'")
	}
	if c.Target == (geo.Point{}) {
		c.Target = geo.Point{LatDeg: 42.851556, LonDeg: 3.0345}
	}
	if !c.Target.Valid() {
		return fmt.Errorf("compass.target is out of range")
	}
	if c.SensorSmoothing == 0 {
		c.SensorSmoothing = 0.12
	}
	if c.SensorSmoothing < 0 || c.SensorSmoothing > 1 {
		return fmt.Errorf("compass.sensor_smoothing must be in (0,1]")
	}
	if c.PointerSmoothing == 0 {
		c.PointerSmoothing = 0.2
	}
	if c.PointerSmoothing < 0 || c.PointerSmoothing > 1 {
		return fmt.Errorf("compass.pointer_smoothing must be in (0,1]")
	}
	if c.SensorGrace <= 0 {
		c.SensorGrace = 1200 * time.Millisecond
	}
	if c.PointerGrace <= 0 {
		c.PointerGrace = 1 * time.Second
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	g := &cfg.GPS
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Source == "" {
		g.Source = "nmea"
	}
	switch g.Source {
	case "nmea":
		if g.Enable && strings.TrimSpace(g.Device) == "" {
			return fmt.Errorf("gps.device is required when gps.source is 'nmea'")
		}
	case "gpsd":
	default:
		return fmt.Errorf("gps.source must be 'nmea' or 'gpsd'")
	}
	if g.Baud <= 0 {
		g.Baud = 9600
	}
	if strings.TrimSpace(g.GPSDAddr) == "" {
		g.GPSDAddr = "127.0.0.1:2947"
	}

	if cfg.IMU.I2CBus <= 0 {
		cfg.IMU.I2CBus = 1
	}
	if cfg.IMU.IMUAddr == 0 {
		cfg.IMU.IMUAddr = 0x68
	}
	if cfg.IMU.Rate <= 0 {
		cfg.IMU.Rate = 50 * time.Millisecond
	}

	b := &cfg.Buttons
	if b.CalibratePin == 0 {
		b.CalibratePin = 17
	}
	if b.ResetPin == 0 {
		b.ResetPin = 27
	}
	if b.DebugPin == 0 {
		b.DebugPin = 22
	}
	if b.Debounce <= 0 {
		b.Debounce = 30 * time.Millisecond
	}
	if b.Enable {
		if b.CalibratePin < 0 || b.ResetPin < 0 || b.DebugPin < 0 {
			return fmt.Errorf("buttons pins must be >= 0")
		}
		if b.CalibratePin == b.ResetPin || b.CalibratePin == b.DebugPin || b.ResetPin == b.DebugPin {
			return fmt.Errorf("buttons pins must be distinct")
		}
	}

	// Simulator defaults (safe even if disabled).
	s := &cfg.Sim
	if s.CenterLatDeg == 0 && s.CenterLonDeg == 0 {
		s.CenterLatDeg = 42.8500
		s.CenterLonDeg = 3.0300
	}
	if s.RadiusM <= 0 {
		s.RadiusM = 150
	}
	if s.Period <= 0 {
		s.Period = 120 * time.Second
	}
	if s.Interval <= 0 {
		s.Interval = 100 * time.Millisecond
	}
	s.Scenario = strings.TrimSpace(s.Scenario)
	if s.Enable && cfg.Replay.Enable {
		return fmt.Errorf("sim and replay cannot both be enabled")
	}

	if cfg.Record.Enable && strings.TrimSpace(cfg.Record.Path) == "" {
		return fmt.Errorf("record.path is required when record.enable is true")
	}
	if cfg.Replay.Enable {
		if strings.TrimSpace(cfg.Replay.Path) == "" {
			return fmt.Errorf("replay.path is required when replay.enable is true")
		}
		if cfg.Replay.Speed == 0 {
			cfg.Replay.Speed = 1
		}
		if cfg.Replay.Speed < 0 {
			return fmt.Errorf("replay.speed must be > 0")
		}
	}
	if cfg.Record.Enable && cfg.Replay.Enable {
		return fmt.Errorf("record and replay cannot both be enabled")
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	return nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is empty")
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".boussoled-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
