package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports in SI units.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdReport struct {
	Class string `json:"class"`

	// TPV
	Mode  *int     `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Speed *float64 `json:"speed"`
	Track *float64 `json:"track"`
	Epx   *float64 `json:"epx"`
	Epy   *float64 `json:"epy"`
	Eph   *float64 `json:"eph"`

	// SKY
	HDOP       *float64 `json:"hdop"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

// applyGPSD folds one gpsd JSON line into st. It reports whether a new fix
// was produced.
func (st *fixState) applyGPSD(nowUTC time.Time, line string) (bool, error) {
	var r gpsdReport
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return false, fmt.Errorf("gpsd: json parse failed: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(r.Class)) {
	case "TPV":
		return st.applyTPV(nowUTC, r), nil
	case "SKY":
		if r.HDOP != nil {
			v := *r.HDOP
			st.hdop = &v
		}
		if len(r.Satellites) > 0 {
			used := 0
			for _, sat := range r.Satellites {
				if sat.Used {
					used++
				}
			}
			st.satellites = &used
		}
		return false, nil
	default:
		// VERSION, DEVICES, WATCH...
		return false, nil
	}
}

func (st *fixState) applyTPV(nowUTC time.Time, r gpsdReport) bool {
	if r.Mode != nil {
		v := *r.Mode
		st.quality = &v
	}
	if r.Eph != nil {
		v := *r.Eph
		st.horizAccM = &v
	} else if r.Epx != nil && r.Epy != nil {
		v := math.Hypot(*r.Epx, *r.Epy)
		st.horizAccM = &v
	}
	if r.Speed != nil {
		v := *r.Speed
		st.speedMS = &v
	}
	if r.Track != nil {
		v := *r.Track
		st.trackDeg = &v
	}
	// Mode 2 is 2D, 3 is 3D.
	if r.Mode == nil || *r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return false
	}
	fixTime := nowUTC
	if strings.TrimSpace(r.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.Time); err == nil {
			fixTime = t.UTC()
		}
	}
	return st.setFix(fixTime, *r.Lat, *r.Lon)
}
