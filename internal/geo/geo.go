package geo

import (
	"fmt"
	"math"
)

// EarthRadiusM is the mean Earth radius used for great-circle math.
const EarthRadiusM = 6371e3

// Point is a WGS84 position in decimal degrees.
type Point struct {
	LatDeg float64 `json:"lat_deg" yaml:"lat_deg"`
	LonDeg float64 `json:"lon_deg" yaml:"lon_deg"`
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.LatDeg, p.LonDeg)
}

// Valid reports whether the point is a finite lat/lon inside the usual ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.LatDeg) || math.IsNaN(p.LonDeg) || math.IsInf(p.LatDeg, 0) || math.IsInf(p.LonDeg, 0) {
		return false
	}
	return p.LatDeg >= -90 && p.LatDeg <= 90 && p.LonDeg >= -180 && p.LonDeg <= 180
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Distance returns the haversine great-circle distance in meters.
func Distance(a, b Point) float64 {
	phi1 := toRad(a.LatDeg)
	phi2 := toRad(b.LatDeg)
	dPhi := toRad(b.LatDeg - a.LatDeg)
	dLambda := toRad(b.LonDeg - a.LonDeg)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusM * c
}

// Bearing returns the initial compass bearing from a to b in [0,360).
func Bearing(a, b Point) float64 {
	phi1 := toRad(a.LatDeg)
	phi2 := toRad(b.LatDeg)
	dLambda := toRad(b.LonDeg - a.LonDeg)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	brng := math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	if brng >= 360 {
		brng = 0
	}
	return brng
}

var compassPoints = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// CompassPoint converts a bearing to its 8-point compass name.
func CompassPoint(bearing float64) string {
	b := math.Mod(math.Mod(bearing, 360)+360, 360)
	return compassPoints[int((b+22.5)/45.0)%8]
}

// FormatDistance renders a distance label such as "1234 m".
func FormatDistance(meters float64) string {
	return fmt.Sprintf("%d m", int64(math.Round(meters)))
}
