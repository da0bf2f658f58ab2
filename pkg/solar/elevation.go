// Package solar computes the sun's position, used to decide when a sky camera image is
// worth analysing.
package solar

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

const (
	deg   = math.Pi / 180
	j2000 = 2451545.0
)

// Elevation returns the sun's altitude above the horizon in degrees at time t for the
// given position. Accuracy is about a tenth of a degree.
func Elevation(t time.Time, latitude, longitude float64) float64 {
	n := julian.TimeToJD(t.UTC()) - j2000

	meanLon := normalize(280.460 + 0.9856474*n)
	meanAnomaly := normalize(357.528+0.9856003*n) * deg
	eclipticLon := (meanLon + 1.915*math.Sin(meanAnomaly) + 0.020*math.Sin(2*meanAnomaly)) * deg
	obliquity := (23.439 - 0.0000004*n) * deg

	declination := math.Asin(math.Sin(obliquity) * math.Sin(eclipticLon))
	rightAscension := math.Atan2(math.Cos(obliquity)*math.Sin(eclipticLon), math.Cos(eclipticLon))

	gmst := normalize(280.46061837 + 360.98564736629*n)
	hourAngle := (gmst+longitude)*deg - rightAscension

	lat := latitude * deg
	sinAlt := math.Sin(lat)*math.Sin(declination) + math.Cos(lat)*math.Cos(declination)*math.Cos(hourAngle)
	return math.Asin(sinAlt) / deg
}

// IsDaylight reports whether the sun is above the horizon.
func IsDaylight(t time.Time, latitude, longitude float64) bool {
	return Elevation(t, latitude, longitude) > 0
}

func normalize(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
