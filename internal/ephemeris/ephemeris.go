// Package ephemeris computes the small set of astronomical quantities the
// safety monitor consumes: local sidereal time, the sun's altitude, and the
// altitude and hour angle of the current target. The solar position uses the
// low-precision Astronomical Almanac series, which is good to a few
// arcminutes over the coming decades; the daylight limit sits at -12 degrees
// so that is plenty.
package ephemeris

import (
	"math"
	"time"

	"github.com/nightwatch-obs/nightwatch/internal/coords"
)

// Site is the observatory location.
type Site struct {
	LatitudeDeg  float64 `json:"latitudeDeg"`
	LongitudeDeg float64 `json:"longitudeDeg"`
}

const degToRad = math.Pi / 180

// julianDate converts a civil instant to a Julian date.
func julianDate(t time.Time) float64 {
	return float64(t.UnixMilli())/86400000.0 + 2440587.5
}

// GMST returns Greenwich mean sidereal time in hours.
func GMST(t time.Time) float64 {
	d := julianDate(t) - 2451545.0
	gmst := math.Mod(18.697374558+24.06570982441908*d, 24)
	if gmst < 0 {
		gmst += 24
	}
	return gmst
}

// LST returns local sidereal time in hours for an east-positive longitude.
func (s Site) LST(t time.Time) float64 {
	lst := math.Mod(GMST(t)+s.LongitudeDeg/15, 24)
	if lst < 0 {
		lst += 24
	}
	return lst
}

// HourAngleDeg returns the target's hour angle in degrees, normalized to
// [-180, 180). Negative means east of the meridian.
func (s Site) HourAngleDeg(t time.Time, raHours float64) float64 {
	return coords.NormalizeHourAngle((s.LST(t) - raHours) * 15)
}

// AltitudeDeg returns the altitude of a fixed RA/Dec target.
func (s Site) AltitudeDeg(t time.Time, raHours, decDeg float64) float64 {
	ha := s.HourAngleDeg(t, raHours) * degToRad
	lat := s.LatitudeDeg * degToRad
	dec := decDeg * degToRad
	sinAlt := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	return math.Asin(sinAlt) / degToRad
}

// SunAltitudeDeg returns the sun's altitude at the site.
func (s Site) SunAltitudeDeg(t time.Time) float64 {
	ra, dec := sunPosition(t)
	return s.AltitudeDeg(t, ra, dec)
}

// sunPosition returns the sun's apparent RA (hours) and Dec (degrees).
func sunPosition(t time.Time) (raHours, decDeg float64) {
	n := julianDate(t) - 2451545.0
	meanLon := math.Mod(280.460+0.9856474*n, 360)
	meanAnom := math.Mod(357.528+0.9856003*n, 360) * degToRad
	eclLon := (meanLon + 1.915*math.Sin(meanAnom) + 0.020*math.Sin(2*meanAnom)) * degToRad
	obliquity := (23.439 - 0.0000004*n) * degToRad

	ra := math.Atan2(math.Cos(obliquity)*math.Sin(eclLon), math.Cos(eclLon)) / degToRad / 15
	if ra < 0 {
		ra += 24
	}
	dec := math.Asin(math.Sin(obliquity)*math.Sin(eclLon)) / degToRad
	return ra, dec
}
