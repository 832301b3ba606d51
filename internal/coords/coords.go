// Package coords converts between fractional-hour/degree coordinates and the
// sexagesimal strings used on the LX200 wire.
package coords

import (
	"fmt"
	"math"
	"strings"
)

// FormatRA renders right ascension (fractional hours) as "HH:MM:SS".
// The input is normalized into [0, 24).
func FormatRA(hours float64) string {
	hours = math.Mod(hours, 24)
	if hours < 0 {
		hours += 24
	}
	total := int(math.Round(hours * 3600))
	if total >= 24*3600 {
		total -= 24 * 3600
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatDec renders declination (fractional degrees) as "sDD*MM:SS" with an
// explicit sign, the form the Sd command expects.
func FormatDec(deg float64) string {
	sign := "+"
	if deg < 0 {
		sign = "-"
		deg = -deg
	}
	total := int(math.Round(deg * 3600))
	d := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%s%02d*%02d:%02d", sign, d, m, s)
}

// ParseRA parses "HH:MM:SS" (or "HH:MM.T" short form some controllers emit)
// into fractional hours in [0, 24).
func ParseRA(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "#")
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err == nil {
		return checkRA(float64(h) + float64(m)/60 + float64(sec)/3600)
	}
	var mf float64
	if _, err := fmt.Sscanf(s, "%d:%f", &h, &mf); err == nil {
		return checkRA(float64(h) + mf/60)
	}
	return 0, fmt.Errorf("coords: unrecognized RA %q", s)
}

func checkRA(hours float64) (float64, error) {
	if hours < 0 || hours >= 24 {
		return 0, fmt.Errorf("coords: RA %.4f out of range", hours)
	}
	return hours, nil
}

// ParseDec parses "sDD*MM:SS" or "sDD*MM'SS" into fractional degrees.
// Controllers are inconsistent about the minute separator, so both are
// accepted.
func ParseDec(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "#")
	norm := strings.NewReplacer("*", ":", "'", ":", "°", ":").Replace(s)
	sign := 1.0
	switch {
	case strings.HasPrefix(norm, "-"):
		sign = -1
		norm = norm[1:]
	case strings.HasPrefix(norm, "+"):
		norm = norm[1:]
	}
	var d, m, sec int
	if _, err := fmt.Sscanf(norm, "%d:%d:%d", &d, &m, &sec); err == nil {
		return checkDec(sign * (float64(d) + float64(m)/60 + float64(sec)/3600))
	}
	if _, err := fmt.Sscanf(norm, "%d:%d", &d, &m); err == nil {
		return checkDec(sign * (float64(d) + float64(m)/60))
	}
	return 0, fmt.Errorf("coords: unrecognized Dec %q", s)
}

func checkDec(deg float64) (float64, error) {
	if deg < -90 || deg > 90 {
		return 0, fmt.Errorf("coords: Dec %.4f out of range", deg)
	}
	return deg, nil
}

// ParseAz parses "DDD*MM'SS" into degrees in [0, 360).
func ParseAz(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "#")
	norm := strings.NewReplacer("*", ":", "'", ":").Replace(s)
	var d, m, sec int
	if _, err := fmt.Sscanf(norm, "%d:%d:%d", &d, &m, &sec); err != nil {
		return 0, fmt.Errorf("coords: unrecognized azimuth %q", s)
	}
	az := float64(d) + float64(m)/60 + float64(sec)/3600
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	return az, nil
}

// NormalizeHourAngle folds an hour angle in degrees into [-180, 180].
func NormalizeHourAngle(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg < -180 {
		deg += 360
	}
	return deg
}

var compassPoints = []string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// Compass maps a wind direction in degrees to its 16-point compass token.
func Compass(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	idx := int(math.Round(deg/22.5)) % 16
	return compassPoints[idx]
}
