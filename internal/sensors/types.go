// Package sensors acquires typed samples from the observatory's external
// data sources (Ecowitt weather gateway, sky temperature sensor, UPS) and
// pushes fresh samples to interested consumers. A sample is only published
// when parsing succeeds; a stalled or failing source is therefore visible to
// the safety monitor as staleness.
package sensors

import (
	"math"
	"time"
)

// WeatherSample is one reading from the weather station.
type WeatherSample struct {
	TempF          float64   `json:"tempF"`
	TempC          float64   `json:"tempC"`
	Humidity       float64   `json:"humidity"`
	WindSpeed      float64   `json:"windSpeed"` // mph
	WindGust       float64   `json:"windGust"`  // mph
	WindDir        float64   `json:"windDir"`   // degrees
	WindCompass    string    `json:"windCompass"`
	RainRate       float64   `json:"rainRate"` // in/hr
	RainDaily      float64   `json:"rainDaily"`
	RainEvent      float64   `json:"rainEvent"`
	IsRaining      bool      `json:"isRaining"`
	Pressure       float64   `json:"pressure"` // inHg
	SolarRadiation float64   `json:"solarRadiation"`
	UVIndex        float64   `json:"uvIndex"`
	Timestamp      time.Time `json:"timestamp"`
}

// DewPointF returns the dew point in °F using the Magnus approximation.
func (w WeatherSample) DewPointF() float64 {
	tc := w.TempC
	rh := w.Humidity
	if rh <= 0 {
		rh = 0.001
	}
	const a, b = 17.62, 243.12
	gamma := (a*tc)/(b+tc) + math.Log(rh/100)
	dpC := (b * gamma) / (a - gamma)
	return dpC*9/5 + 32
}

// CloudSample is one sky-minus-ambient differential reading. Strongly
// negative values indicate a clear sky.
type CloudSample struct {
	SkyAmbientDiff float64   `json:"skyAmbientDiff"` // °C
	Timestamp      time.Time `json:"timestamp"`
}

// PowerSample is one UPS reading.
type PowerSample struct {
	BatteryPercent float64   `json:"batteryPercent"`
	OnBattery      bool      `json:"onBattery"`
	Timestamp      time.Time `json:"timestamp"`
}

// Fresh reports whether a sample timestamp is within the staleness bound.
func Fresh(ts time.Time, bound time.Duration, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) <= bound
}
