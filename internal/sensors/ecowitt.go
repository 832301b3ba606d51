package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nightwatch-obs/nightwatch/internal/coords"
)

// Ecowitt GW1100/GW2000 local API sensor IDs.
const (
	ecowittTempF    = "0x02"
	ecowittPressure = "0x03"
	ecowittHumidity = "0x07"
	ecowittWindDir  = "0x0A"
	ecowittWindMPH  = "0x0B"
	ecowittGustMPH  = "0x0C"
	ecowittSolar    = "0x15"
	ecowittUV       = "0x17"
)

// EcowittClient polls an Ecowitt gateway's local live-data endpoint.
type EcowittClient struct {
	baseURL string
	http    *http.Client
}

// NewEcowittClient builds a client for the gateway at host (name or IP).
func NewEcowittClient(host string) *EcowittClient {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &EcowittClient{
		baseURL: strings.TrimRight(host, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type ecowittItem struct {
	ID   string `json:"id"`
	Val  string `json:"val"`
	Unit string `json:"unit,omitempty"`
}

type ecowittRain struct {
	RainRate string `json:"rain_rate"`
	Daily    string `json:"daily"`
	Event    string `json:"event"`
}

type ecowittResponse struct {
	CommonList []ecowittItem `json:"common_list"`
	Wind       []ecowittItem `json:"wind"`
	Rain       ecowittRain   `json:"rain"`
}

// Fetch performs one GET /get_livedata_info round trip and maps the document
// to a WeatherSample. Temperature and humidity are required; everything else
// defaults to zero when the gateway omits it.
func (c *EcowittClient) Fetch(ctx context.Context) (WeatherSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get_livedata_info", nil)
	if err != nil {
		return WeatherSample{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return WeatherSample{}, fmt.Errorf("ecowitt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return WeatherSample{}, fmt.Errorf("ecowitt: gateway returned %d", resp.StatusCode)
	}

	var doc ecowittResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return WeatherSample{}, fmt.Errorf("ecowitt: decode: %w", err)
	}
	return mapEcowitt(doc)
}

func mapEcowitt(doc ecowittResponse) (WeatherSample, error) {
	values := make(map[string]float64)
	for _, item := range append(doc.CommonList, doc.Wind...) {
		if v, ok := parseLeadingFloat(item.Val); ok {
			values[item.ID] = v
		}
	}

	tempF, haveTemp := values[ecowittTempF]
	humidity, haveHum := values[ecowittHumidity]
	if !haveTemp || !haveHum {
		return WeatherSample{}, fmt.Errorf("ecowitt: document missing temperature or humidity")
	}

	s := WeatherSample{
		TempF:          tempF,
		TempC:          (tempF - 32) * 5 / 9,
		Humidity:       humidity,
		WindSpeed:      values[ecowittWindMPH],
		WindGust:       values[ecowittGustMPH],
		WindDir:        values[ecowittWindDir],
		Pressure:       values[ecowittPressure],
		SolarRadiation: values[ecowittSolar],
		UVIndex:        values[ecowittUV],
		Timestamp:      time.Now(),
	}
	s.WindCompass = coords.Compass(s.WindDir)

	if v, ok := parseLeadingFloat(doc.Rain.RainRate); ok {
		s.RainRate = v
	}
	if v, ok := parseLeadingFloat(doc.Rain.Daily); ok {
		s.RainDaily = v
	}
	if v, ok := parseLeadingFloat(doc.Rain.Event); ok {
		s.RainEvent = v
	}
	s.IsRaining = s.RainRate > 0

	return s, nil
}

// parseLeadingFloat extracts the numeric prefix of values like "5.8 mph" or
// "29.92 inHg".
func parseLeadingFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	end := len(s)
	for i, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '+' {
			continue
		}
		end = i
		break
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:end]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
