package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CloudSource yields sky-minus-ambient differential readings.
type CloudSource interface {
	Fetch(ctx context.Context) (CloudSample, error)
}

// FileCloudSource reads the latest sample written by an external cloud
// sensor daemon. The file holds a small JSON document that the daemon
// rewrites on each measurement cycle.
type FileCloudSource struct {
	Path string
}

type cloudFile struct {
	SkyTempC     float64 `json:"skyTempC"`
	AmbientTempC float64 `json:"ambientTempC"`
	// Some daemons write the differential directly.
	SkyAmbientDiff *float64 `json:"skyAmbientDiff,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
}

func (f *FileCloudSource) Fetch(_ context.Context) (CloudSample, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return CloudSample{}, fmt.Errorf("cloud sensor: %w", err)
	}
	var doc cloudFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CloudSample{}, fmt.Errorf("cloud sensor: decode %s: %w", f.Path, err)
	}

	s := CloudSample{Timestamp: time.Now()}
	if doc.SkyAmbientDiff != nil {
		s.SkyAmbientDiff = *doc.SkyAmbientDiff
	} else {
		s.SkyAmbientDiff = doc.SkyTempC - doc.AmbientTempC
	}
	if doc.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, doc.Timestamp); err == nil {
			s.Timestamp = ts
		}
	}
	return s, nil
}
