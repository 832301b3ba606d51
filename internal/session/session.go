// Package session owns the observing-session state: one session at a time,
// created by start_session, ended explicitly or by shutdown, and persisted
// as a JSON log on safe shutdown.
package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/events"
)

// Target is the object the session is currently pointed at.
type Target struct {
	Name       string    `json:"name"`
	RAHours    float64   `json:"raHours"`
	DecDegrees float64   `json:"decDegrees"`
	ObjectType string    `json:"objectType,omitempty"`
	CatalogID  string    `json:"catalogId,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// State is a snapshot of the active session.
type State struct {
	SessionID      string     `json:"session_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Observing      bool       `json:"observing"`
	CurrentTarget  *Target    `json:"current_target,omitempty"`
	ImagesCaptured int        `json:"images_captured"`
	TotalExposure  float64    `json:"total_exposure_sec"`
	ErrorCount     int        `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
}

// Manager guards the single active session.
type Manager struct {
	dataDir string
	bus     *events.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	current *State
}

func NewManager(dataDir string, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		dataDir: dataDir,
		bus:     bus,
		log:     log.With().Str("component", "session").Logger(),
	}
}

// Start opens a new session. An empty id gets a generated ULID. Starting
// while a session is active is an error; the caller must end it first.
func (m *Manager) Start(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return *m.current, fmt.Errorf("session %s already in progress", m.current.SessionID)
	}
	if strings.TrimSpace(id) == "" {
		id = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	m.current = &State{
		SessionID: id,
		StartedAt: time.Now(),
		Observing: true,
	}
	m.log.Info().Str("session", id).Msg("Session started")
	if m.bus != nil {
		m.bus.Emit(events.Event{Type: events.SessionStarted, Source: "session",
			Data: map[string]any{"sessionId": id}})
	}
	return *m.current, nil
}

// End closes the active session and returns its final state.
func (m *Manager) End() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, fmt.Errorf("no session in progress")
	}
	now := time.Now()
	m.current.EndedAt = &now
	m.current.Observing = false
	final := *m.current
	m.current = nil

	m.log.Info().Str("session", final.SessionID).
		Int("images", final.ImagesCaptured).
		Float64("exposureSec", final.TotalExposure).
		Msg("Session ended")
	if m.bus != nil {
		m.bus.Emit(events.Event{Type: events.SessionEnded, Source: "session",
			Data: map[string]any{"sessionId": final.SessionID}})
	}
	return final, nil
}

// Current returns a snapshot of the active session, or false.
func (m *Manager) Current() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, false
	}
	return *m.current, true
}

// SetTarget records the acquired target on the active session.
func (m *Manager) SetTarget(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	if t.AcquiredAt.IsZero() {
		t.AcquiredAt = time.Now()
	}
	m.current.CurrentTarget = &t
}

// RecordImage bumps the image and exposure counters.
func (m *Manager) RecordImage(exposureSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.ImagesCaptured++
	m.current.TotalExposure += exposureSec
	if m.bus != nil {
		m.bus.Emit(events.Event{Type: events.ImageCaptured, Source: "session",
			Data: map[string]any{"sessionId": m.current.SessionID, "exposureSec": exposureSec}})
	}
}

// RecordError notes a failure against the active session.
func (m *Manager) RecordError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.ErrorCount++
	m.current.LastError = msg
}

// sessionLog is the persisted document shape.
type sessionLog struct {
	State
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Save writes the session log to <data_dir>/session_<id>.json. It accepts
// either the active session or an already-ended final state.
func (m *Manager) Save(st State, metrics map[string]any) (string, error) {
	if m.dataDir == "" {
		return "", fmt.Errorf("session: no data directory configured")
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return "", fmt.Errorf("session: create data dir: %w", err)
	}
	doc := sessionLog{State: st, Metrics: metrics}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.dataDir, "session_"+st.SessionID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("session: write %s: %w", path, err)
	}
	m.log.Info().Str("path", path).Msg("Session log saved")
	return path, nil
}
