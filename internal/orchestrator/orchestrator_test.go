package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
	"github.com/nightwatch-obs/nightwatch/internal/config"
	"github.com/nightwatch-obs/nightwatch/internal/events"
	"github.com/nightwatch-obs/nightwatch/internal/mount"
	"github.com/nightwatch-obs/nightwatch/internal/registry"
	"github.com/nightwatch-obs/nightwatch/internal/safety"
	"github.com/nightwatch-obs/nightwatch/internal/sensors"
	"github.com/nightwatch-obs/nightwatch/internal/tools"
	"github.com/nightwatch-obs/nightwatch/internal/voice"
)

// scriptedTransport plays an OnStepX controller on the other end of the
// LX200 byte pipe.
type scriptedTransport struct {
	mu      sync.Mutex
	writes  []string
	pending []byte
	parked  bool
	closed  bool
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (t *scriptedTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	cmd := string(p)
	t.writes = append(t.writes, cmd)
	if resp, ok := t.respond(cmd); ok {
		t.pending = append(t.pending, resp...)
	}
	return len(p), nil
}

func (t *scriptedTransport) respond(cmd string) (string, bool) {
	switch {
	case strings.HasPrefix(cmd, ":Sr"), strings.HasPrefix(cmd, ":Sd"):
		return "1#", true
	case cmd == ":MS#":
		return "0#", true
	case cmd == ":GR#":
		return "00:42:45#", true
	case cmd == ":GD#":
		return "+41*16:09#", true
	case cmd == ":GA#":
		return "+45*00:00#", true
	case cmd == ":GZ#":
		return "120*00:00#", true
	case cmd == ":Gm#":
		return "E#", true
	case cmd == ":GW#":
		return "TN#", true
	case cmd == ":GU#":
		if t.parked {
			return "P#", true
		}
		return "N#", true
	case cmd == ":hP#":
		t.parked = true
		return "1#", true
	case cmd == ":hR#":
		t.parked = false
		return "1#", true
	}
	return "", false
}

func (t *scriptedTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	if len(t.pending) == 0 {
		return 0, timeoutErr{}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *scriptedTransport) SetReadDeadline(time.Time) error { return nil }

func (t *scriptedTransport) countWrites(cmd string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, w := range t.writes {
		if w == cmd {
			n++
		}
	}
	return n
}

func (t *scriptedTransport) commandLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	copy(out, t.writes)
	return out
}

type fakeEnclosure struct {
	mu     sync.Mutex
	open   bool
	closes int
}

func (e *fakeEnclosure) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
	e.closes++
	return nil
}

func (e *fakeEnclosure) IsOpen(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Server.Enabled = false
	cfg.Mount.Host = "scripted"
	// High latitude keeps northern catalog targets above the altitude
	// floor at any sidereal time.
	cfg.Site = config.SiteConfig{LatitudeDeg: 80}
	return cfg
}

func newTestOrchestrator(t *testing.T, tr *scriptedTransport, opts ...Option) *Orchestrator {
	t.Helper()
	client := mount.NewClient(
		func() (mount.Transport, error) { return tr, nil },
		mount.WithTimeout(200*time.Millisecond),
		mount.WithGrace(10*time.Millisecond),
	)
	o, err := New(testConfig(t), zerolog.Nop(), append(opts, WithMount(client))...)
	require.NoError(t, err)
	return o
}

// makeSafe gives the monitor weather-only thresholds and a clear sample so
// motion tools pass the gate.
func makeSafe(o *Orchestrator) {
	cfg := safety.DefaultThresholds()
	cfg.RequireCloud = false
	cfg.RequirePower = false
	o.monitor.SetThresholds(cfg)
	o.monitor.UpdateWeather(sensors.WeatherSample{
		TempF: 50, TempC: 10, Humidity: 40, WindSpeed: 5, WindGust: 8,
		Timestamp: time.Now(),
	})
}

func connectMount(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.NoError(t, o.mountCtl.Connect(context.Background()))
}

func TestToolCatalogComplete(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	var names []string
	for _, tool := range o.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"goto_object", "goto_coordinates",
		"park_telescope", "unpark_telescope", "get_mount_status", "stop_mount",
		"get_weather", "is_weather_safe", "get_safety_status",
		"start_session", "end_session", "get_session_status",
	}, names)
}

func TestGotoObjectWireSequence(t *testing.T) {
	tr := &scriptedTransport{}
	o := newTestOrchestrator(t, tr)
	makeSafe(o)
	connectMount(t, o)

	res := o.Execute(context.Background(), "goto_object", tools.Params{"object_name": "M31"})
	require.Equal(t, tools.StatusSuccess, res.Status, res.Message)
	assert.Contains(t, res.Message, "M31")

	log := tr.commandLog()
	assert.Contains(t, log, ":Sr00:42:45#")
	assert.Contains(t, log, ":Sd+41*16:09#")
	assert.Contains(t, log, ":MS#")
}

func TestVoiceSlewTurn(t *testing.T) {
	tr := &scriptedTransport{}
	o := newTestOrchestrator(t, tr)
	makeSafe(o)
	connectMount(t, o)

	coord := voice.NewCoordinator(voice.Config{},
		stubSTT{text: "point at M31", confidence: 0.9},
		stubTTS{},
		stubLLM{decision: voice.Decision{Tool: "goto_object", Args: tools.Params{"object_name": "M31"}}},
		stubPlayer{},
		o, zerolog.Nop())

	reply, err := coord.HandleUtterance(context.Background(), []byte{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Contains(t, reply, "Slewing to M31")
	assert.Contains(t, tr.commandLog(), ":MS#")
}

func TestGotoObjectVetoedBelowAltitudeFloor(t *testing.T) {
	tr := &scriptedTransport{}
	client := mount.NewClient(func() (mount.Transport, error) { return tr, nil },
		mount.WithTimeout(200*time.Millisecond), mount.WithGrace(10*time.Millisecond))
	cfg := testConfig(t)
	// From deep southern latitude M31 never rises.
	cfg.Site = config.SiteConfig{LatitudeDeg: -80}
	o, err := New(cfg, zerolog.Nop(), WithMount(client))
	require.NoError(t, err)
	makeSafe(o)
	connectMount(t, o)

	res := o.Execute(context.Background(), "goto_object", tools.Params{"object_name": "M31"})
	assert.Equal(t, tools.StatusVetoed, res.Status)
	assert.Contains(t, res.Message, "altitude")
	assert.Equal(t, 0, tr.countWrites(":MS#"), "no slew reaches the wire")
}

func TestGotoVetoedWhenConditionsUnsafe(t *testing.T) {
	tr := &scriptedTransport{}
	o := newTestOrchestrator(t, tr)
	makeSafe(o)
	o.monitor.UpdateWeather(sensors.WeatherSample{
		TempF: 50, TempC: 10, Humidity: 40, WindSpeed: 40, WindGust: 45,
		Timestamp: time.Now(),
	})
	connectMount(t, o)

	res := o.Execute(context.Background(), "goto_object", tools.Params{"object_name": "M31"})
	assert.Equal(t, tools.StatusVetoed, res.Status)
	assert.Contains(t, res.Message, "wind")
	assert.Empty(t, tr.commandLog(), "mount is never touched")
}

func TestGotoUnknownObject(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	makeSafe(o)

	res := o.Execute(context.Background(), "goto_object", tools.Params{"object_name": "M999"})
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Contains(t, res.Message, "M999")
}

func TestGotoCoordinatesValidatesRange(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	makeSafe(o)

	res := o.Execute(context.Background(), "goto_coordinates", tools.Params{"ra": 25.0, "dec": 10.0})
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Contains(t, res.Message, "RA")
}

func TestGetMountStatusErrorEmitsServiceError(t *testing.T) {
	tr := &scriptedTransport{}
	o := newTestOrchestrator(t, tr)
	connectMount(t, o)

	var errorEvents []events.Event
	o.bus.Subscribe(events.ServiceError, func(ev events.Event) { errorEvents = append(errorEvents, ev) })

	// The controller drops the connection under us.
	tr.Close()

	res := o.Execute(context.Background(), "get_mount_status", nil)
	assert.Equal(t, tools.StatusError, res.Status)
	require.Len(t, errorEvents, 1)
	assert.Equal(t, "mount", errorEvents[0].Source)
	assert.Equal(t, registry.StatusDegraded, o.reg.GetStatus("mount"))
}

func TestShutdownSafeParksExactlyOnce(t *testing.T) {
	tr := &scriptedTransport{}
	enc := &fakeEnclosure{open: true}
	o := newTestOrchestrator(t, tr, WithEnclosure(enc))
	connectMount(t, o)

	res := o.Execute(context.Background(), "start_session", tools.Params{"session_id": "night1"})
	require.Equal(t, tools.StatusSuccess, res.Status)

	var kinds []events.Type
	var mu sync.Mutex
	o.bus.SubscribeAll(func(ev events.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Type)
		mu.Unlock()
	})

	o.Shutdown(context.Background(), true)
	o.Shutdown(context.Background(), true)

	assert.Equal(t, 1, tr.countWrites(":hP#"), "park issued exactly once")
	assert.Equal(t, 1, enc.closes)

	raw, err := os.ReadFile(filepath.Join(o.cfg.DataDir, "session_night1.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "night1", doc["session_id"])
	assert.NotNil(t, doc["ended_at"])
	assert.Contains(t, doc, "metrics")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.ShutdownInitiated, kinds[0])
	assert.Contains(t, kinds, events.SessionEnded)
	assert.Contains(t, kinds, events.MountParked)
	assert.Contains(t, kinds, events.ServiceStopped)
}

func TestShutdownUnsafeSavesSessionWithoutMoving(t *testing.T) {
	tr := &scriptedTransport{}
	enc := &fakeEnclosure{open: true}
	o := newTestOrchestrator(t, tr, WithEnclosure(enc))
	connectMount(t, o)

	res := o.Execute(context.Background(), "start_session", tools.Params{"session_id": "abort1"})
	require.Equal(t, tools.StatusSuccess, res.Status)

	o.Shutdown(context.Background(), false)

	assert.Equal(t, 0, tr.countWrites(":hP#"), "unsafe shutdown never moves the mount")
	assert.Equal(t, 0, enc.closes, "unsafe shutdown leaves the enclosure alone")

	raw, err := os.ReadFile(filepath.Join(o.cfg.DataDir, "session_abort1.json"))
	require.NoError(t, err, "the session log survives an emergency stop")
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "abort1", doc["session_id"])
	assert.NotNil(t, doc["ended_at"])

	for _, e := range o.reg.List() {
		assert.Equal(t, registry.StatusStopped, e.Status, e.Name)
	}
}

func TestStartupRequiredFailureAborts(t *testing.T) {
	client := mount.NewClient(func() (mount.Transport, error) {
		return nil, io.ErrClosedPipe
	})
	o, err := New(testConfig(t), zerolog.Nop(), WithMount(client))
	require.NoError(t, err)

	err = o.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mount")
	assert.Equal(t, registry.StatusStopped, o.reg.GetStatus("catalog"), "startup failure runs the shutdown path")
}

func TestSessionToolsRoundTrip(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})

	res := o.Execute(context.Background(), "get_session_status", nil)
	require.Equal(t, tools.StatusSuccess, res.Status)
	assert.Equal(t, false, res.Data["active"])

	res = o.Execute(context.Background(), "start_session", nil)
	require.Equal(t, tools.StatusSuccess, res.Status)
	id, _ := res.Data["sessionId"].(string)
	assert.Len(t, id, 26, "generated id is a ULID")

	res = o.Execute(context.Background(), "start_session", nil)
	assert.Equal(t, tools.StatusError, res.Status, "second session rejected while one is active")

	res = o.Execute(context.Background(), "end_session", nil)
	require.Equal(t, tools.StatusSuccess, res.Status)
	assert.Equal(t, id, res.Data["sessionId"])
}

func TestSafetyStatusTools(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	makeSafe(o)

	res := o.Execute(context.Background(), "is_weather_safe", nil)
	require.Equal(t, tools.StatusSuccess, res.Status)
	assert.Equal(t, true, res.Data["safe"])

	res = o.Execute(context.Background(), "get_safety_status", nil)
	require.Equal(t, tools.StatusSuccess, res.Status)
	assert.Equal(t, string(safety.ActionSafeToObserve), res.Data["action"])
}

func TestExecuteRecordsCommandMetrics(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	makeSafe(o)

	o.Execute(context.Background(), "is_weather_safe", nil)
	o.Execute(context.Background(), "no_such_tool", nil)

	snap := o.met.Snapshot()
	assert.Equal(t, int64(2), snap["commandCount"])
}

func TestHealthEndpoint(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})

	rec := httptest.NewRecorder()
	o.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"], "nothing started yet")
	assert.NotEmpty(t, body["services"])
	assert.Contains(t, body, "host")
}

func TestToolCallEndpoint(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	makeSafe(o)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/tools/is_weather_safe", strings.NewReader("{}"))
	o.handleToolCall(rec, req)
	require.Equal(t, 200, rec.Code)
	var res tools.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, tools.StatusSuccess, res.Status)

	rec = httptest.NewRecorder()
	o.handleToolCall(rec, httptest.NewRequest("POST", "/api/tools/bogus", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestAlertAckEndpointIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedTransport{})
	a, _ := o.alertMgr.Raise(context.Background(), alerts.LevelWarning, "safety", "humidity 92.0 over limit 90")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		o.handleAlertAck(rec, httptest.NewRequest("POST", "/api/alerts/"+a.ID+"/ack", nil))
		assert.Equal(t, 200, rec.Code, "acknowledge is idempotent")
	}

	rec := httptest.NewRecorder()
	o.handleAlertAck(rec, httptest.NewRequest("POST", "/api/alerts/deadbeef/ack", nil))
	assert.Equal(t, 404, rec.Code)
}

// Voice pipeline stubs.

type stubSTT struct {
	text       string
	confidence float64
}

func (s stubSTT) Transcribe(context.Context, []byte) (string, float64, error) {
	return s.text, s.confidence, nil
}

type stubTTS struct{}

func (stubTTS) Synthesize(_ context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

type stubLLM struct {
	decision voice.Decision
}

func (s stubLLM) Decide(context.Context, string) (voice.Decision, error) {
	return s.decision, nil
}

type stubPlayer struct {
	onPlay func()
}

func (p stubPlayer) Play(context.Context, []byte) error {
	if p.onPlay != nil {
		p.onPlay()
	}
	return nil
}

func (p stubPlayer) Stop() {}
