package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTracking(t *testing.T) {
	m := New()
	m.ObserveCommand("slew", 100*time.Millisecond, nil)
	m.ObserveCommand("slew", 300*time.Millisecond, nil)
	m.ObserveCommand("slew", 200*time.Millisecond, errors.New("boom"))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap["commandCount"])
	assert.Equal(t, int64(1), snap["errorCount"])

	cmds := snap["commands"].(map[string]CommandStats)
	st, ok := cmds["slew"]
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, 100*time.Millisecond, st.Min)
	assert.Equal(t, 300*time.Millisecond, st.Max)
	assert.Equal(t, 200*time.Millisecond, st.Avg)
}

func TestServiceLifecycleCounters(t *testing.T) {
	m := New()
	m.ServiceStarted("mount")
	assert.Greater(t, m.Uptime("mount"), time.Duration(-1))
	assert.Equal(t, time.Duration(0), m.Uptime("never-started"))

	m.RecordServiceError("mount")
	m.ServiceStopped("mount")
	assert.Equal(t, int64(1), m.Snapshot()["errorCount"])
}

func TestPrometheusEndpoint(t *testing.T) {
	m := New()
	m.SetSafety(true)
	m.ObserveCommand("park", 50*time.Millisecond, nil)
	m.RecordImage(120)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, "nightwatch_safety_safe_to_observe 1")
	assert.Contains(t, body, "nightwatch_commands_total")
	assert.Contains(t, body, "nightwatch_session_images_total 1")
	assert.Contains(t, body, "nightwatch_session_exposure_seconds_total 120")
}
