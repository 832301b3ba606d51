package alerts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Alert
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager() (*Manager, *time.Time) {
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	m := NewManager(DefaultConfig(), zerolog.Nop())
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestRaiseDelivers(t *testing.T) {
	m, _ := newTestManager()
	email := &fakeChannel{name: "email"}
	m.AddChannel(email)

	a, sent := m.Raise(context.Background(), LevelInfo, "weather", "wind rising")
	assert.True(t, sent)
	assert.Len(t, a.ID, 8)
	assert.Equal(t, 1, email.count())

	hist := m.History("", "")
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"email"}, hist[0].Delivered)
}

func TestDuplicateWithinWindowSuppressed(t *testing.T) {
	m, now := newTestManager()
	email := &fakeChannel{name: "email"}
	m.AddChannel(email)

	_, sent := m.Raise(context.Background(), LevelInfo, "test", "Alert 0")
	require.True(t, sent)

	*now = now.Add(30 * time.Second)
	_, sent = m.Raise(context.Background(), LevelInfo, "test", "Alert 0")
	assert.False(t, sent, "identical alert inside the window is not sent")
	assert.Equal(t, 1, email.count(), "no channel send for the duplicate")

	hist := m.History("", "test")
	require.Len(t, hist, 2, "suppressed alerts still recorded")
	assert.True(t, hist[0].Suppressed)
	assert.Equal(t, "duplicate", hist[0].SuppressReason)
}

func TestDuplicateAfterWindowDelivered(t *testing.T) {
	m, now := newTestManager()
	push := &fakeChannel{name: "push"}
	m.AddChannel(push)

	_, sent := m.Raise(context.Background(), LevelWarning, "safety", "wind over limit")
	require.True(t, sent)
	*now = now.Add(301 * time.Second)
	_, sent = m.Raise(context.Background(), LevelWarning, "safety", "wind over limit")
	assert.True(t, sent)
	assert.Equal(t, 2, push.count())
}

func TestHourlyRateLimit(t *testing.T) {
	m, now := newTestManager()
	email := &fakeChannel{name: "email"}
	m.AddChannel(email)
	m.cfg.EmailInterval = 0

	for i := 0; i < 20; i++ {
		_, sent := m.Raise(context.Background(), LevelInfo, "test", fmt.Sprintf("message %d", i))
		require.True(t, sent, "alert %d under the cap", i)
		*now = now.Add(time.Second)
	}
	_, sent := m.Raise(context.Background(), LevelInfo, "test", "message 20")
	assert.False(t, sent, "21st alert in the hour is suppressed")

	// The window slides: an hour later there is room again.
	*now = now.Add(time.Hour)
	_, sent = m.Raise(context.Background(), LevelInfo, "test", "message 21")
	assert.True(t, sent)
}

func TestQuietHours(t *testing.T) {
	m, now := newTestManager()
	push := &fakeChannel{name: "push"}
	m.AddChannel(push)
	m.SetQuietHours(QuietHours{Enabled: true, Start: "22:00", End: "07:00", MinLevel: LevelCritical})

	*now = time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	_, sent := m.Raise(context.Background(), LevelWarning, "safety", "humidity high")
	assert.False(t, sent, "warning suppressed inside the window")

	_, sent = m.Raise(context.Background(), LevelCritical, "safety", "battery low")
	assert.True(t, sent, "critical passes through quiet hours")

	// 02:00 is still inside a window crossing midnight.
	*now = time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	_, sent = m.Raise(context.Background(), LevelWarning, "safety", "clouds moving in")
	assert.False(t, sent)

	*now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	_, sent = m.Raise(context.Background(), LevelWarning, "safety", "gusts over limit")
	assert.True(t, sent)
}

func TestAcknowledgeIdempotent(t *testing.T) {
	m, _ := newTestManager()
	a, _ := m.Raise(context.Background(), LevelCritical, "mount", "mount not responding")

	assert.True(t, m.Acknowledge(a.ID))
	assert.True(t, m.Acknowledge(a.ID), "repeat acknowledge is a no-op, not a failure")
	assert.False(t, m.Acknowledge("missing1"))

	hist := m.History("", "mount")
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Acknowledged)
	assert.NotNil(t, hist[0].AckTime)
}

func TestEscalationResendsHighImpactChannels(t *testing.T) {
	m, _ := newTestManager()
	m.cfg.EscalationDelay = 20 * time.Millisecond
	push := &fakeChannel{name: "push"}
	sms := &fakeChannel{name: "sms"}
	m.AddChannel(push)
	m.AddChannel(sms)

	m.Raise(context.Background(), LevelCritical, "power", "battery 25%")
	assert.Equal(t, 1, push.count())

	assert.Eventually(t, func() bool { return push.count() == 2 && sms.count() == 2 },
		time.Second, 5*time.Millisecond, "unacknowledged critical re-sends push and sms")
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	m, _ := newTestManager()
	m.cfg.EscalationDelay = 30 * time.Millisecond
	push := &fakeChannel{name: "push"}
	m.AddChannel(push)

	a, _ := m.Raise(context.Background(), LevelEmergency, "weather", "rain detected")
	require.True(t, m.Acknowledge(a.ID))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, push.count(), "acknowledged alert is not escalated")
}

func TestChannelFailureDoesNotBlockOthers(t *testing.T) {
	m, _ := newTestManager()
	push := &fakeChannel{name: "push", err: assert.AnError}
	sms := &fakeChannel{name: "sms"}
	m.AddChannel(push)
	m.AddChannel(sms)

	_, sent := m.Raise(context.Background(), LevelCritical, "mount", "axis stall")
	assert.True(t, sent)
	assert.Equal(t, 1, sms.count())

	hist := m.History("", "mount")
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"sms"}, hist[0].Delivered)
}

func TestSourceFilters(t *testing.T) {
	m, _ := newTestManager()
	push := &fakeChannel{name: "push"}
	m.AddChannel(push, "weather*", "safety")

	m.Raise(context.Background(), LevelWarning, "weather-station", "gusts")
	m.Raise(context.Background(), LevelWarning, "safety", "unsafe")
	m.Raise(context.Background(), LevelWarning, "mount", "slew failed")
	assert.Equal(t, 2, push.count(), "filtered channel only sees matching sources")
}

func TestEmailPerSourceInterval(t *testing.T) {
	m, now := newTestManager()
	email := &fakeChannel{name: "email"}
	m.AddChannel(email)

	m.Raise(context.Background(), LevelInfo, "weather", "first")
	*now = now.Add(10 * time.Minute)
	m.Raise(context.Background(), LevelInfo, "weather", "second")
	assert.Equal(t, 1, email.count(), "second email inside the hourly interval is skipped")

	*now = now.Add(time.Hour)
	m.Raise(context.Background(), LevelInfo, "weather", "third")
	assert.Equal(t, 2, email.count())
}

func TestRaiseTemplate(t *testing.T) {
	m, _ := newTestManager()
	push := &fakeChannel{name: "push"}
	m.AddChannel(push)
	m.RegisterTemplate("slew_failed", Template{
		Level:  LevelWarning,
		Format: "Slew to {object} failed: {reason}",
	})

	a, sent, err := m.RaiseTemplate(context.Background(), "slew_failed", "mount",
		map[string]any{"object": "M31", "reason": "below horizon"})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "Slew to M31 failed: below horizon", a.Message)

	_, _, err = m.RaiseTemplate(context.Background(), "nope", "mount", nil)
	assert.Error(t, err)
}

func TestHistoryFilters(t *testing.T) {
	m, now := newTestManager()
	m.Raise(context.Background(), LevelInfo, "weather", "a")
	*now = now.Add(time.Minute)
	m.Raise(context.Background(), LevelCritical, "mount", "b")
	*now = now.Add(time.Minute)
	m.Raise(context.Background(), LevelInfo, "mount", "c")

	assert.Len(t, m.History("", ""), 3)
	assert.Len(t, m.History(LevelInfo, ""), 2)
	assert.Len(t, m.History("", "mount"), 2)
	assert.Len(t, m.History(LevelCritical, "mount"), 1)

	newest := m.History("", "")[0]
	assert.Equal(t, "c", newest.Message, "history is newest first")
}
