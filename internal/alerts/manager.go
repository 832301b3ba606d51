package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type registeredChannel struct {
	ch Channel
	// Wildcard patterns matched against the alert source. Empty means all.
	filters []string
}

// Manager accepts alerts and dispatches them to the channels configured for
// their severity.
type Manager struct {
	cfg     Config
	routing map[Level][]string
	log     zerolog.Logger

	mu          sync.Mutex
	channels    map[string]*registeredChannel
	history     []Alert
	lastSeen    map[string]time.Time // (source, message) -> last raise
	lastEmail   map[string]time.Time // source -> last email
	hourly      []time.Time
	escalations map[string]*time.Timer
	quiet       QuietHours
	templates   map[string]Template

	nowFn func() time.Time
}

func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = DefaultConfig().HistoryDepth
	}
	return &Manager{
		cfg:         cfg,
		routing:     defaultRouting(),
		log:         log.With().Str("component", "alerts").Logger(),
		channels:    make(map[string]*registeredChannel),
		lastSeen:    make(map[string]time.Time),
		lastEmail:   make(map[string]time.Time),
		escalations: make(map[string]*time.Timer),
		templates:   make(map[string]Template),
		nowFn:       time.Now,
	}
}

// AddChannel registers a delivery channel under its name. Filters are
// wildcard patterns matched against alert sources; an alert is delivered
// when any pattern matches (or no filter is set).
func (m *Manager) AddChannel(ch Channel, filters ...string) {
	m.mu.Lock()
	m.channels[ch.Name()] = &registeredChannel{ch: ch, filters: filters}
	m.mu.Unlock()
}

func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

func (m *Manager) SetQuietHours(q QuietHours) {
	m.mu.Lock()
	if q.MinLevel == "" {
		q.MinLevel = LevelCritical
	}
	m.quiet = q
	m.mu.Unlock()
}

func (m *Manager) RegisterTemplate(name string, tpl Template) {
	m.mu.Lock()
	m.templates[name] = tpl
	m.mu.Unlock()
}

// Raise creates an alert and attempts delivery. The returned bool reports
// whether any channel send was attempted; suppressed alerts still land in
// history.
func (m *Manager) Raise(ctx context.Context, level Level, source, message string) (Alert, bool) {
	now := m.nowFn()
	a := Alert{
		ID:        uuid.New().String()[:8],
		Level:     level,
		Source:    source,
		Message:   message,
		Timestamp: now,
	}

	m.mu.Lock()
	key := source + "\x00" + message
	if last, ok := m.lastSeen[key]; ok {
		window := m.cfg.DedupWindow
		if m.cfg.MinInterval > window {
			window = m.cfg.MinInterval
		}
		if now.Sub(last) < window {
			m.suppressLocked(&a, "duplicate")
			m.mu.Unlock()
			return a, false
		}
	}

	m.pruneHourlyLocked(now)
	if len(m.hourly) >= m.cfg.MaxPerHour {
		m.suppressLocked(&a, "hourly rate limit")
		m.mu.Unlock()
		return a, false
	}

	if m.quiet.Enabled && inQuietWindow(m.quiet, now) && rank(level) < rank(m.quiet.MinLevel) {
		m.suppressLocked(&a, "quiet hours")
		m.mu.Unlock()
		m.log.Info().Str("source", source).Str("level", string(level)).Msg("Alert suppressed by quiet hours")
		return a, false
	}

	m.lastSeen[key] = now
	m.hourly = append(m.hourly, now)

	targets := m.targetsLocked(&a, m.routing[level])
	m.appendHistoryLocked(a)
	if rank(level) >= rank(LevelCritical) {
		m.startEscalationLocked(a)
	}
	m.mu.Unlock()

	m.deliver(ctx, a, targets)
	return a, true
}

// RaiseTemplate raises an alert from a registered template, substituting
// {key} placeholders from args.
func (m *Manager) RaiseTemplate(ctx context.Context, name, source string, args map[string]any) (Alert, bool, error) {
	m.mu.Lock()
	tpl, ok := m.templates[name]
	m.mu.Unlock()
	if !ok {
		return Alert{}, false, fmt.Errorf("alert template %q not registered", name)
	}
	msg := tpl.Format
	for k, v := range args {
		msg = strings.ReplaceAll(msg, "{"+k+"}", fmt.Sprint(v))
	}
	a, sent := m.Raise(ctx, tpl.Level, source, msg)
	return a, sent, nil
}

// Acknowledge marks an alert acknowledged and cancels its escalation.
// Repeat calls for the same ID are no-ops that still return true; only an
// unknown ID returns false.
func (m *Manager) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].ID != id {
			continue
		}
		if m.history[i].Acknowledged {
			return true
		}
		now := m.nowFn()
		m.history[i].Acknowledged = true
		m.history[i].AckTime = &now
		if timer, ok := m.escalations[id]; ok {
			timer.Stop()
			delete(m.escalations, id)
		}
		return true
	}
	return false
}

// History returns alerts matching the filters, newest first. Zero values
// match everything.
func (m *Manager) History(level Level, source string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		a := m.history[i]
		if level != "" && a.Level != level {
			continue
		}
		if source != "" && a.Source != source {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (m *Manager) suppressLocked(a *Alert, reason string) {
	a.Suppressed = true
	a.SuppressReason = reason
	m.appendHistoryLocked(*a)
}

func (m *Manager) appendHistoryLocked(a Alert) {
	m.history = append(m.history, a)
	if len(m.history) > m.cfg.HistoryDepth {
		m.history = m.history[len(m.history)-m.cfg.HistoryDepth:]
	}
}

func (m *Manager) pruneHourlyLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := m.hourly[:0]
	for _, ts := range m.hourly {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	m.hourly = keep
}

// targetsLocked resolves channel names to sendable channels, applying
// source filters and the per-source email interval.
func (m *Manager) targetsLocked(a *Alert, names []string) []Channel {
	now := a.Timestamp
	var out []Channel
	for _, name := range names {
		if name == "log" {
			continue
		}
		reg, ok := m.channels[name]
		if !ok {
			continue
		}
		if !sourceMatches(reg.filters, a.Source) {
			continue
		}
		if name == "email" {
			if last, ok := m.lastEmail[a.Source]; ok && now.Sub(last) < m.cfg.EmailInterval {
				continue
			}
			m.lastEmail[a.Source] = now
		}
		out = append(out, reg.ch)
	}
	return out
}

func (m *Manager) deliver(ctx context.Context, a Alert, targets []Channel) {
	event := m.log.WithLevel(zerologLevel(a.Level))
	event.Str("id", a.ID).Str("source", a.Source).Str("level", string(a.Level)).Msg(a.Message)

	var delivered []string
	for _, ch := range targets {
		if err := ch.Send(ctx, a); err != nil {
			m.log.Error().Err(err).Str("channel", ch.Name()).Str("id", a.ID).Msg("Alert delivery failed")
			continue
		}
		delivered = append(delivered, ch.Name())
	}

	m.mu.Lock()
	for i := range m.history {
		if m.history[i].ID == a.ID {
			m.history[i].Delivered = delivered
			break
		}
	}
	m.mu.Unlock()
}

func (m *Manager) startEscalationLocked(a Alert) {
	if m.cfg.EscalationDelay <= 0 {
		return
	}
	id := a.ID
	m.escalations[id] = time.AfterFunc(m.cfg.EscalationDelay, func() {
		m.escalate(id)
	})
}

func (m *Manager) escalate(id string) {
	m.mu.Lock()
	delete(m.escalations, id)
	var alert *Alert
	for i := range m.history {
		if m.history[i].ID == id {
			alert = &m.history[i]
			break
		}
	}
	if alert == nil || alert.Acknowledged {
		m.mu.Unlock()
		return
	}
	a := *alert
	targets := m.targetsLocked(&a, escalationChannels)
	m.mu.Unlock()

	m.log.Warn().Str("id", id).Msg("Alert unacknowledged, escalating")
	for _, ch := range targets {
		if err := ch.Send(context.Background(), a); err != nil {
			m.log.Error().Err(err).Str("channel", ch.Name()).Msg("Escalation delivery failed")
		}
	}
}

func sourceMatches(filters []string, source string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if wildcard.Match(f, source) {
			return true
		}
	}
	return false
}

// inQuietWindow reports whether now falls inside the daily window, which
// may cross midnight.
func inQuietWindow(q QuietHours, now time.Time) bool {
	start, err1 := parseClock(q.Start)
	end, err2 := parseClock(q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
