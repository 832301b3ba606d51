package safety

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/events"
	"github.com/nightwatch-obs/nightwatch/internal/sensors"
)

// Responders are the services the monitor drives when an action fires.
// Any field may be nil; a nil responder turns that step into a log line,
// which is what passive mode uses.
type Responders struct {
	Park           func(ctx context.Context) error
	CloseEnclosure func(ctx context.Context) error
	Shutdown       func(ctx context.Context) error
	Resume         func(ctx context.Context) error
}

// Callback is invoked whenever the chosen action changes.
type Callback func(Status)

// Monitor holds the latest sample from every source plus the hysteresis
// and debounce state carried between evaluations.
type Monitor struct {
	cfg        Thresholds
	bus        *events.Bus
	responders Responders
	log        zerolog.Logger

	mu        sync.Mutex
	weather   *sensors.WeatherSample
	cloud     *sensors.CloudSample
	power     *sensors.PowerSample
	sunAlt    *float64
	sunAltTS  time.Time
	targetAlt *float64
	hourAngle *float64
	enclosure *bool
	networkOK *bool
	lastRain  time.Time

	windTriggered     bool
	gustTriggered     bool
	humidityTriggered bool
	cloudTriggered    bool
	daylightTriggered bool
	meridianWarned    bool

	unsafeSince  time.Time
	safeSince    time.Time
	lastStatus   Status
	lastExecuted Action
	callbacks    []Callback

	nowFn func() time.Time
}

func NewMonitor(cfg Thresholds, bus *events.Bus, responders Responders, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:          cfg,
		bus:          bus,
		responders:   responders,
		log:          log.With().Str("component", "safety").Logger(),
		lastExecuted: ActionSafeToObserve,
		nowFn:        time.Now,
	}
}

// SetThresholds swaps the limits in place. Hysteresis flags are kept so a
// reload does not reopen a triggered condition.
func (m *Monitor) SetThresholds(cfg Thresholds) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Monitor) RegisterCallback(cb Callback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// CurrentStatus returns the most recent evaluation result.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus
}

func (m *Monitor) UpdateWeather(s sensors.WeatherSample) {
	m.mu.Lock()
	m.weather = &s
	if s.IsRaining {
		m.lastRain = s.Timestamp
	}
	m.mu.Unlock()
}

func (m *Monitor) UpdateCloud(s sensors.CloudSample) {
	m.mu.Lock()
	m.cloud = &s
	m.mu.Unlock()
}

func (m *Monitor) UpdatePower(s sensors.PowerSample) {
	m.mu.Lock()
	m.power = &s
	m.mu.Unlock()
}

func (m *Monitor) UpdateSunAltitude(deg float64) {
	m.mu.Lock()
	m.sunAlt = &deg
	m.sunAltTS = m.nowFn()
	m.mu.Unlock()
}

func (m *Monitor) UpdateTargetAltitude(deg float64) {
	m.mu.Lock()
	m.targetAlt = &deg
	m.mu.Unlock()
}

func (m *Monitor) ClearTargetAltitude() {
	m.mu.Lock()
	m.targetAlt = nil
	m.mu.Unlock()
}

func (m *Monitor) UpdateHourAngle(deg float64) {
	m.mu.Lock()
	m.hourAngle = &deg
	m.mu.Unlock()
}

func (m *Monitor) UpdateEnclosure(open bool) {
	m.mu.Lock()
	m.enclosure = &open
	m.mu.Unlock()
}

func (m *Monitor) UpdateNetwork(reachable bool) {
	m.mu.Lock()
	m.networkOK = &reachable
	m.mu.Unlock()
}

// Evaluate runs the condition groups over the current snapshot and returns
// the verdict. Hysteresis flags are updated; nothing is executed.
func (m *Monitor) Evaluate() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(m.nowFn())
}

func (m *Monitor) evaluateLocked(now time.Time) Status {
	var reasons []string
	emergency := false
	networkDown := false
	daylight := false
	parkAndWait := false
	batteryStage := 0

	// Weather group.
	if m.cfg.RequireWeather || m.weather != nil {
		switch {
		case m.weather == nil:
			reasons = append(reasons, "weather data missing")
			parkAndWait = true
		case !sensors.Fresh(m.weather.Timestamp, m.cfg.WeatherStaleness, now):
			reasons = append(reasons, fmt.Sprintf("weather data stale (%.0fs old)", now.Sub(m.weather.Timestamp).Seconds()))
			parkAndWait = true
		default:
			w := m.weather
			if w.IsRaining || w.RainRate > 0 {
				reasons = append(reasons, "rain detected")
				emergency = true
			}
			m.windTriggered = hysteresize(m.windTriggered, w.WindSpeed, m.cfg.WindLimitMPH, m.cfg.WindHysteresisMPH)
			if m.windTriggered {
				reasons = append(reasons, fmt.Sprintf("wind %.1f mph over limit %.0f", w.WindSpeed, m.cfg.WindLimitMPH))
				parkAndWait = true
			}
			m.gustTriggered = hysteresize(m.gustTriggered, w.WindGust, m.cfg.GustLimitMPH, m.cfg.WindHysteresisMPH)
			if m.gustTriggered {
				reasons = append(reasons, fmt.Sprintf("gusts %.1f mph over limit %.0f", w.WindGust, m.cfg.GustLimitMPH))
				parkAndWait = true
			}
			m.humidityTriggered = hysteresize(m.humidityTriggered, w.Humidity, m.cfg.HumidityLimit, m.cfg.HumidityHysteresis)
			if m.humidityTriggered {
				reasons = append(reasons, fmt.Sprintf("humidity %.0f%% over limit %.0f%%", w.Humidity, m.cfg.HumidityLimit))
				parkAndWait = true
			}
			if margin := w.TempF - w.DewPointF(); margin < m.cfg.DewMarginF {
				reasons = append(reasons, fmt.Sprintf("dew point margin %.1fF below %.0fF", margin, m.cfg.DewMarginF))
				parkAndWait = true
			}
		}
	}

	// Rain holdoff survives the sample that reported the rain.
	if !m.lastRain.IsZero() && !emergency {
		if held := now.Sub(m.lastRain); held < m.cfg.RainHoldoff {
			reasons = append(reasons, fmt.Sprintf("rain holdoff (%.0fm remaining)", (m.cfg.RainHoldoff-held).Minutes()))
			parkAndWait = true
		}
	}

	// Cloud group.
	if m.cfg.RequireCloud || m.cloud != nil {
		switch {
		case m.cloud == nil:
			reasons = append(reasons, "cloud data missing")
			parkAndWait = true
		case !sensors.Fresh(m.cloud.Timestamp, m.cfg.CloudStaleness, now):
			reasons = append(reasons, fmt.Sprintf("cloud data stale (%.0fs old)", now.Sub(m.cloud.Timestamp).Seconds()))
			parkAndWait = true
		default:
			m.cloudTriggered = hysteresize(m.cloudTriggered, m.cloud.SkyAmbientDiff, m.cfg.CloudCloudyAbove, m.cfg.CloudHysteresis)
			if m.cloudTriggered {
				reasons = append(reasons, fmt.Sprintf("cloudy (sky-ambient %.1fC)", m.cloud.SkyAmbientDiff))
				parkAndWait = true
			}
		}
	}

	// Daylight.
	if m.sunAlt != nil {
		if !sensors.Fresh(m.sunAltTS, m.cfg.EphemerisStaleness, now) {
			reasons = append(reasons, "ephemeris data stale")
			parkAndWait = true
		} else {
			m.daylightTriggered = hysteresize(m.daylightTriggered, *m.sunAlt, m.cfg.SunAltitudeLimit, m.cfg.SunAltitudeHysteresis)
			if m.daylightTriggered {
				reasons = append(reasons, fmt.Sprintf("sun altitude %.1f above %.0f", *m.sunAlt, m.cfg.SunAltitudeLimit))
				daylight = true
			}
		}
	}

	// Target altitude.
	if m.targetAlt != nil && *m.targetAlt < m.cfg.MinTargetAltitude {
		reasons = append(reasons, fmt.Sprintf("target altitude %.1f below minimum %.0f", *m.targetAlt, m.cfg.MinTargetAltitude))
		parkAndWait = true
	}

	// Enclosure.
	if m.enclosure != nil && !*m.enclosure {
		reasons = append(reasons, "enclosure closed")
		parkAndWait = true
	}

	// Meridian zones. The warn zone publishes an event; only the flip zone
	// suspends observing.
	if m.hourAngle != nil {
		ha := math.Abs(*m.hourAngle)
		switch {
		case ha <= m.cfg.MeridianFlipDeg:
			reasons = append(reasons, fmt.Sprintf("meridian flip required (hour angle %.1f)", *m.hourAngle))
			parkAndWait = true
		case ha <= m.cfg.MeridianWarnDeg:
			if !m.meridianWarned && m.bus != nil {
				m.bus.Emit(events.Event{
					Type:    events.MeridianApproach,
					Source:  "safety",
					Message: fmt.Sprintf("mount within %.1f degrees of meridian", ha),
					Data:    map[string]any{"hourAngle": *m.hourAngle},
				})
			}
			m.meridianWarned = true
		default:
			m.meridianWarned = false
		}
	}

	// Power group with staged battery responses.
	if m.cfg.RequirePower || m.power != nil {
		if m.power == nil {
			reasons = append(reasons, "power data missing")
			parkAndWait = true
		} else {
			pct := m.power.BatteryPercent
			switch {
			case pct < m.cfg.BatteryEmergencyPercent:
				batteryStage = 4
				reasons = append(reasons, fmt.Sprintf("battery %.0f%% critical, closing", pct))
			case pct < m.cfg.BatteryShutdownPercent:
				batteryStage = 3
				reasons = append(reasons, fmt.Sprintf("battery %.0f%%, shutting down", pct))
			case pct < m.cfg.BatteryParkPercent:
				batteryStage = 2
				reasons = append(reasons, fmt.Sprintf("battery %.0f%%, parking", pct))
			case pct < m.cfg.BatteryWarnPercent:
				batteryStage = 1
				reasons = append(reasons, fmt.Sprintf("battery %.0f%% low", pct))
			}
		}
	}

	// Network.
	if m.cfg.RequireNetwork && (m.networkOK == nil || !*m.networkOK) {
		reasons = append(reasons, "network unreachable")
		networkDown = true
	}

	action := deriveAction(emergency, batteryStage, networkDown, daylight, parkAndWait)
	safe := action == ActionSafeToObserve

	st := Status{
		SafeToObserve: safe,
		Action:        action,
		Severity:      severityFor(action),
		Reasons:       reasons,
		Timestamp:     now,
	}
	m.lastStatus = st
	return st
}

// hysteresize applies the carried-flag rule: trip above the limit, clear
// only below limit minus margin.
func hysteresize(triggered bool, value, limit, margin float64) bool {
	if triggered {
		return value >= limit-margin
	}
	return value > limit
}

func deriveAction(emergency bool, batteryStage int, networkDown, daylight, parkAndWait bool) Action {
	switch {
	case emergency || batteryStage >= 4:
		return ActionEmergencyClose
	case batteryStage == 3:
		return ActionLowBatteryShutdown
	case batteryStage == 2:
		return ActionLowBatteryPark
	case networkDown:
		return ActionNetworkFailure
	case daylight:
		return ActionParkForDaylight
	case parkAndWait:
		return ActionParkAndWait
	case batteryStage == 1:
		return ActionLowBatteryWarning
	default:
		return ActionSafeToObserve
	}
}

func isEmergency(a Action) bool {
	return a == ActionEmergencyClose || a == ActionLowBatteryShutdown
}

// EvaluateNow runs one full cycle: evaluate, debounce, execute, publish.
func (m *Monitor) EvaluateNow(ctx context.Context) Status {
	m.mu.Lock()
	now := m.nowFn()
	prevAction := m.lastStatus.Action
	st := m.evaluateLocked(now)

	if st.SafeToObserve {
		m.unsafeSince = time.Time{}
		if m.safeSince.IsZero() {
			m.safeSince = now
		}
	} else {
		m.safeSince = time.Time{}
		if m.unsafeSince.IsZero() {
			m.unsafeSince = now
		}
	}

	var execute Action
	switch {
	case isEmergency(st.Action):
		if st.Action != m.lastExecuted {
			execute = st.Action
		}
	case !st.SafeToObserve && st.Action != ActionLowBatteryWarning:
		if st.Action != m.lastExecuted && now.Sub(m.unsafeSince) >= m.cfg.UnsafeDurationToPark {
			execute = st.Action
		}
	case st.SafeToObserve && m.lastExecuted != ActionSafeToObserve:
		if now.Sub(m.safeSince) >= m.cfg.SafeDurationToResume {
			execute = ActionSafeToObserve
		}
	}
	if execute != "" {
		m.lastExecuted = execute
	}

	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	changed := st.Action != prevAction || prevAction == ""
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.Event{
			Type:    events.SafetyStateChanged,
			Source:  "safety",
			Message: string(st.Action),
			Data: map[string]any{
				"safe":     st.SafeToObserve,
				"action":   string(st.Action),
				"severity": string(st.Severity),
				"reasons":  st.Reasons,
			},
		})
		if changed {
			evType := events.WeatherUnsafe
			if st.SafeToObserve {
				evType = events.WeatherSafe
			}
			m.bus.Emit(events.Event{Type: evType, Source: "safety", Message: string(st.Action)})
		}
	}

	if changed {
		for _, cb := range callbacks {
			cb(st)
		}
	}

	if execute != "" {
		m.execute(ctx, execute, st)
	}
	return st
}

func (m *Monitor) execute(ctx context.Context, action Action, st Status) {
	m.log.Warn().Str("action", string(action)).Strs("reasons", st.Reasons).Msg("Executing safety action")
	switch action {
	case ActionEmergencyClose:
		m.call(ctx, "park", m.responders.Park)
		m.call(ctx, "close_enclosure", m.responders.CloseEnclosure)
	case ActionLowBatteryShutdown:
		m.call(ctx, "park", m.responders.Park)
		m.call(ctx, "shutdown", m.responders.Shutdown)
	case ActionLowBatteryPark, ActionParkForDaylight, ActionParkAndWait, ActionNetworkFailure:
		m.call(ctx, "park", m.responders.Park)
	case ActionSafeToObserve:
		m.call(ctx, "resume", m.responders.Resume)
	}
}

func (m *Monitor) call(ctx context.Context, name string, fn func(context.Context) error) {
	if fn == nil {
		m.log.Info().Str("step", name).Msg("No responder configured, skipping")
		return
	}
	if err := fn(ctx); err != nil {
		m.log.Error().Err(err).Str("step", name).Msg("Safety responder failed")
	}
}

// Start runs the evaluation loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.log.Info().Dur("interval", interval).Msg("Safety monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.EvaluateNow(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Safety monitor stopped")
			return
		case <-ticker.C:
			m.EvaluateNow(ctx)
		}
	}
}
