// Package orchestrator composes the observatory subsystems, runs the
// application lifecycle, and owns the tool surface. Everything the operator
// can do, whether over HTTP, websocket, or voice, goes through the tool
// executor registered here.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
	"github.com/nightwatch-obs/nightwatch/internal/catalog"
	"github.com/nightwatch-obs/nightwatch/internal/config"
	"github.com/nightwatch-obs/nightwatch/internal/ephemeris"
	"github.com/nightwatch-obs/nightwatch/internal/events"
	"github.com/nightwatch-obs/nightwatch/internal/metrics"
	"github.com/nightwatch-obs/nightwatch/internal/mount"
	"github.com/nightwatch-obs/nightwatch/internal/notifications"
	"github.com/nightwatch-obs/nightwatch/internal/registry"
	"github.com/nightwatch-obs/nightwatch/internal/safety"
	"github.com/nightwatch-obs/nightwatch/internal/sensors"
	"github.com/nightwatch-obs/nightwatch/internal/session"
	"github.com/nightwatch-obs/nightwatch/internal/system"
	"github.com/nightwatch-obs/nightwatch/internal/tools"
	"github.com/nightwatch-obs/nightwatch/internal/websocket"
)

// MountController is the slice of the mount client the orchestrator drives.
// *mount.Client satisfies it; tests substitute a scripted controller.
type MountController interface {
	Connect(ctx context.Context) error
	Close() error
	SetTarget(ra, dec float64) error
	Slew() error
	Stop() error
	Park() error
	Unpark() error
	GetStatus() (*mount.Status, error)
}

// Enclosure abstracts the roof or dome controller. Deployments without one
// leave it nil and the close step becomes a log line.
type Enclosure interface {
	Close(ctx context.Context) error
	IsOpen(ctx context.Context) (bool, error)
}

// Orchestrator wires the subsystems together and runs them.
type Orchestrator struct {
	cfg *config.Config
	log zerolog.Logger

	bus      *events.Bus
	reg      *registry.Registry
	met      *metrics.Metrics
	alertMgr *alerts.Manager
	sessions *session.Manager
	monitor  *safety.Monitor
	executor *tools.Executor
	hub      *websocket.Hub
	host     *system.Collector
	site     ephemeris.Site

	mountCtl  MountController
	enclosure Enclosure
	cat       *catalog.Catalog
	weather   *sensors.WeatherAdapter
	cloud     *sensors.CloudAdapter
	power     *sensors.PowerAdapter

	voice   voiceStack
	httpSrv *http.Server

	cancel       context.CancelFunc
	shutdownOnce sync.Once

	passive bool
	nowFn   func() time.Time
}

// Option configures the orchestrator before wiring.
type Option func(*Orchestrator)

// WithMount substitutes the mount controller.
func WithMount(m MountController) Option {
	return func(o *Orchestrator) { o.mountCtl = m }
}

// WithEnclosure attaches an enclosure controller.
func WithEnclosure(e Enclosure) Option {
	return func(o *Orchestrator) { o.enclosure = e }
}

// WithPassive disables every physical response: park, close, and shutdown
// become log lines while evaluation and alerting run normally.
func WithPassive() Option {
	return func(o *Orchestrator) { o.passive = true }
}

// New builds the full component graph from configuration. Nothing is
// started; Start runs the startup sequence.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:   cfg,
		log:   log.With().Str("component", "orchestrator").Logger(),
		bus:   events.NewBus(),
		reg:   registry.New(),
		met:   metrics.New(),
		host:  system.NewCollector(cfg.DataDir),
		site:  ephemeris.Site{LatitudeDeg: cfg.Site.LatitudeDeg, LongitudeDeg: cfg.Site.LongitudeDeg},
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	cat, err := catalog.Open(cfg.Catalog.Database)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open catalog: %w", err)
	}
	o.cat = cat

	if o.mountCtl == nil {
		var dial mount.Dialer
		if cfg.Mount.SerialPort != "" {
			dial = mount.SerialDialer(cfg.Mount.SerialPort, cfg.Mount.BaudRate)
		} else {
			dial = mount.TCPDialer(cfg.Mount.Addr(), time.Duration(cfg.Mount.TimeoutSec)*time.Second)
		}
		o.mountCtl = mount.NewClient(dial, mount.WithTimeout(time.Duration(cfg.Mount.TimeoutSec)*time.Second))
	}

	if cfg.Weather.Gateway != "" {
		o.weather = sensors.NewWeatherAdapter(sensors.NewEcowittClient(cfg.Weather.Gateway))
	}
	if cfg.Cloud.File != "" {
		o.cloud = sensors.NewCloudAdapter(&sensors.FileCloudSource{Path: cfg.Cloud.File})
	}
	if cfg.Power.Addr != "" {
		o.power = sensors.NewPowerAdapter(sensors.NewNUTClient(cfg.Power.Addr, cfg.Power.UPSName))
	}

	o.sessions = session.NewManager(cfg.DataDir, o.bus, log)
	o.alertMgr = alerts.NewManager(cfg.Alerts.Manager(), log)
	if q := cfg.Alerts.QuietHours(); q.Enabled {
		o.alertMgr.SetQuietHours(q)
	}
	if cfg.Email.Enabled {
		email := notifications.NewEmailSender(notifications.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
			TLS:      cfg.Email.TLS,
		}, log)
		// Dedup in the manager keeps a persistently bad address from
		// alerting more than once per window.
		email.OnRecipientFailure(func(failed []string) {
			o.alertMgr.Raise(context.Background(), alerts.LevelWarning, "alerts",
				"email delivery failed for "+strings.Join(failed, ", "))
		})
		o.alertMgr.AddChannel(email)
	}
	for _, wh := range cfg.Webhooks {
		o.alertMgr.AddChannel(notifications.NewWebhook(wh.Name, wh.URL, log), wh.Filters...)
	}

	responders := safety.Responders{}
	if !o.passive {
		responders = safety.Responders{
			Park:           o.parkMount,
			CloseEnclosure: o.closeEnclosure,
			Shutdown:       o.systemShutdown,
			Resume:         o.resumeObserving,
		}
	}
	o.monitor = safety.NewMonitor(cfg.Safety.Thresholds(), o.bus, responders, log)
	o.monitor.RegisterCallback(func(st safety.Status) {
		o.met.SetSafety(st.SafeToObserve)
		o.alertMgr.Raise(context.Background(), alertLevelFor(st.Severity), "safety",
			fmt.Sprintf("%s: %s", st.Action, reasonText(st.Reasons)))
	})

	if o.weather != nil {
		o.weather.OnSample(o.monitor.UpdateWeather)
	}
	if o.cloud != nil {
		o.cloud.OnSample(o.monitor.UpdateCloud)
	}
	if o.power != nil {
		o.power.OnSample(o.monitor.UpdatePower)
	}

	o.executor = tools.NewExecutor(monitorGate{o.monitor}, log)
	o.registerTools()

	o.hub = websocket.NewHub(o.snapshot, log)
	o.hub.AttachBus(o.bus)

	o.bus.Subscribe(events.ImageCaptured, func(ev events.Event) {
		if exp, ok := ev.Data["exposureSec"].(float64); ok {
			o.met.RecordImage(exp)
		}
	})

	o.registerServices()
	return o, nil
}

// monitorGate adapts the safety monitor to the executor's motion gate. Each
// check runs a fresh evaluation so a veto reflects current conditions, not
// the last tick.
type monitorGate struct{ m *safety.Monitor }

func (g monitorGate) SafeToMove() (bool, []string) {
	st := g.m.Evaluate()
	return st.SafeToObserve, st.Reasons
}

func reasonText(reasons []string) string {
	if len(reasons) == 0 {
		return "all conditions clear"
	}
	return strings.Join(reasons, "; ")
}

func alertLevelFor(s safety.Severity) alerts.Level {
	switch s {
	case safety.SeverityEmergency:
		return alerts.LevelEmergency
	case safety.SeverityCritical:
		return alerts.LevelCritical
	case safety.SeverityWarning:
		return alerts.LevelWarning
	default:
		return alerts.LevelInfo
	}
}

func (o *Orchestrator) registerServices() {
	o.reg.Register("catalog", o.cat, true)
	o.reg.Register("mount", o.mountCtl, true)
	if o.weather != nil {
		o.reg.Register("weather", o.weather, false)
	}
	if o.cloud != nil {
		o.reg.Register("cloud", o.cloud, false)
	}
	if o.power != nil {
		o.reg.Register("power", o.power, false)
	}
	if o.enclosure != nil {
		o.reg.Register("enclosure", o.enclosure, false)
	}
	o.reg.Register("safety", o.monitor, true)
	o.reg.Register("alerts", o.alertMgr, false)
}

type startStep struct {
	name  string
	start func(ctx context.Context) error
}

// Start runs the startup sequence: each registered service in registration
// order (leaves first), then the safety loop, the ephemeris feed, the
// websocket hub, the status server, and the voice pipeline. A required
// service failure aborts startup through the shutdown path.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	steps := []startStep{
		{"catalog", func(context.Context) error { return nil }},
		{"mount", func(ctx context.Context) error {
			connCtx, done := context.WithTimeout(ctx, 15*time.Second)
			defer done()
			return o.mountCtl.Connect(connCtx)
		}},
		{"weather", o.startPoller("weather", o.pollable(o.weather), time.Duration(o.cfg.Weather.PollSec)*time.Second)},
		{"cloud", o.startPoller("cloud", o.pollable(o.cloud), time.Duration(o.cfg.Cloud.PollSec)*time.Second)},
		{"power", o.startPoller("power", o.pollable(o.power), time.Duration(o.cfg.Power.PollSec)*time.Second)},
		{"enclosure", func(context.Context) error { return nil }},
		{"safety", func(ctx context.Context) error {
			go o.monitor.Start(ctx, o.cfg.Safety.EvaluationInterval())
			return nil
		}},
		{"alerts", func(context.Context) error { return nil }},
	}

	for _, step := range steps {
		if _, registered := o.reg.Get(step.name); !registered {
			continue
		}
		entry, _ := o.reg.GetEntry(step.name)
		o.reg.SetStatus(step.name, registry.StatusStarting, "")
		if err := step.start(runCtx); err != nil {
			o.reg.SetStatus(step.name, registry.StatusError, err.Error())
			o.met.RecordServiceError(step.name)
			o.bus.Emit(events.Event{Type: events.ServiceError, Source: step.name, Message: err.Error()})
			if entry.Required {
				o.alertMgr.Raise(ctx, alerts.LevelCritical, "orchestrator",
					fmt.Sprintf("required service %s failed to start: %v", step.name, err))
				o.Shutdown(context.Background(), false)
				return fmt.Errorf("orchestrator: start %s: %w", step.name, err)
			}
			o.log.Warn().Err(err).Str("service", step.name).Msg("Optional service failed to start")
			continue
		}
		o.reg.SetStatus(step.name, registry.StatusRunning, "")
		o.met.ServiceStarted(step.name)
		o.bus.Emit(events.Event{Type: events.ServiceStarted, Source: step.name})
	}

	go o.ephemerisLoop(runCtx)
	go o.hub.Run(runCtx)

	if o.cfg.Server.Enabled {
		o.startHTTP(runCtx)
	}
	o.startVoice(runCtx)

	o.log.Info().
		Int("services", len(o.reg.List())).
		Bool("passive", o.passive).
		Msg("Observatory orchestrator started")
	return nil
}

// pollable returns the adapter as a Pollable, flattening typed nils.
func (o *Orchestrator) pollable(a any) sensors.Pollable {
	switch v := a.(type) {
	case *sensors.WeatherAdapter:
		if v != nil {
			return v
		}
	case *sensors.CloudAdapter:
		if v != nil {
			return v
		}
	case *sensors.PowerAdapter:
		if v != nil {
			return v
		}
	}
	return nil
}

func (o *Orchestrator) startPoller(name string, target sensors.Pollable, interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if target == nil {
			return fmt.Errorf("%s source not configured", name)
		}
		go sensors.NewPoller(name, target, interval, o.log).Run(ctx)
		return nil
	}
}

// ephemerisLoop feeds the safety monitor with sun altitude, target geometry,
// and the enclosure state.
func (o *Orchestrator) ephemerisLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		o.updateEphemeris(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) updateEphemeris(ctx context.Context) {
	now := o.nowFn()
	o.monitor.UpdateSunAltitude(o.site.SunAltitudeDeg(now))

	if st, ok := o.sessions.Current(); ok && st.CurrentTarget != nil {
		t := st.CurrentTarget
		o.monitor.UpdateTargetAltitude(o.site.AltitudeDeg(now, t.RAHours, t.DecDegrees))
		o.monitor.UpdateHourAngle(o.site.HourAngleDeg(now, t.RAHours))
	} else {
		o.monitor.ClearTargetAltitude()
	}

	if o.enclosure != nil {
		if open, err := o.enclosure.IsOpen(ctx); err == nil {
			o.monitor.UpdateEnclosure(open)
		}
	}
}

// Run starts the orchestrator and blocks until the context is cancelled,
// then performs a safe shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	o.Shutdown(context.Background(), true)
	return nil
}

// ApplyConfig applies a reloaded configuration. Only safety thresholds and
// quiet hours take effect without a restart.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.monitor.SetThresholds(cfg.Safety.Thresholds())
	if q := cfg.Alerts.QuietHours(); q.Enabled {
		o.alertMgr.SetQuietHours(q)
	}
	o.log.Info().Msg("Configuration reloaded")
}

// Shutdown quiesces the observatory. The active session is always ended and
// its log persisted; with safe=true the mount is additionally parked and the
// enclosure closed before services stop in reverse registration order.
// Repeat calls are no-ops.
func (o *Orchestrator) Shutdown(ctx context.Context, safe bool) {
	o.shutdownOnce.Do(func() {
		o.bus.Emit(events.Event{Type: events.ShutdownInitiated, Source: "orchestrator",
			Data: map[string]any{"safe": safe}})
		o.log.Info().Bool("safe", safe).Msg("Shutdown initiated")

		o.closeSession()
		if safe {
			o.parkIfUnparked(ctx)
			if o.enclosure != nil {
				o.closeEnclosure(ctx)
			}
		}

		entries := o.reg.List()
		for i := len(entries) - 1; i >= 0; i-- {
			name := entries[i].Name
			if err := o.stopService(name); err != nil {
				o.met.RecordServiceError(name)
				o.log.Warn().Err(err).Str("service", name).Msg("Service stop failed")
			}
			o.reg.SetStatus(name, registry.StatusStopped, "")
			o.met.ServiceStopped(name)
			o.bus.Emit(events.Event{Type: events.ServiceStopped, Source: name})
		}

		if o.cancel != nil {
			o.cancel()
		}
		o.stopHTTP(ctx)
		o.log.Info().Msg("Shutdown complete")
	})
}

// closeSession ends the active session, if any, and writes its log with a
// metrics snapshot. Ending first puts the end instant into the saved file.
func (o *Orchestrator) closeSession() {
	if _, ok := o.sessions.Current(); !ok {
		return
	}
	final, err := o.sessions.End()
	if err != nil {
		o.log.Warn().Err(err).Msg("Session end failed during shutdown")
		return
	}
	if _, err := o.sessions.Save(final, o.met.Snapshot()); err != nil {
		o.log.Warn().Err(err).Msg("Session log save failed")
	}
}

func (o *Orchestrator) parkIfUnparked(ctx context.Context) {
	if _, ok := o.reg.Get("mount"); !ok {
		return
	}
	if st, err := o.mountCtl.GetStatus(); err == nil && st.Parked {
		return
	}
	if err := o.parkMount(ctx); err != nil {
		o.log.Error().Err(err).Msg("Park during shutdown failed")
	}
}

func (o *Orchestrator) stopService(name string) error {
	switch name {
	case "mount":
		return o.mountCtl.Close()
	case "catalog":
		return o.cat.Close()
	}
	return nil
}

// parkMount is also the safety monitor's park responder.
func (o *Orchestrator) parkMount(context.Context) error {
	if err := o.mountCtl.Park(); err != nil {
		return err
	}
	o.bus.Emit(events.Event{Type: events.MountParked, Source: "mount"})
	return nil
}

// closeEnclosure is the safety monitor's close responder.
func (o *Orchestrator) closeEnclosure(ctx context.Context) error {
	if o.enclosure == nil {
		o.log.Warn().Msg("No enclosure configured, close skipped")
		return nil
	}
	if err := o.enclosure.Close(ctx); err != nil {
		return err
	}
	o.monitor.UpdateEnclosure(false)
	return nil
}

// systemShutdown responds to the low-battery shutdown stage. The process
// quiesces itself; cutting host power is left to the UPS daemon's own
// shutdown hook.
func (o *Orchestrator) systemShutdown(ctx context.Context) error {
	o.alertMgr.Raise(ctx, alerts.LevelCritical, "safety", "Low battery shutdown: observatory quiescing")
	go o.Shutdown(context.Background(), true)
	return nil
}

// resumeObserving restores tracking after a sustained safe window.
func (o *Orchestrator) resumeObserving(context.Context) error {
	if err := o.mountCtl.Unpark(); err != nil {
		return err
	}
	o.log.Info().Msg("Conditions safe again, mount unparked")
	return nil
}

// snapshot is the welcome-frame state for new websocket clients.
func (o *Orchestrator) snapshot() any {
	services := make([]map[string]any, 0)
	for _, e := range o.reg.List() {
		services = append(services, map[string]any{
			"name":   e.Name,
			"status": string(e.Status),
		})
	}
	state := map[string]any{
		"safety":   o.monitor.CurrentStatus(),
		"services": services,
	}
	if st, ok := o.sessions.Current(); ok {
		state["session"] = st
	}
	return state
}
