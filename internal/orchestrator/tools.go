package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nightwatch-obs/nightwatch/internal/coords"
	nwerrors "github.com/nightwatch-obs/nightwatch/internal/errors"
	"github.com/nightwatch-obs/nightwatch/internal/events"
	"github.com/nightwatch-obs/nightwatch/internal/registry"
	"github.com/nightwatch-obs/nightwatch/internal/session"
	"github.com/nightwatch-obs/nightwatch/internal/tools"
)

// Execute dispatches one tool call and records its latency. It satisfies the
// voice coordinator's executor interface, so voice turns and API calls share
// the same path.
func (o *Orchestrator) Execute(ctx context.Context, name string, params tools.Params) tools.Result {
	res := o.executor.Execute(ctx, name, params)
	var err error
	if res.Status != tools.StatusSuccess {
		err = fmt.Errorf("%s", res.Status)
	}
	o.met.ObserveCommand(name, res.Elapsed, err)
	return res
}

// Tools returns the registered tool catalog.
func (o *Orchestrator) Tools() []tools.Tool {
	return o.executor.List()
}

func (o *Orchestrator) registerTools() {
	o.executor.Register(tools.Tool{
		Name:        "goto_object",
		Description: "Slew the telescope to a named catalog object",
		Params: []tools.ParamSpec{
			{Name: "object_name", Type: tools.TypeString, Required: true, Description: "catalog name, e.g. M31 or NGC 7000"},
		},
		Motion:  true,
		Handler: o.gotoObject,
	})
	o.executor.Register(tools.Tool{
		Name:        "goto_coordinates",
		Description: "Slew the telescope to explicit RA/Dec coordinates",
		Params: []tools.ParamSpec{
			{Name: "ra", Type: tools.TypeNumber, Required: true, Description: "right ascension in decimal hours"},
			{Name: "dec", Type: tools.TypeNumber, Required: true, Description: "declination in decimal degrees"},
		},
		Motion:  true,
		Handler: o.gotoCoordinates,
	})
	o.executor.Register(tools.Tool{
		Name:        "park_telescope",
		Description: "Park the mount at its park position",
		Handler: func(ctx context.Context, _ tools.Params) (*tools.Response, error) {
			if err := o.parkMount(ctx); err != nil {
				return nil, err
			}
			return &tools.Response{Message: "Telescope parked"}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "unpark_telescope",
		Description: "Release the mount from its parked state",
		Motion:      true,
		Handler: func(context.Context, tools.Params) (*tools.Response, error) {
			if err := o.mountCtl.Unpark(); err != nil {
				return nil, err
			}
			return &tools.Response{Message: "Telescope unparked"}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "get_mount_status",
		Description: "Read the mount position, tracking, and park state",
		Handler:     o.getMountStatus,
	})
	o.executor.Register(tools.Tool{
		Name:        "stop_mount",
		Description: "Halt all mount motion immediately",
		Handler: func(context.Context, tools.Params) (*tools.Response, error) {
			if err := o.mountCtl.Stop(); err != nil {
				return nil, err
			}
			return &tools.Response{Message: "Mount motion stopped"}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "get_weather",
		Description: "Report the latest weather station reading",
		Handler:     o.getWeather,
	})
	o.executor.Register(tools.Tool{
		Name:        "is_weather_safe",
		Description: "Report whether conditions currently permit observing",
		Handler: func(context.Context, tools.Params) (*tools.Response, error) {
			st := o.monitor.Evaluate()
			msg := "Conditions are safe for observing"
			if !st.SafeToObserve {
				msg = "Conditions are not safe: " + reasonText(st.Reasons)
			}
			return &tools.Response{Message: msg, Data: map[string]any{
				"safe":    st.SafeToObserve,
				"reasons": st.Reasons,
			}}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "get_safety_status",
		Description: "Report the current safety action and its reasons",
		Handler: func(context.Context, tools.Params) (*tools.Response, error) {
			st := o.monitor.Evaluate()
			return &tools.Response{Message: string(st.Action), Data: map[string]any{
				"action":   string(st.Action),
				"severity": string(st.Severity),
				"safe":     st.SafeToObserve,
				"reasons":  st.Reasons,
			}}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "start_session",
		Description: "Begin a new observing session",
		Params: []tools.ParamSpec{
			{Name: "session_id", Type: tools.TypeString, Required: false, Description: "optional explicit id"},
		},
		Handler: func(_ context.Context, params tools.Params) (*tools.Response, error) {
			st, err := o.sessions.Start(params.String("session_id"))
			if err != nil {
				return nil, err
			}
			return &tools.Response{
				Message: fmt.Sprintf("Session %s started", st.SessionID),
				Data:    map[string]any{"sessionId": st.SessionID},
			}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "end_session",
		Description: "End the active observing session",
		Handler: func(context.Context, tools.Params) (*tools.Response, error) {
			final, err := o.sessions.End()
			if err != nil {
				return nil, err
			}
			return &tools.Response{
				Message: fmt.Sprintf("Session %s ended with %d images", final.SessionID, final.ImagesCaptured),
				Data: map[string]any{
					"sessionId":      final.SessionID,
					"imagesCaptured": final.ImagesCaptured,
					"exposureSec":    final.TotalExposure,
				},
			}, nil
		},
	})
	o.executor.Register(tools.Tool{
		Name:        "get_session_status",
		Description: "Report the active session state",
		Handler: func(context.Context, tools.Params) (*tools.Response, error) {
			st, ok := o.sessions.Current()
			if !ok {
				return &tools.Response{Message: "No session in progress", Data: map[string]any{"active": false}}, nil
			}
			data := map[string]any{
				"active":         true,
				"sessionId":      st.SessionID,
				"startedAt":      st.StartedAt,
				"imagesCaptured": st.ImagesCaptured,
				"exposureSec":    st.TotalExposure,
				"errorCount":     st.ErrorCount,
			}
			if st.CurrentTarget != nil {
				data["target"] = st.CurrentTarget.Name
			}
			return &tools.Response{Message: fmt.Sprintf("Session %s active", st.SessionID), Data: data}, nil
		},
	})
}

func (o *Orchestrator) gotoObject(ctx context.Context, params tools.Params) (*tools.Response, error) {
	obj, err := o.cat.Resolve(ctx, params.String("object_name"))
	if err != nil {
		return nil, err
	}
	return o.slewTo(obj.Name, obj.RAHours, obj.DecDegrees)
}

func (o *Orchestrator) gotoCoordinates(_ context.Context, params tools.Params) (*tools.Response, error) {
	ra := params.Float("ra")
	dec := params.Float("dec")
	if ra < 0 || ra >= 24 {
		return nil, nwerrors.New(nwerrors.KindValidation, "goto_coordinates", "mount",
			fmt.Errorf("RA %.4f outside [0, 24)", ra))
	}
	if dec < -90 || dec > 90 {
		return nil, nwerrors.New(nwerrors.KindValidation, "goto_coordinates", "mount",
			fmt.Errorf("Dec %.4f outside [-90, 90]", dec))
	}
	name := fmt.Sprintf("%s %s", coords.FormatRA(ra), coords.FormatDec(dec))
	return o.slewTo(name, ra, dec)
}

// slewTo runs the common goto path: altitude floor check, target load, slew,
// and session bookkeeping.
func (o *Orchestrator) slewTo(name string, ra, dec float64) (*tools.Response, error) {
	now := o.nowFn()
	alt := o.site.AltitudeDeg(now, ra, dec)
	if alt < o.minTargetAltitude() {
		return nil, nwerrors.New(nwerrors.KindVeto, "goto", "mount",
			fmt.Errorf("target altitude %.1f below minimum %.0f", alt, o.minTargetAltitude()))
	}

	if err := o.mountCtl.SetTarget(ra, dec); err != nil {
		return nil, err
	}
	if err := o.mountCtl.Slew(); err != nil {
		return nil, err
	}

	o.monitor.UpdateTargetAltitude(alt)
	o.monitor.UpdateHourAngle(o.site.HourAngleDeg(now, ra))
	o.sessions.SetTarget(session.Target{Name: name, RAHours: ra, DecDegrees: dec, AcquiredAt: now})
	o.bus.Emit(events.Event{Type: events.MountSlewStarted, Source: "mount",
		Data: map[string]any{"target": name, "ra": ra, "dec": dec}})

	return &tools.Response{
		Message: fmt.Sprintf("Slewing to %s", name),
		Data:    map[string]any{"target": name, "ra": ra, "dec": dec, "altitude": alt},
	}, nil
}

func (o *Orchestrator) getMountStatus(context.Context, tools.Params) (*tools.Response, error) {
	st, err := o.mountCtl.GetStatus()
	if err != nil {
		o.met.RecordServiceError("mount")
		o.reg.SetStatus("mount", registry.StatusDegraded, err.Error())
		o.bus.Emit(events.Event{Type: events.ServiceError, Source: "mount", Message: err.Error()})
		return nil, err
	}
	data := map[string]any{
		"ra":       st.RA,
		"dec":      st.Dec,
		"tracking": st.Tracking,
		"slewing":  st.Slewing,
		"parked":   st.Parked,
		"pierSide": string(st.PierSide),
	}
	if st.Altitude != nil {
		data["altitude"] = *st.Altitude
	}
	if st.Azimuth != nil {
		data["azimuth"] = *st.Azimuth
	}
	msg := fmt.Sprintf("RA %s, Dec %s", coords.FormatRA(st.RA), coords.FormatDec(st.Dec))
	switch {
	case st.Parked:
		msg += ", parked"
	case st.Slewing:
		msg += ", slewing"
	case st.Tracking:
		msg += ", tracking"
	}
	return &tools.Response{Message: msg, Data: data}, nil
}

func (o *Orchestrator) getWeather(context.Context, tools.Params) (*tools.Response, error) {
	if o.weather == nil {
		return nil, fmt.Errorf("no weather source configured")
	}
	w, ok := o.weather.Latest()
	if !ok {
		return nil, fmt.Errorf("no weather reading yet")
	}
	return &tools.Response{
		Message: fmt.Sprintf("%.0fF, humidity %.0f%%, wind %.0f mph %s",
			w.TempF, w.Humidity, w.WindSpeed, w.WindCompass),
		Data: map[string]any{
			"tempF":       w.TempF,
			"humidity":    w.Humidity,
			"windMph":     w.WindSpeed,
			"gustMph":     w.WindGust,
			"windDir":     w.WindCompass,
			"raining":     w.IsRaining,
			"dewPointF":   w.DewPointF(),
			"observedAgo": time.Since(w.Timestamp).Round(time.Second).String(),
		},
	}, nil
}

func (o *Orchestrator) minTargetAltitude() float64 {
	return o.cfg.Safety.Thresholds().MinTargetAltitude
}
