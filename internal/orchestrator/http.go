package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
	"github.com/nightwatch-obs/nightwatch/internal/tools"
)

func (o *Orchestrator) startHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", o.handleHealth)
	mux.Handle("/metrics", o.met.Handler())
	mux.Handle("/ws", o.hub)
	mux.HandleFunc("/api/tools", o.handleToolList)
	mux.HandleFunc("/api/tools/", o.handleToolCall)
	mux.HandleFunc("/api/alerts", o.handleAlertList)
	mux.HandleFunc("/api/alerts/", o.handleAlertAck)

	o.httpSrv = &http.Server{
		Addr:              o.cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		o.log.Info().Str("listen", o.cfg.Server.Listen).Msg("Status server listening")
		if err := o.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("Status server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		o.stopHTTP(context.Background())
	}()
}

func (o *Orchestrator) stopHTTP(ctx context.Context) {
	if o.httpSrv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = o.httpSrv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !o.reg.AllRequiredRunning() {
		status = "degraded"
	}
	services := make([]map[string]any, 0)
	for _, e := range o.reg.List() {
		entry := map[string]any{
			"name":   e.Name,
			"status": string(e.Status),
		}
		if e.LastError != "" {
			entry["lastError"] = e.LastError
		}
		services = append(services, entry)
	}
	body := map[string]any{
		"status":   status,
		"services": services,
		"safety":   o.monitor.CurrentStatus(),
		"host":     o.host.Collect(r.Context()),
	}
	if st, ok := o.sessions.Current(); ok {
		body["session"] = st
	}
	writeJSON(w, http.StatusOK, body)
}

func (o *Orchestrator) handleToolList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list := o.executor.List()
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"motion":      t.Motion,
			"params":      t.Params,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (o *Orchestrator) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/tools/")
	if name == "" {
		http.Error(w, "missing tool name", http.StatusBadRequest)
		return
	}
	var params tools.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	res := o.Execute(r.Context(), name, params)
	code := http.StatusOK
	if res.Status == tools.StatusNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, res)
}

func (o *Orchestrator) handleAlertList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	level := alerts.Level(r.URL.Query().Get("level"))
	source := r.URL.Query().Get("source")
	writeJSON(w, http.StatusOK, o.alertMgr.History(level, source))
}

// handleAlertAck serves POST /api/alerts/{id}/ack.
func (o *Orchestrator) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	id, ok := strings.CutSuffix(rest, "/ack")
	if !ok || id == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !o.alertMgr.Acknowledge(id) {
		http.Error(w, "unknown alert", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": id})
}
