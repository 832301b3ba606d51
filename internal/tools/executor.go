// Package tools turns named tool calls with typed parameter maps into
// service operations, returning structured results. Every failure mode a
// caller can hit (unknown tool, bad parameters, safety veto, deadline,
// handler panic) maps to a status in a closed set; nothing escapes as a
// bare error.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	nwerrors "github.com/nightwatch-obs/nightwatch/internal/errors"
)

type Status string

const (
	StatusSuccess       Status = "SUCCESS"
	StatusError         Status = "ERROR"
	StatusNotFound      Status = "NOT_FOUND"
	StatusInvalidParams Status = "INVALID_PARAMS"
	StatusVetoed        Status = "VETOED"
	StatusTimeout       Status = "TIMEOUT"
)

// Result is the outcome of one tool call.
type Result struct {
	Tool      string         `json:"tool"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
	Timestamp time.Time      `json:"timestamp"`
}

// Response is what a handler returns on success.
type Response struct {
	Message string
	Data    map[string]any
}

// Params is the raw parameter map of a call.
type Params map[string]any

func (p Params) String(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (p Params) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// Handler executes one tool call. A returned error becomes an ERROR result.
type Handler func(ctx context.Context, params Params) (*Response, error)

type ParamType string

const (
	TypeString ParamType = "string"
	TypeNumber ParamType = "number"
	TypeBool   ParamType = "bool"
)

// ParamSpec declares one parameter of a tool.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Tool is one registered tool. Motion tools are checked against the safety
// gate before their handler runs.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
	Motion      bool        `json:"motion,omitempty"`
	Handler     Handler     `json:"-"`
}

// SafetyGate answers whether motion is currently permitted.
type SafetyGate interface {
	SafeToMove() (bool, []string)
}

const executionLogDepth = 200

// Executor dispatches tool calls.
type Executor struct {
	gate    SafetyGate
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	logMu   sync.Mutex
	execLog []Result
}

type Option func(*Executor)

func WithDeadline(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func NewExecutor(gate SafetyGate, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		gate:    gate,
		timeout: 30 * time.Second,
		log:     log.With().Str("component", "tools").Logger(),
		tools:   make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a tool. Re-registering a name replaces the handler.
func (e *Executor) Register(t Tool) {
	e.mu.Lock()
	if _, exists := e.tools[t.Name]; !exists {
		e.order = append(e.order, t.Name)
	}
	e.tools[t.Name] = t
	e.mu.Unlock()
}

// List enumerates the registered tools in registration order.
func (e *Executor) List() []Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Tool, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name])
	}
	return out
}

// Execute runs one tool call end to end.
func (e *Executor) Execute(ctx context.Context, name string, params Params) Result {
	start := time.Now()
	e.mu.RLock()
	tool, ok := e.tools[name]
	e.mu.RUnlock()

	if !ok {
		return e.finish(Result{
			Tool:    name,
			Status:  StatusNotFound,
			Message: fmt.Sprintf("unknown tool %q", name),
		}, start)
	}

	if field, problem := validateParams(tool.Params, params); problem != "" {
		return e.finish(Result{
			Tool:    name,
			Status:  StatusInvalidParams,
			Message: problem,
			Data:    map[string]any{"field": field},
		}, start)
	}

	if tool.Motion && e.gate != nil {
		if safe, reasons := e.gate.SafeToMove(); !safe {
			return e.finish(Result{
				Tool:    name,
				Status:  StatusVetoed,
				Message: "conditions are unsafe: " + strings.Join(reasons, "; "),
				Data:    map[string]any{"reasons": reasons},
			}, start)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		resp, err := tool.Handler(runCtx, params)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-runCtx.Done():
		// The caller hanging up is not the tool running long.
		if errors.Is(runCtx.Err(), context.Canceled) {
			return e.finish(Result{
				Tool:    name,
				Status:  StatusError,
				Message: "tool call cancelled",
			}, start)
		}
		return e.finish(Result{
			Tool:    name,
			Status:  StatusTimeout,
			Message: fmt.Sprintf("tool exceeded %s deadline", e.timeout),
		}, start)
	case out := <-done:
		if out.err != nil {
			// Handlers that discover a veto themselves (for example a
			// target below the altitude floor) report it as a veto-kind
			// error rather than a generic failure.
			status := StatusError
			if nwerrors.KindOf(out.err) == nwerrors.KindVeto {
				status = StatusVetoed
			}
			return e.finish(Result{
				Tool:    name,
				Status:  status,
				Message: out.err.Error(),
			}, start)
		}
		res := Result{Tool: name, Status: StatusSuccess}
		if out.resp != nil {
			res.Message = out.resp.Message
			res.Data = out.resp.Data
		}
		return e.finish(res, start)
	}
}

func (e *Executor) finish(r Result, start time.Time) Result {
	r.Elapsed = time.Since(start)
	r.Timestamp = start

	ev := e.log.Info()
	if r.Status != StatusSuccess {
		ev = e.log.Warn()
	}
	ev.Str("tool", r.Tool).Str("status", string(r.Status)).Dur("elapsed", r.Elapsed).Msg("Tool call finished")

	e.logMu.Lock()
	e.execLog = append(e.execLog, r)
	if len(e.execLog) > executionLogDepth {
		e.execLog = e.execLog[len(e.execLog)-executionLogDepth:]
	}
	e.logMu.Unlock()
	return r
}

// ExecutionLog returns a copy of the recorded calls, oldest first.
func (e *Executor) ExecutionLog() []Result {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	out := make([]Result, len(e.execLog))
	copy(out, e.execLog)
	return out
}

// validateParams checks required presence and types. It returns the
// offending field and a description, or empty strings when valid.
func validateParams(specs []ParamSpec, params Params) (string, string) {
	for _, spec := range specs {
		v, present := params[spec.Name]
		if !present {
			if spec.Required {
				return spec.Name, fmt.Sprintf("missing required parameter %q", spec.Name)
			}
			continue
		}
		switch spec.Type {
		case TypeString:
			if _, ok := v.(string); !ok {
				return spec.Name, fmt.Sprintf("parameter %q must be a string", spec.Name)
			}
		case TypeNumber:
			switch v.(type) {
			case float64, int:
			default:
				return spec.Name, fmt.Sprintf("parameter %q must be a number", spec.Name)
			}
		case TypeBool:
			if _, ok := v.(bool); !ok {
				return spec.Name, fmt.Sprintf("parameter %q must be a boolean", spec.Name)
			}
		}
	}
	return "", ""
}
