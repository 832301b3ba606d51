// Package events provides the typed publish/subscribe bus that connects the
// observatory subsystems. Events flow from components (mount engine, safety
// monitor, orchestrator, voice pipeline) to subscribers (websocket hub,
// metrics, session log). The bus is nil-safe: calling Emit on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type identifies the kind of domain event.
type Type string

const (
	MountSlewStarted   Type = "mount_slew_started"
	MountSlewComplete  Type = "mount_slew_complete"
	MountParked        Type = "mount_parked"
	MeridianApproach   Type = "meridian_approach"
	WeatherSafe        Type = "weather_safe"
	WeatherUnsafe      Type = "weather_unsafe"
	SafetyStateChanged Type = "safety_state_changed"
	GuidingLost        Type = "guiding_lost"
	GuidingSettled     Type = "guiding_settled"
	SessionStarted     Type = "session_started"
	SessionEnded       Type = "session_ended"
	ImageCaptured      Type = "image_captured"
	ServiceStarted     Type = "service_started"
	ServiceStopped     Type = "service_stopped"
	ServiceError       Type = "service_error"
	ShutdownInitiated  Type = "shutdown_initiated"
)

// Event is a typed value delivered to subscribers.
type Event struct {
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Listener receives events. Listeners run synchronously on the emitter's
// goroutine; a panicking listener is logged and does not prevent delivery to
// later listeners.
type Listener func(Event)

// Subscription identifies a registered listener for Unsubscribe.
type Subscription struct {
	kind Type
	id   uint64
}

type entry struct {
	id uint64
	fn Listener
}

// Bus is a typed in-process pub/sub bus. Delivery to each subscriber is FIFO
// per publishing goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]entry
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]entry)}
}

// Subscribe registers a listener for events of the given type.
func (b *Bus) Subscribe(kind Type, fn Listener) Subscription {
	if b == nil || fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], entry{id: b.nextID, fn: fn})
	return Subscription{kind: kind, id: b.nextID}
}

// SubscribeAll registers a listener for every event type currently defined.
func (b *Bus) SubscribeAll(fn Listener) []Subscription {
	all := []Type{
		MountSlewStarted, MountSlewComplete, MountParked, MeridianApproach,
		WeatherSafe, WeatherUnsafe, SafetyStateChanged,
		GuidingLost, GuidingSettled,
		SessionStarted, SessionEnded, ImageCaptured,
		ServiceStarted, ServiceStopped, ServiceError, ShutdownInitiated,
	}
	subs := make([]Subscription, 0, len(all))
	for _, t := range all {
		subs = append(subs, b.Subscribe(t, fn))
	}
	return subs
}

// Unsubscribe removes a previously registered listener. Unknown
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	if b == nil || sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.kind]
	for i, e := range list {
		if e.id == sub.id {
			b.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every subscriber of its type. The call returns
// after all listeners have been invoked. Listener panics are recovered and
// logged.
func (b *Bus) Emit(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	listeners := make([]entry, len(b.subs[ev.Type]))
	copy(listeners, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, l := range listeners {
		invoke(l.fn, ev)
	}
}

func invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event", string(ev.Type)).
				Str("source", ev.Source).
				Msg("Event listener panicked")
		}
	}()
	fn(ev)
}
