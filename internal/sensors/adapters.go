package sensors

import (
	"context"
	"sync"
)

const historyDepth = 120

// store keeps the latest sample plus a bounded history and fans new
// samples out to registered sinks.
type store[T any] struct {
	mu      sync.RWMutex
	latest  T
	has     bool
	history []T
	sinks   []func(T)
}

func (s *store[T]) publish(sample T) {
	s.mu.Lock()
	s.latest = sample
	s.has = true
	s.history = append(s.history, sample)
	if len(s.history) > historyDepth {
		s.history = s.history[len(s.history)-historyDepth:]
	}
	sinks := make([]func(T), len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink(sample)
	}
}

// Latest returns the most recent sample, or false when nothing has been
// published yet.
func (s *store[T]) Latest() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

// History returns a copy of the retained samples, oldest first.
func (s *store[T]) History() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, len(s.history))
	copy(out, s.history)
	return out
}

// OnSample registers a sink invoked synchronously for every new sample.
func (s *store[T]) OnSample(fn func(T)) {
	s.mu.Lock()
	s.sinks = append(s.sinks, fn)
	s.mu.Unlock()
}

// WeatherSource yields weather station readings.
type WeatherSource interface {
	Fetch(ctx context.Context) (WeatherSample, error)
}

// PowerSource yields UPS readings.
type PowerSource interface {
	Fetch(ctx context.Context) (PowerSample, error)
}

// WeatherAdapter wraps a WeatherSource with sample retention.
type WeatherAdapter struct {
	store[WeatherSample]
	source WeatherSource
}

func NewWeatherAdapter(source WeatherSource) *WeatherAdapter {
	return &WeatherAdapter{source: source}
}

func (a *WeatherAdapter) Poll(ctx context.Context) error {
	s, err := a.source.Fetch(ctx)
	if err != nil {
		return err
	}
	a.publish(s)
	return nil
}

// CloudAdapter wraps a CloudSource with sample retention.
type CloudAdapter struct {
	store[CloudSample]
	source CloudSource
}

func NewCloudAdapter(source CloudSource) *CloudAdapter {
	return &CloudAdapter{source: source}
}

func (a *CloudAdapter) Poll(ctx context.Context) error {
	s, err := a.source.Fetch(ctx)
	if err != nil {
		return err
	}
	a.publish(s)
	return nil
}

// PowerAdapter wraps a PowerSource with sample retention.
type PowerAdapter struct {
	store[PowerSample]
	source PowerSource
}

func NewPowerAdapter(source PowerSource) *PowerAdapter {
	return &PowerAdapter{source: source}
}

func (a *PowerAdapter) Poll(ctx context.Context) error {
	s, err := a.source.Fetch(ctx)
	if err != nil {
		return err
	}
	a.publish(s)
	return nil
}
