package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeEmitUnsubscribe(t *testing.T) {
	bus := NewBus()
	var calls int
	sub := bus.Subscribe(WeatherUnsafe, func(ev Event) { calls++ })

	bus.Emit(Event{Type: WeatherUnsafe, Source: "weather"})
	bus.Unsubscribe(sub)
	bus.Emit(Event{Type: WeatherUnsafe, Source: "weather"})

	assert.Equal(t, 1, calls, "listener must fire exactly once")
}

func TestEmitOnlyMatchingType(t *testing.T) {
	bus := NewBus()
	var got []Type
	bus.Subscribe(SessionStarted, func(ev Event) { got = append(got, ev.Type) })

	bus.Emit(Event{Type: SessionEnded})
	bus.Emit(Event{Type: SessionStarted})
	require.Len(t, got, 1)
	assert.Equal(t, SessionStarted, got[0])
}

func TestPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	var second bool
	bus.Subscribe(ServiceError, func(ev Event) { panic("listener blew up") })
	bus.Subscribe(ServiceError, func(ev Event) { second = true })

	assert.NotPanics(t, func() {
		bus.Emit(Event{Type: ServiceError, Source: "mount"})
	})
	assert.True(t, second)
}

func TestFIFOPerPublisher(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var seen []int
	bus.Subscribe(ImageCaptured, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Data["seq"].(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		bus.Emit(Event{Type: ImageCaptured, Data: map[string]any{"seq": i}})
	}

	require.Len(t, seen, 100)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestNilBusSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Emit(Event{Type: WeatherSafe})
		bus.Unsubscribe(Subscription{})
	})
}

func TestTimestampDefaulted(t *testing.T) {
	bus := NewBus()
	var ev Event
	bus.Subscribe(MountParked, func(e Event) { ev = e })
	bus.Emit(Event{Type: MountParked})
	assert.False(t, ev.Timestamp.IsZero())
}

func TestConcurrentEmitters(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	count := 0
	bus.Subscribe(ServiceStarted, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Emit(Event{Type: ServiceStarted})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, count)
}
