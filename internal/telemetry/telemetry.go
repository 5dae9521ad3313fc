// Package telemetry is the boundary to the telemetry collaborator. The engine
// reports events through Log; the sink behind it is swappable per process.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/logging"
)

// Event names emitted by the engine.
const (
	EventSourceSynced     = "source_synced"
	EventSourceSyncFailed = "source_sync_failed"
	EventStoreRebuilt     = "store_rebuilt"
	EventSearch           = "search"
	EventPinChanged       = "pin_changed"
	EventCorrelation      = "correlation"
)

// Event is one telemetry record.
type Event struct {
	ID     string
	Name   string
	Time   time.Time
	Fields map[string]any
}

// Sink receives events.
type Sink interface {
	Log(Event)
}

// ZapSink writes events to the process logger at debug level.
type ZapSink struct{}

func (ZapSink) Log(e Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+1)
	fields = append(fields, zap.String("event_id", e.ID))
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	logging.Named("telemetry").Debug(e.Name, fields...)
}

var (
	mu       sync.RWMutex
	override Sink
)

func current() Sink {
	mu.RLock()
	defer mu.RUnlock()
	if override != nil {
		return override
	}
	return ZapSink{}
}

// Log stamps and sends an event to the active sink.
func Log(name string, fields map[string]any) {
	current().Log(Event{
		ID:     uuid.NewString(),
		Name:   name,
		Time:   time.Now().UTC(),
		Fields: fields,
	})
}

// SetOverride substitutes s for the built-in sink; nil restores it.
func SetOverride(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	override = s
}

// Override installs s and returns a function restoring the previous sink.
func Override(s Sink) (restore func()) {
	mu.Lock()
	prev := override
	override = s
	mu.Unlock()
	return func() { SetOverride(prev) }
}

// Recorder is a Sink that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
