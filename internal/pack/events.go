package pack

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventStarted  EventKind = "started"
	EventSpawned  EventKind = "spawned"
	EventArrived  EventKind = "arrived"
	EventPicked   EventKind = "picked"
	EventPlaced   EventKind = "placed"
	EventFailed   EventKind = "failed"
	EventFinished EventKind = "finished"
)

// Event is one step of a run, as seen by journals and progress views.
type Event struct {
	RunID   string    `json:"run_id"`
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Index   int       `json:"index"`
	Total   int       `json:"total,omitempty"`
	Placed  int       `json:"placed,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	Handle  int32     `json:"handle,omitempty"`

	Position  []float64 `json:"position,omitempty"`
	Target    []float64 `json:"target,omitempty"`
	ErrorX    float64   `json:"error_x,omitempty"`
	ErrorY    float64   `json:"error_y,omitempty"`
	MaxHeight float64   `json:"max_height,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`

	Phase string `json:"phase,omitempty"`
	Err   string `json:"error,omitempty"`
}

// Sink receives run events in order. Emit must not block for long; it is
// called from the feeder and the packing loop.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// fanout serializes events to every sink.
type fanout struct {
	mu    sync.Mutex
	sinks []Sink
}

func (f *fanout) add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *fanout) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s.Emit(e)
	}
}
