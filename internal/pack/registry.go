package pack

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
)

// SpawnedBox is a box the feeder created in the scene.
type SpawnedBox struct {
	Index     int
	Spec      BoxSpec
	Handle    sim.Handle
	SpawnedAt time.Time
	// Position is the last observed position (spawn position until observed).
	Position r3.Vector
	TraceID  string
}

// Registry is the ordered list of spawned boxes shared by the feeder and the
// packer. Entry i always belongs to packable spec i: only the feeder
// appends, in spec order, and the packer only reads by index.
type Registry struct {
	mu    sync.Mutex
	boxes []SpawnedBox
	// changed is closed and replaced on every append.
	changed chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{changed: make(chan struct{})}
}

// Append stores b at the next index and returns that index.
func (r *Registry) Append(b SpawnedBox) int {
	r.mu.Lock()
	b.Index = len(r.boxes)
	r.boxes = append(r.boxes, b)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return b.Index
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes)
}

// At returns entry i, or false when it has not been appended yet.
func (r *Registry) At(i int) (SpawnedBox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.boxes) {
		return SpawnedBox{}, false
	}
	return r.boxes[i], true
}

func (r *Registry) Last() (SpawnedBox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.boxes) == 0 {
		return SpawnedBox{}, false
	}
	return r.boxes[len(r.boxes)-1], true
}

// Observe records the last known position of entry i.
func (r *Registry) Observe(i int, pos r3.Vector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= 0 && i < len(r.boxes) {
		r.boxes[i].Position = pos
	}
}

// Wait blocks until entry i exists or ctx is done.
func (r *Registry) Wait(ctx context.Context, i int) (SpawnedBox, error) {
	for {
		r.mu.Lock()
		if i >= 0 && i < len(r.boxes) {
			b := r.boxes[i]
			r.mu.Unlock()
			return b, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return SpawnedBox{}, ctx.Err()
		case <-changed:
		}
	}
}

// Snapshot copies every entry in order.
func (r *Registry) Snapshot() []SpawnedBox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpawnedBox(nil), r.boxes...)
}

func (r *Registry) Handles() []sim.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sim.Handle, len(r.boxes))
	for i, b := range r.boxes {
		out[i] = b.Handle
	}
	return out
}
