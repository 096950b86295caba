package pack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
)

func TestRegistry_AppendAssignsIndicesInOrder(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		if got := r.Append(SpawnedBox{Handle: sim.Handle(100 + i)}); got != i {
			t.Fatalf("append %d returned index %d", i, got)
		}
	}
	if _, ok := r.At(3); ok {
		t.Fatalf("At(3) should not exist yet")
	}
	b, ok := r.At(1)
	if !ok || b.Index != 1 || b.Handle != 101 {
		t.Fatalf("At(1)=%+v ok=%v", b, ok)
	}
	last, _ := r.Last()
	if last.Handle != 102 {
		t.Fatalf("last=%+v", last)
	}
	hs := r.Handles()
	if len(hs) != 3 || hs[0] != 100 || hs[2] != 102 {
		t.Fatalf("handles=%v", hs)
	}

	r.Observe(1, r3.Vector{X: 1})
	if b, _ := r.At(1); b.Position.X != 1 {
		t.Fatalf("observe not stored: %+v", b)
	}
}

func TestRegistry_WaitBlocksUntilAppended(t *testing.T) {
	r := NewRegistry()
	done := make(chan SpawnedBox, 1)
	go func() {
		b, err := r.Wait(context.Background(), 1)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- b
	}()

	r.Append(SpawnedBox{Handle: 7})
	select {
	case <-done:
		t.Fatalf("Wait(1) returned after first append")
	case <-time.After(20 * time.Millisecond):
	}

	r.Append(SpawnedBox{Handle: 8})
	select {
	case b := <-done:
		if b.Handle != 8 || b.Index != 1 {
			t.Fatalf("got %+v", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait(1) did not return")
	}
}

func TestRegistry_WaitHonoursContext(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Wait(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestPackable_DropsSkippedKeepingOrder(t *testing.T) {
	specs := []BoxSpec{
		{Target: r3.Vector{X: 0}},
		{Target: r3.Vector{X: -1}, Skip: true},
		{Target: r3.Vector{X: 0.2}},
	}
	got := Packable(specs)
	if len(got) != 2 || got[1].Target.X != 0.2 {
		t.Fatalf("packable=%+v", got)
	}
}

func TestBoxSpec_TargetAndTop(t *testing.T) {
	b := BoxSpec{Size: r3.Vector{X: 0.1, Y: 0.2, Z: 0.1}, Target: r3.Vector{X: 0, Y: 0, Z: 0}}
	tp := b.TargetPosition()
	if tp.X != 0.05 || tp.Y != 0.1 || tp.Z != 0 {
		t.Fatalf("target position=%v", tp)
	}
	if b.Top() != 0.05 {
		t.Fatalf("top=%v", b.Top())
	}
}
