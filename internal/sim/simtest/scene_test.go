package simtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
)

func TestScene_ConveyorCarriesLooseBoxesToStopLine(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.BeltSpeed = 1
	s := NewScene(cfg)

	h, err := s.CreateShape(ctx, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, r3.Vector{X: 2.8, Y: -0.85, Z: 0.06}, 0.01)
	if err != nil {
		t.Fatalf("CreateShape: %v", err)
	}

	s.Step(time.Second)
	if p, _ := s.ObjectPosition(ctx, h, sim.World); p.X != 2.8 {
		t.Fatalf("belt moved before start: x=%v", p.X)
	}

	_ = s.StartSimulation(ctx)
	s.Step(500 * time.Millisecond)
	p, _ := s.ObjectPosition(ctx, h, sim.World)
	if math.Abs(p.X-2.3) > 1e-9 {
		t.Fatalf("x=%v, want 2.3", p.X)
	}

	s.Step(10 * time.Second)
	p, _ = s.ObjectPosition(ctx, h, sim.World)
	if p.X != cfg.StopX {
		t.Fatalf("x=%v, want stop line %v", p.X, cfg.StopX)
	}
}

func TestScene_ChildrenFollowParent(t *testing.T) {
	ctx := context.Background()
	s := NewScene(DefaultConfig())
	target, _ := s.ObjectHandle(ctx, NameTarget)
	link, _ := s.ObjectHandle(ctx, NameCloseAnchor)

	box, _ := s.CreateShape(ctx, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, r3.Vector{X: 0.3, Y: -0.85, Z: 0.06}, 0.01)
	if st, err := s.SetObjectParent(ctx, box, link, true); err != nil || st != sim.StatusOK {
		t.Fatalf("SetObjectParent: st=%d err=%v", st, err)
	}

	before, _ := s.ObjectPosition(ctx, box, sim.World)
	tp, _ := s.ObjectPosition(ctx, target, sim.World)
	if err := s.SetObjectPosition(ctx, target, sim.World, tp.Add(r3.Vector{Z: 0.2})); err != nil {
		t.Fatalf("SetObjectPosition: %v", err)
	}
	after, _ := s.ObjectPosition(ctx, box, sim.World)
	if math.Abs(after.Z-before.Z-0.2) > 1e-9 {
		t.Fatalf("box did not follow target: before=%v after=%v", before, after)
	}

	_, _ = s.SetObjectParent(ctx, box, sim.World, true)
	_ = s.SetObjectPosition(ctx, target, sim.World, tp)
	still, _ := s.ObjectPosition(ctx, box, sim.World)
	if still != after {
		t.Fatalf("released box moved with target: %v -> %v", after, still)
	}
}

func TestScene_FailParentCalls(t *testing.T) {
	ctx := context.Background()
	s := NewScene(DefaultConfig())
	sucker, _ := s.ObjectHandle(ctx, NameSucker)
	link, _ := s.ObjectHandle(ctx, NameCloseAnchor)

	s.FailParentCalls(2, 3)
	for i := 0; i < 2; i++ {
		if st, _ := s.SetObjectParent(ctx, sucker, link, false); st != 3 {
			t.Fatalf("call %d: status=%d, want 3", i, st)
		}
	}
	if st, _ := s.SetObjectParent(ctx, sucker, link, false); st != sim.StatusOK {
		t.Fatalf("third call: status=%d", st)
	}
	if n := s.CountCalls("set_parent"); n != 3 {
		t.Fatalf("set_parent calls=%d", n)
	}
}

func TestScene_UnknownNames(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.OmitObjectNames = []string{NameOpenAnchor}
	s := NewScene(cfg)
	if _, err := s.ObjectHandle(ctx, NameOpenAnchor); !errors.Is(err, sim.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if _, err := s.ObjectPosition(ctx, 9999, sim.World); !errors.Is(err, sim.ErrInvalidHandle) {
		t.Fatalf("err=%v, want ErrInvalidHandle", err)
	}
}

func TestScene_ScriptFunctions(t *testing.T) {
	ctx := context.Background()
	s := NewScene(DefaultConfig())
	ret, err := s.CallScript(ctx, sim.ScriptCall{
		Target:   sim.CommandScript,
		Function: sim.FnCreatePureShape,
		Floats:   []float64{0.1, 0.2, 0.3, 1, 2, 3, 0.05},
	})
	if err != nil || len(ret.Ints) != 1 {
		t.Fatalf("CreatePureShape: ret=%+v err=%v", ret, err)
	}
	h := sim.Handle(ret.Ints[0])
	if _, err := s.CallScript(ctx, sim.ScriptCall{Function: sim.FnSetColor, Ints: []int{int(h)}, Floats: []float64{1, 0, 0}}); err != nil {
		t.Fatalf("SetColor: %v", err)
	}
	o, ok := s.Object(h)
	if !ok || o.Mass != 0.05 || o.Size.Y != 0.2 || len(o.Color) != 3 || o.Color[0] != 1 {
		t.Fatalf("object=%+v", o)
	}
	if _, err := s.CallScript(ctx, sim.ScriptCall{Function: "Explode"}); !errors.Is(err, sim.ErrNotFound) {
		t.Fatalf("unknown function err=%v", err)
	}
}
