package pack

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
	"packline.ai/internal/sim/simtest"
)

func stockGripperConfig() GripperConfig {
	return GripperConfig{
		Sucker:      simtest.NameSucker,
		OpenAnchor:  simtest.NameOpenAnchor,
		CloseAnchor: simtest.NameCloseAnchor,
		Retries:     10,
		PlacedMass:  0.2,
	}
}

func newResolvedGripper(t *testing.T, s *simtest.Scene) *Gripper {
	t.Helper()
	g := NewGripper(s, stockGripperConfig(), nil)
	if err := g.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return g
}

func TestGripper_RetryStopsAfterExactlyTenFailures(t *testing.T) {
	s := simtest.NewScene(simtest.DefaultConfig())
	g := newResolvedGripper(t, s)
	s.FailParentCalls(-1, 3)

	rep, err := g.Close(context.Background(), nil)
	var ae *AttachError
	if !errors.As(err, &ae) {
		t.Fatalf("err=%v, want *AttachError", err)
	}
	if ae.Attempts != 10 || ae.Status != 3 || !ae.Retryable() || !IsRetryable(err) {
		t.Fatalf("attach error=%+v", ae)
	}
	if rep.SuckerAttempts != 10 {
		t.Fatalf("report=%+v", rep)
	}
	if n := s.CountCalls("set_parent"); n != 10 {
		t.Fatalf("set_parent calls=%d want 10", n)
	}
}

func TestGripper_RetryStopsOnFirstSuccess(t *testing.T) {
	s := simtest.NewScene(simtest.DefaultConfig())
	g := newResolvedGripper(t, s)

	rep, err := g.Open(context.Background(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rep.SuckerAttempts != 1 || s.CountCalls("set_parent") != 1 {
		t.Fatalf("report=%+v calls=%d", rep, s.CountCalls("set_parent"))
	}

	s.FailParentCalls(3, 5)
	rep, err = g.Close(context.Background(), nil)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rep.SuckerAttempts != 4 {
		t.Fatalf("attempts=%d want 4", rep.SuckerAttempts)
	}
	if g.State() != GripperClosed {
		t.Fatalf("state=%s", g.State())
	}
}

func TestGripper_ReleaseFlagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := simtest.NewScene(simtest.DefaultConfig())
	g := newResolvedGripper(t, s)
	link, _ := s.HandleOf(simtest.NameCloseAnchor)

	box, _ := s.CreateShape(ctx, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, r3.Vector{X: 0.3, Y: -0.85, Z: 0.06}, 0.01)

	if _, err := g.Close(ctx, &box); err != nil {
		t.Fatalf("Close: %v", err)
	}
	held, _ := s.Object(box)
	if !held.Static || held.Respondable || held.Parent != link {
		t.Fatalf("held box=%+v", held)
	}

	if _, err := g.Open(ctx, &box); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o, _ := s.Object(box)
	if o.Static || !o.Respondable || o.Mass != 0.2 || o.RespondableMask != 0xFFFF || o.Parent != sim.World {
		t.Fatalf("released box=%+v", o)
	}
	if g.State() != GripperOpen {
		t.Fatalf("state=%s", g.State())
	}
}

func TestGripper_OpenAnchorFallsBackToCloseAnchor(t *testing.T) {
	cfg := simtest.DefaultConfig()
	cfg.OmitObjectNames = []string{simtest.NameOpenAnchor}
	s := simtest.NewScene(cfg)
	g := newResolvedGripper(t, s)
	sucker, _ := s.HandleOf(simtest.NameSucker)
	link, _ := s.HandleOf(simtest.NameCloseAnchor)

	if _, err := g.Open(context.Background(), nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if o, _ := s.Object(sucker); o.Parent != link {
		t.Fatalf("sucker parent=%d want close anchor %d", o.Parent, link)
	}
}

func TestGripper_MissingSuckerSkipsOperations(t *testing.T) {
	cfg := simtest.DefaultConfig()
	cfg.OmitObjectNames = []string{simtest.NameSucker}
	s := simtest.NewScene(cfg)
	g := NewGripper(s, stockGripperConfig(), nil)

	var he *HandleError
	if err := g.Resolve(context.Background()); !errors.As(err, &he) || he.Name != simtest.NameSucker {
		t.Fatalf("Resolve err=%v", err)
	}
	if _, err := g.Close(context.Background(), nil); !errors.As(err, &he) || !errors.Is(err, sim.ErrNotFound) {
		t.Fatalf("Close err=%v", err)
	}
	if n := s.CountCalls("set_parent"); n != 0 {
		t.Fatalf("set_parent calls=%d want 0", n)
	}
}
