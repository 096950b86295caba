package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
	"packline.ai/internal/sim/simtest"
)

func dialScene(t *testing.T, scene *simtest.Scene) *sim.Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(scene, "test", nil).Handler())
	t.Cleanup(srv.Close)

	addr := strings.TrimPrefix(srv.URL, "http://")
	c, err := sim.Dial(context.Background(), sim.DialConfig{Addr: addr, Path: "/", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_HandshakeAndHandles(t *testing.T) {
	scene := simtest.NewScene(simtest.DefaultConfig())
	c := dialScene(t, scene)
	ctx := context.Background()

	if c.SessionID() == "" || c.SceneName() != "test" {
		t.Fatalf("welcome session=%q scene=%q", c.SessionID(), c.SceneName())
	}

	h, err := c.ObjectHandle(ctx, simtest.NameTarget)
	if err != nil {
		t.Fatalf("ObjectHandle: %v", err)
	}
	want, _ := scene.HandleOf(simtest.NameTarget)
	if h != want {
		t.Fatalf("handle=%d want %d", h, want)
	}

	if _, err := c.ObjectHandle(ctx, "NoSuchObject"); !errors.Is(err, sim.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestServer_PositionAndShapeRoundTrip(t *testing.T) {
	scene := simtest.NewScene(simtest.DefaultConfig())
	c := dialScene(t, scene)
	ctx := context.Background()

	box, err := c.CreateShape(ctx, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, r3.Vector{X: 2.8, Y: -0.85, Z: 0.06}, 0.01)
	if err != nil {
		t.Fatalf("CreateShape: %v", err)
	}
	if err := c.SetObjectPosition(ctx, box, sim.World, r3.Vector{X: 1, Y: 2, Z: 3}); err != nil {
		t.Fatalf("SetObjectPosition: %v", err)
	}
	p, err := c.ObjectPosition(ctx, box, sim.World)
	if err != nil || p != (r3.Vector{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("ObjectPosition=%v err=%v", p, err)
	}
	if err := c.SetFloatParam(ctx, box, sim.ParamMass, 0.2); err != nil {
		t.Fatalf("SetFloatParam: %v", err)
	}
	if o, _ := scene.Object(box); o.Mass != 0.2 {
		t.Fatalf("mass=%v", o.Mass)
	}
	if err := c.RemoveObject(ctx, box); err != nil {
		t.Fatalf("RemoveObject: %v", err)
	}
	if _, err := c.ObjectPosition(ctx, box, sim.World); !errors.Is(err, sim.ErrInvalidHandle) {
		t.Fatalf("err=%v, want ErrInvalidHandle", err)
	}
}

func TestServer_ParentStatusPassesThrough(t *testing.T) {
	scene := simtest.NewScene(simtest.DefaultConfig())
	c := dialScene(t, scene)
	ctx := context.Background()

	sucker, _ := c.ObjectHandle(ctx, simtest.NameSucker)
	link, _ := c.ObjectHandle(ctx, simtest.NameCloseAnchor)

	scene.FailParentCalls(1, 7)
	st, err := c.SetObjectParent(ctx, sucker, link, false)
	if err != nil || st != 7 {
		t.Fatalf("status=%d err=%v, want 7", st, err)
	}
	st, err = c.SetObjectParent(ctx, sucker, link, false)
	if err != nil || st != sim.StatusOK {
		t.Fatalf("status=%d err=%v, want ok", st, err)
	}
}

func TestClient_DialFailureIsConnectionError(t *testing.T) {
	_, err := sim.Dial(context.Background(), sim.DialConfig{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if !sim.IsConnectionError(err) {
		t.Fatalf("err=%v, want ConnectionError", err)
	}
}

// slowScene delays position reads and records script targets.
type slowScene struct {
	sim.API
	delay time.Duration

	mu      sync.Mutex
	targets []string
}

func (s *slowScene) ObjectPosition(ctx context.Context, h, relativeTo sim.Handle) (r3.Vector, error) {
	time.Sleep(s.delay)
	return s.API.ObjectPosition(ctx, h, relativeTo)
}

func (s *slowScene) CallScript(ctx context.Context, call sim.ScriptCall) (sim.ScriptResult, error) {
	s.mu.Lock()
	s.targets = append(s.targets, call.Target)
	s.mu.Unlock()
	return s.API.CallScript(ctx, call)
}

func dialAPI(t *testing.T, api sim.API, cfg sim.DialConfig) *sim.Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(api, "test", nil).Handler())
	t.Cleanup(srv.Close)

	cfg.Addr = strings.TrimPrefix(srv.URL, "http://")
	cfg.Path = "/"
	c, err := sim.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_ShortContextDeadlineKeepsConnection(t *testing.T) {
	scene := simtest.NewScene(simtest.DefaultConfig())
	c := dialAPI(t, &slowScene{API: scene, delay: 50 * time.Millisecond}, sim.DialConfig{Timeout: 2 * time.Second})
	target, _ := scene.HandleOf(simtest.NameTarget)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := c.ObjectPosition(ctx, target, sim.World); sim.IsConnectionError(err) {
		t.Fatalf("short deadline broke the connection: %v", err)
	}

	if err := c.StopSimulation(context.Background()); err != nil {
		t.Fatalf("StopSimulation after short deadline: %v", err)
	}
	p, err := c.ObjectPosition(context.Background(), target, sim.World)
	if err != nil {
		t.Fatalf("ObjectPosition: %v", err)
	}
	if want, _ := scene.ObjectPosition(context.Background(), target, sim.World); p != want {
		t.Fatalf("position=%v want %v", p, want)
	}
}

func TestClient_CreateShapeUsesConfiguredScript(t *testing.T) {
	rec := &slowScene{API: simtest.NewScene(simtest.DefaultConfig())}
	c := dialAPI(t, rec, sim.DialConfig{Timeout: 2 * time.Second, Script: "packScript"})

	if _, err := c.CreateShape(context.Background(), r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, r3.Vector{X: 2.8, Y: -0.85, Z: 0.06}, 0.01); err != nil {
		t.Fatalf("CreateShape: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.targets) != 1 || rec.targets[0] != "packScript" {
		t.Fatalf("script targets=%v want [packScript]", rec.targets)
	}
}

func TestClient_CreateShapeDefaultsToCommandScript(t *testing.T) {
	rec := &slowScene{API: simtest.NewScene(simtest.DefaultConfig())}
	c := dialAPI(t, rec, sim.DialConfig{Timeout: 2 * time.Second})

	if _, err := c.CreateShape(context.Background(), r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, r3.Vector{X: 2.8, Y: -0.85, Z: 0.06}, 0.01); err != nil {
		t.Fatalf("CreateShape: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.targets) != 1 || rec.targets[0] != sim.CommandScript {
		t.Fatalf("script targets=%v want [%s]", rec.targets, sim.CommandScript)
	}
}
