// Package simtest provides an in-memory simulation scene implementing
// sim.API. It models just enough of the real scene for the packer: named
// objects, parent-following transforms, a conveyor that carries loose boxes
// towards a stop line, shape parameters, and failure injection.
package simtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
)

// Object names of the default layout.
const (
	NameTarget        = "Target"
	NameTip           = "Tip"
	NameSucker        = "suctionPadLoopClosureDummy1"
	NameOpenAnchor    = "suctionPad"
	NameCloseAnchor   = "suctionPadLink"
	NameCurrentSensor = "Current"
	NamePreviewSensor = "Preview"
	NameForwarder     = "customizableConveyor_forwarder"
)

type SceneConfig struct {
	Name string

	BeltY         float64
	BeltHalfWidth float64
	// BeltSpeed is in units per second along -x.
	BeltSpeed float64
	// StopX is where the belt stops carrying a box (the pick sensor).
	StopX float64

	TipPosition     r3.Vector
	CurrentSensor   r3.Vector
	PreviewSensor   r3.Vector
	OmitObjectNames []string
}

func DefaultConfig() SceneConfig {
	return SceneConfig{
		Name:          "conveyor",
		BeltY:         -0.85,
		BeltHalfWidth: 0.25,
		BeltSpeed:     0.5,
		StopX:         0.3,
		TipPosition:   r3.Vector{X: -0.5, Y: 0, Z: 0.3},
		CurrentSensor: r3.Vector{X: 0.3, Y: -0.85, Z: 0.1},
		PreviewSensor: r3.Vector{X: 1.2, Y: -0.85, Z: 0.1},
	}
}

type Object struct {
	Handle sim.Handle
	Name   string
	Parent sim.Handle
	Pos    r3.Vector
	Orient r3.Vector

	Shape           bool
	Size            r3.Vector
	Mass            float64
	Static          bool
	Respondable     bool
	RespondableMask int
	Color           []float64
}

// Call is one recorded API call.
type Call struct {
	Op     string
	Handle sim.Handle
	Other  sim.Handle
	Vec    r3.Vector
	Status int
}

type Scene struct {
	cfg SceneConfig

	mu      sync.Mutex
	objects map[sim.Handle]*Object
	byName  map[string]sim.Handle
	next    sim.Handle
	running bool
	calls   []Call

	parentFailures int
	parentStatus   int

	onCreate func(h sim.Handle)
}

var _ sim.API = (*Scene)(nil)

func NewScene(cfg SceneConfig) *Scene {
	s := &Scene{
		cfg:     cfg,
		objects: map[sim.Handle]*Object{},
		byName:  map[string]sim.Handle{},
		next:    10,
	}
	omit := map[string]bool{}
	for _, n := range cfg.OmitObjectNames {
		omit[n] = true
	}
	add := func(name string, parent sim.Handle, pos r3.Vector) sim.Handle {
		if omit[name] {
			return sim.World
		}
		return s.addLocked(&Object{Name: name, Parent: parent, Pos: pos})
	}

	target := add(NameTarget, sim.World, cfg.TipPosition)
	armParent := target
	if armParent == sim.World {
		armParent = add("armFallbackMount", sim.World, cfg.TipPosition)
	}
	add(NameTip, armParent, cfg.TipPosition)
	padPos := cfg.TipPosition.Sub(r3.Vector{Z: 0.09})
	open := add(NameOpenAnchor, armParent, padPos)
	add(NameCloseAnchor, armParent, padPos)
	suckerParent := open
	if suckerParent == sim.World {
		suckerParent = armParent
	}
	add(NameSucker, suckerParent, padPos)
	add(NameCurrentSensor, sim.World, cfg.CurrentSensor)
	add(NamePreviewSensor, sim.World, cfg.PreviewSensor)
	add(NameForwarder, sim.World, r3.Vector{X: 1.5, Y: cfg.BeltY, Z: 0})
	return s
}

func (s *Scene) addLocked(o *Object) sim.Handle {
	s.next++
	o.Handle = s.next
	s.objects[o.Handle] = o
	if o.Name != "" {
		s.byName[o.Name] = o.Handle
	}
	return o.Handle
}

// OnCreate registers a hook called after every CreateShape, outside the
// scene lock.
func (s *Scene) OnCreate(fn func(h sim.Handle)) {
	s.mu.Lock()
	s.onCreate = fn
	s.mu.Unlock()
}

// FailParentCalls makes the next n SetObjectParent calls return status.
// n < 0 fails every call.
func (s *Scene) FailParentCalls(n, status int) {
	s.mu.Lock()
	s.parentFailures = n
	s.parentStatus = status
	s.mu.Unlock()
}

func (s *Scene) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Object returns a copy of the object with handle h.
func (s *Scene) Object(h sim.Handle) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[h]
	if !ok {
		return Object{}, false
	}
	cp := *o
	cp.Color = append([]float64(nil), o.Color...)
	return cp, true
}

func (s *Scene) HandleOf(name string) (sim.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byName[name]
	return h, ok
}

// Shapes returns the handles of every created shape in creation order.
func (s *Scene) Shapes() []sim.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sim.Handle
	for h, o := range s.objects {
		if o.Shape {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scene) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Scene) CountCalls(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *Scene) record(c Call) {
	s.calls = append(s.calls, c)
}

// Step advances the conveyor by dt. Boxes resting on the belt move
// towards StopX and stop there.
func (s *Scene) Step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	d := s.cfg.BeltSpeed * dt.Seconds()
	for _, o := range s.objects {
		if !o.Shape || o.Static || o.Parent != sim.World {
			continue
		}
		if math.Abs(o.Pos.Y-s.cfg.BeltY) > s.cfg.BeltHalfWidth {
			continue
		}
		if o.Pos.X <= s.cfg.StopX {
			continue
		}
		o.Pos.X = math.Max(s.cfg.StopX, o.Pos.X-d)
	}
}

// Run steps the scene every tick until ctx is done.
func (s *Scene) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Step(now.Sub(last))
			last = now
		}
	}
}

func (s *Scene) StartSimulation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.record(Call{Op: "start"})
	return nil
}

func (s *Scene) StopSimulation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.record(Call{Op: "stop"})
	return nil
}

func (s *Scene) ObjectHandle(ctx context.Context, name string) (sim.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byName[name]
	if !ok {
		return sim.World, fmt.Errorf("%w: %s", sim.ErrNotFound, name)
	}
	return h, nil
}

func (s *Scene) lookupLocked(h sim.Handle) (*Object, error) {
	o, ok := s.objects[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", sim.ErrInvalidHandle, h)
	}
	return o, nil
}

func (s *Scene) frameLocked(rel sim.Handle) (r3.Vector, error) {
	if rel == sim.World {
		return r3.Vector{}, nil
	}
	o, err := s.lookupLocked(rel)
	if err != nil {
		return r3.Vector{}, err
	}
	return o.Pos, nil
}

func (s *Scene) ObjectPosition(ctx context.Context, h, relativeTo sim.Handle) (r3.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return r3.Vector{}, err
	}
	origin, err := s.frameLocked(relativeTo)
	if err != nil {
		return r3.Vector{}, err
	}
	return o.Pos.Sub(origin), nil
}

func (s *Scene) SetObjectPosition(ctx context.Context, h, relativeTo sim.Handle, pos r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	origin, err := s.frameLocked(relativeTo)
	if err != nil {
		return err
	}
	target := origin.Add(pos)
	s.translateLocked(o, target.Sub(o.Pos))
	o.Pos = target
	s.record(Call{Op: "set_position", Handle: h, Vec: target})
	return nil
}

// translateLocked moves o and everything parented under it.
func (s *Scene) translateLocked(o *Object, d r3.Vector) {
	o.Pos = o.Pos.Add(d)
	for _, c := range s.objects {
		if c.Parent == o.Handle && c.Handle != o.Handle {
			s.translateLocked(c, d)
		}
	}
}

func (s *Scene) ObjectOrientation(ctx context.Context, h, relativeTo sim.Handle) (r3.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return r3.Vector{}, err
	}
	if relativeTo != sim.World {
		ref, err := s.lookupLocked(relativeTo)
		if err != nil {
			return r3.Vector{}, err
		}
		return o.Orient.Sub(ref.Orient), nil
	}
	return o.Orient, nil
}

func (s *Scene) SetObjectOrientation(ctx context.Context, h, relativeTo sim.Handle, euler r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	if relativeTo != sim.World {
		ref, err := s.lookupLocked(relativeTo)
		if err != nil {
			return err
		}
		euler = euler.Add(ref.Orient)
	}
	o.Orient = euler
	s.record(Call{Op: "set_orientation", Handle: h, Vec: euler})
	return nil
}

func (s *Scene) CreateShape(ctx context.Context, size, pos r3.Vector, mass float64) (sim.Handle, error) {
	s.mu.Lock()
	h := s.addLocked(&Object{
		Name:            fmt.Sprintf("Cuboid%d", s.next-9),
		Parent:          sim.World,
		Pos:             pos,
		Shape:           true,
		Size:            size,
		Mass:            mass,
		Respondable:     true,
		RespondableMask: 0xFFFF,
	})
	s.record(Call{Op: "create_shape", Handle: h, Vec: pos})
	hook := s.onCreate
	s.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return h, nil
}

func (s *Scene) SetObjectParent(ctx context.Context, child, parent sim.Handle, keepInPlace bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parentFailures != 0 {
		if s.parentFailures > 0 {
			s.parentFailures--
		}
		s.record(Call{Op: "set_parent", Handle: child, Other: parent, Status: s.parentStatus})
		return s.parentStatus, nil
	}
	o, err := s.lookupLocked(child)
	if err != nil {
		return -1, err
	}
	if parent != sim.World {
		p, err := s.lookupLocked(parent)
		if err != nil {
			return -1, err
		}
		if !keepInPlace {
			// Snap onto the parent's origin.
			s.translateLocked(o, p.Pos.Sub(o.Pos))
		}
	}
	o.Parent = parent
	s.record(Call{Op: "set_parent", Handle: child, Other: parent, Status: sim.StatusOK})
	return sim.StatusOK, nil
}

func (s *Scene) SetIntParam(ctx context.Context, h sim.Handle, kind sim.ParamKind, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	switch kind {
	case sim.ParamStatic:
		o.Static = v != 0
	case sim.ParamRespondable:
		o.Respondable = v != 0
	case sim.ParamRespondableMask:
		o.RespondableMask = v
	default:
		return fmt.Errorf("int parameter %s not supported", kind)
	}
	s.record(Call{Op: "set_int_param", Handle: h, Vec: r3.Vector{X: float64(kind), Y: float64(v)}})
	return nil
}

func (s *Scene) SetFloatParam(ctx context.Context, h sim.Handle, kind sim.ParamKind, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	if kind != sim.ParamMass {
		return fmt.Errorf("float parameter %s not supported", kind)
	}
	o.Mass = v
	s.record(Call{Op: "set_float_param", Handle: h, Vec: r3.Vector{X: float64(kind), Y: v}})
	return nil
}

func (s *Scene) RemoveObject(ctx context.Context, h sim.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	for _, c := range s.objects {
		if c.Parent == h {
			c.Parent = sim.World
		}
	}
	delete(s.objects, h)
	if o.Name != "" && s.byName[o.Name] == h {
		delete(s.byName, o.Name)
	}
	s.record(Call{Op: "remove", Handle: h})
	return nil
}

// CallScript serves the command script functions CreatePureShape and
// SetColor.
func (s *Scene) CallScript(ctx context.Context, call sim.ScriptCall) (sim.ScriptResult, error) {
	switch call.Function {
	case sim.FnCreatePureShape:
		f := call.Floats
		if len(f) < 6 {
			return sim.ScriptResult{}, fmt.Errorf("%s: want 7 floats, got %d", call.Function, len(f))
		}
		mass := 0.01
		if len(f) >= 7 {
			mass = f[6]
		}
		h, err := s.CreateShape(ctx, r3.Vector{X: f[0], Y: f[1], Z: f[2]}, r3.Vector{X: f[3], Y: f[4], Z: f[5]}, mass)
		if err != nil {
			return sim.ScriptResult{}, err
		}
		return sim.ScriptResult{Ints: []int{int(h)}}, nil

	case sim.FnSetColor:
		if len(call.Ints) < 1 || len(call.Floats) < 3 {
			return sim.ScriptResult{}, fmt.Errorf("%s: want handle and rgb", call.Function)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		o, err := s.lookupLocked(sim.Handle(call.Ints[0]))
		if err != nil {
			return sim.ScriptResult{}, err
		}
		o.Color = append([]float64(nil), call.Floats[:3]...)
		s.record(Call{Op: "set_color", Handle: o.Handle, Vec: r3.Vector{X: call.Floats[0], Y: call.Floats[1], Z: call.Floats[2]}})
		return sim.ScriptResult{}, nil

	default:
		return sim.ScriptResult{}, fmt.Errorf("%w: script function %s", sim.ErrNotFound, call.Function)
	}
}

func (s *Scene) Close() error { return nil }
