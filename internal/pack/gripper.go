package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"packline.ai/internal/sim"
)

type GripperState int

const (
	GripperOpen GripperState = iota
	GripperClosed
)

func (s GripperState) String() string {
	switch s {
	case GripperOpen:
		return "open"
	case GripperClosed:
		return "closed"
	default:
		return fmt.Sprintf("gripper(%d)", int(s))
	}
}

type GripperConfig struct {
	Sucker      string
	OpenAnchor  string
	CloseAnchor string
	// Retries bounds every parent reassignment.
	Retries    int
	PlacedMass float64
}

// AttachReport counts the SetObjectParent calls of one Open or Close.
type AttachReport struct {
	SuckerAttempts int
	BoxAttempts    int
}

// Gripper drives the suction pad. Picking is modelled by the simulator as
// parent reassignment: closing parents the sucker and the held box to the
// close anchor, opening parents the sucker back to the open anchor and
// the box to the world.
type Gripper struct {
	api sim.API
	cfg GripperConfig
	log *log.Logger

	mu     sync.Mutex
	sucker sim.Handle
	openH  sim.Handle
	closeH sim.Handle
	state  GripperState
}

func NewGripper(api sim.API, cfg GripperConfig, logger *log.Logger) *Gripper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 10
	}
	if cfg.PlacedMass <= 0 {
		cfg.PlacedMass = 0.2
	}
	return &Gripper{api: api, cfg: cfg, log: logger, sucker: sim.World, openH: sim.World, closeH: sim.World}
}

// Resolve looks up the sucker and both anchors. A missing open anchor falls
// back to the close anchor. Missing sucker or close anchor are reported as
// *HandleError; Open and Close then skip with the same error.
func (g *Gripper) Resolve(ctx context.Context) error {
	var errs []error
	lookup := func(name string) sim.Handle {
		h, err := g.api.ObjectHandle(ctx, name)
		if err != nil {
			errs = append(errs, &HandleError{Name: name, Err: err})
			return sim.World
		}
		return h
	}

	sucker := lookup(g.cfg.Sucker)
	closeH := lookup(g.cfg.CloseAnchor)

	openH, err := g.api.ObjectHandle(ctx, g.cfg.OpenAnchor)
	if err != nil {
		if sim.IsConnectionError(err) {
			return err
		}
		g.log.Printf("open anchor %q not found, falling back to %q", g.cfg.OpenAnchor, g.cfg.CloseAnchor)
		openH = closeH
	}

	g.mu.Lock()
	g.sucker, g.openH, g.closeH = sucker, openH, closeH
	g.mu.Unlock()

	for _, e := range errs {
		var he *HandleError
		if errors.As(e, &he) && sim.IsConnectionError(he.Err) {
			return he.Err
		}
	}
	return errors.Join(errs...)
}

func (g *Gripper) State() GripperState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gripper) handles() (sucker, openH, closeH sim.Handle, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.sucker == sim.World:
		return 0, 0, 0, &HandleError{Name: g.cfg.Sucker, Err: sim.ErrNotFound}
	case g.closeH == sim.World:
		return 0, 0, 0, &HandleError{Name: g.cfg.CloseAnchor, Err: sim.ErrNotFound}
	}
	return g.sucker, g.openH, g.closeH, nil
}

// Open parents the sucker to the open anchor. With a box, the box is made
// dynamic and collidable with the placed mass and released to the world.
// Every step is attempted even if an earlier reassignment was exhausted; the
// first *AttachError is returned.
func (g *Gripper) Open(ctx context.Context, box *sim.Handle) (AttachReport, error) {
	var rep AttachReport
	sucker, open, _, err := g.handles()
	if err != nil {
		return rep, err
	}

	var first error
	n, err := g.reparent(ctx, "open", sucker, open, true)
	rep.SuckerAttempts = n
	if err != nil && !isAttach(err) {
		return rep, err
	}
	first = err

	if box != nil {
		if err := g.setFlags(ctx, *box, false); err != nil {
			return rep, err
		}
		n, err := g.reparent(ctx, "open", *box, sim.World, true)
		rep.BoxAttempts = n
		if err != nil && !isAttach(err) {
			return rep, err
		}
		if first == nil {
			first = err
		}
	}

	g.mu.Lock()
	g.state = GripperOpen
	g.mu.Unlock()
	return rep, first
}

// Close parents the sucker to the close anchor. With a box, the box is made
// static and non-collidable and parented to the same anchor.
func (g *Gripper) Close(ctx context.Context, box *sim.Handle) (AttachReport, error) {
	var rep AttachReport
	sucker, _, closeH, err := g.handles()
	if err != nil {
		return rep, err
	}

	var first error
	n, err := g.reparent(ctx, "close", sucker, closeH, false)
	rep.SuckerAttempts = n
	if err != nil && !isAttach(err) {
		return rep, err
	}
	first = err

	if box != nil {
		if err := g.setFlags(ctx, *box, true); err != nil {
			return rep, err
		}
		n, err := g.reparent(ctx, "close", *box, closeH, true)
		rep.BoxAttempts = n
		if err != nil && !isAttach(err) {
			return rep, err
		}
		if first == nil {
			first = err
		}
	}

	g.mu.Lock()
	g.state = GripperClosed
	g.mu.Unlock()
	return rep, first
}

// reparent retries SetObjectParent while the simulator answers with a
// nonzero status, up to cfg.Retries attempts. Call errors abort at once.
func (g *Gripper) reparent(ctx context.Context, op string, child, parent sim.Handle, keep bool) (int, error) {
	status := sim.StatusOK
	for attempt := 1; attempt <= g.cfg.Retries; attempt++ {
		st, err := g.api.SetObjectParent(ctx, child, parent, keep)
		if err != nil {
			return attempt, fmt.Errorf("%s: set parent of %d: %w", op, child, err)
		}
		if st == sim.StatusOK {
			return attempt, nil
		}
		status = st
		g.log.Printf("%s: set parent of %d to %d returned %d (attempt %d/%d)", op, child, parent, st, attempt, g.cfg.Retries)
	}
	return g.cfg.Retries, &AttachError{Op: op, Child: child, Parent: parent, Attempts: g.cfg.Retries, Status: status}
}

// setFlags switches a box between held (static, not respondable) and
// released (dynamic, respondable, full mask, placed mass).
func (g *Gripper) setFlags(ctx context.Context, box sim.Handle, held bool) error {
	if held {
		if err := g.api.SetIntParam(ctx, box, sim.ParamStatic, 1); err != nil {
			return err
		}
		return g.api.SetIntParam(ctx, box, sim.ParamRespondable, 0)
	}
	if err := g.api.SetIntParam(ctx, box, sim.ParamStatic, 0); err != nil {
		return err
	}
	if err := g.api.SetIntParam(ctx, box, sim.ParamRespondable, 1); err != nil {
		return err
	}
	if err := g.api.SetIntParam(ctx, box, sim.ParamRespondableMask, 0xFFFF); err != nil {
		return err
	}
	return g.api.SetFloatParam(ctx, box, sim.ParamMass, g.cfg.PlacedMass)
}

func isAttach(err error) bool {
	var ae *AttachError
	return errors.As(err, &ae)
}
