package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
)

// Phase is one step of a pick-and-place cycle.
type Phase int

const (
	PhaseApproach Phase = iota
	PhaseDescend
	PhaseGripOpen
	PhaseGripClose
	PhaseLift
	PhaseTransport
	PhaseDescendToTarget
	PhaseRelease
	PhaseRetreat
	PhaseDone
)

var phaseNames = [...]string{
	PhaseApproach:        "approach",
	PhaseDescend:         "descend",
	PhaseGripOpen:        "grip_open",
	PhaseGripClose:       "grip_close",
	PhaseLift:            "lift",
	PhaseTransport:       "transport",
	PhaseDescendToTarget: "descend_to_target",
	PhaseRelease:         "release",
	PhaseRetreat:         "retreat",
	PhaseDone:            "done",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type ControllerConfig struct {
	SafeHeight       float64
	SuckerOffset     float64
	ContactClearance float64
	StackClearance   float64

	Settle    time.Duration
	LiftPause time.Duration

	// PlacedColor, when set, paints every released box.
	PlacedColor *[3]float64
	// Script is the scene object hosting the colour helper.
	Script string
	// ContinueOnAttachFailure proceeds with a cycle whose gripper step was
	// exhausted or could not resolve its objects; the placement is marked
	// degraded. Otherwise the box is aborted.
	ContinueOnAttachFailure bool
}

// DefaultControllerConfig returns the stock clearances and delays.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		SafeHeight:              0.35,
		SuckerOffset:            0.09,
		ContactClearance:        0.01,
		StackClearance:          0.1,
		Settle:                  200 * time.Millisecond,
		LiftPause:               100 * time.Millisecond,
		ContinueOnAttachFailure: true,
	}
}

// Placement describes one finished cycle.
type Placement struct {
	Index int
	// Pick is where the box was picked up.
	Pick   r3.Vector
	Target r3.Vector
	// Final is the box position read back after the retreat.
	Final          r3.Vector
	ErrorX, ErrorY float64

	TransportHeight float64
	RetreatHeight   float64
	MaxHeight       float64

	Attach   AttachReport
	Release  AttachReport
	Degraded bool
}

// Controller runs the pick-and-place state machine for one box at a time and
// keeps the height of the tallest placed stack. MaxHeight only changes when a
// whole cycle succeeds.
type Controller struct {
	api     sim.API
	mover   *Mover
	gripper *Gripper
	cfg     ControllerConfig
	log     *log.Logger

	// OnPhase, when set, is called as each phase starts.
	OnPhase func(index int, p Phase)

	mu        sync.Mutex
	maxHeight float64
}

func NewController(api sim.API, mover *Mover, gripper *Gripper, cfg ControllerConfig, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Script == "" {
		cfg.Script = sim.CommandScript
	}
	return &Controller{api: api, mover: mover, gripper: gripper, cfg: cfg, log: logger}
}

func (c *Controller) MaxHeight() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxHeight
}

// contactHeight is the target z that puts the sucker on the top face of a
// box of height h whose reference point is at z.
func (c *Controller) contactHeight(z, h float64) float64 {
	return z + h*0.5 - c.cfg.SuckerOffset + c.cfg.ContactClearance
}

// Place moves box from pick to its target slot. Any failure aborts the cycle
// with a *PhaseError and leaves MaxHeight unchanged.
func (c *Controller) Place(ctx context.Context, box SpawnedBox, pick r3.Vector) (Placement, error) {
	spec := box.Spec
	h := box.Handle
	target := spec.TargetPosition()
	maxHeight := c.MaxHeight()

	pl := Placement{Index: box.Index, Pick: pick, Target: target}
	fail := func(p Phase, err error) (Placement, error) {
		return pl, &PhaseError{Index: box.Index, Phase: p, Err: err}
	}
	begin := func(p Phase) {
		if c.OnPhase != nil {
			c.OnPhase(box.Index, p)
		}
	}

	begin(PhaseApproach)
	if err := c.mover.MoveTo(ctx, r3.Vector{X: pick.X, Y: pick.Y, Z: c.cfg.SafeHeight}); err != nil {
		return fail(PhaseApproach, err)
	}

	begin(PhaseDescend)
	if err := c.mover.MoveTo(ctx, r3.Vector{X: pick.X, Y: pick.Y, Z: c.contactHeight(pick.Z, spec.Size.Z)}); err != nil {
		return fail(PhaseDescend, err)
	}

	begin(PhaseGripOpen)
	if _, err := c.gripper.Open(ctx, nil); err != nil {
		if !c.tolerate(box.Index, PhaseGripOpen, err, &pl) {
			return fail(PhaseGripOpen, err)
		}
	}
	if err := sleep(ctx, c.cfg.Settle); err != nil {
		return fail(PhaseGripOpen, err)
	}

	begin(PhaseGripClose)
	rep, err := c.gripper.Close(ctx, &h)
	pl.Attach = rep
	if err != nil && !c.tolerate(box.Index, PhaseGripClose, err, &pl) {
		return fail(PhaseGripClose, err)
	}
	if err := sleep(ctx, c.cfg.Settle); err != nil {
		return fail(PhaseGripClose, err)
	}

	begin(PhaseLift)
	if err := c.mover.MoveTo(ctx, r3.Vector{X: pick.X, Y: pick.Y, Z: c.cfg.SafeHeight}); err != nil {
		return fail(PhaseLift, err)
	}
	if err := sleep(ctx, c.cfg.LiftPause); err != nil {
		return fail(PhaseLift, err)
	}

	begin(PhaseTransport)
	pl.TransportHeight = math.Max(maxHeight, spec.Top()) + c.cfg.StackClearance
	if err := c.mover.MoveTo(ctx, r3.Vector{X: target.X, Y: target.Y, Z: pl.TransportHeight}); err != nil {
		return fail(PhaseTransport, err)
	}

	begin(PhaseDescendToTarget)
	if err := c.mover.MoveTo(ctx, r3.Vector{X: target.X, Y: target.Y, Z: c.contactHeight(target.Z, spec.Size.Z)}); err != nil {
		return fail(PhaseDescendToTarget, err)
	}
	candidate := math.Max(maxHeight, spec.Top())

	begin(PhaseRelease)
	rep, err = c.gripper.Open(ctx, &h)
	pl.Release = rep
	if err != nil && !c.tolerate(box.Index, PhaseRelease, err, &pl) {
		return fail(PhaseRelease, err)
	}
	if c.cfg.PlacedColor != nil {
		if err := SetColor(ctx, c.api, c.cfg.Script, h, *c.cfg.PlacedColor); err != nil {
			if sim.IsConnectionError(err) {
				return fail(PhaseRelease, err)
			}
			c.log.Printf("box %d: colour: %v", box.Index, err)
		}
	}
	if err := sleep(ctx, c.cfg.Settle); err != nil {
		return fail(PhaseRelease, err)
	}

	begin(PhaseRetreat)
	pl.RetreatHeight = candidate + c.cfg.StackClearance
	if err := c.mover.MoveTo(ctx, r3.Vector{X: target.X, Y: target.Y, Z: pl.RetreatHeight}); err != nil {
		return fail(PhaseRetreat, err)
	}

	if final, err := c.api.ObjectPosition(ctx, h, sim.World); err != nil {
		c.log.Printf("box %d: read final position: %v", box.Index, err)
	} else {
		pl.Final = final
		pl.ErrorX = target.X - final.X
		pl.ErrorY = target.Y - final.Y
		c.log.Printf("box %d placed at (%.3f, %.3f, %.3f) error x=%.3f y=%.3f", box.Index, final.X, final.Y, final.Z, pl.ErrorX, pl.ErrorY)
	}

	c.mu.Lock()
	if candidate > c.maxHeight {
		c.maxHeight = candidate
	}
	pl.MaxHeight = c.maxHeight
	c.mu.Unlock()

	begin(PhaseDone)
	return pl, nil
}

// tolerate applies the attach-failure policy to a gripper error. Only
// exhausted retries and unresolved objects are tolerable.
func (c *Controller) tolerate(index int, p Phase, err error, pl *Placement) bool {
	var ae *AttachError
	var he *HandleError
	if !errors.As(err, &ae) && !errors.As(err, &he) {
		return false
	}
	if !c.cfg.ContinueOnAttachFailure {
		return false
	}
	c.log.Printf("box %d: %s: %v (continuing)", index, p, err)
	pl.Degraded = true
	return true
}
