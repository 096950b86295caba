package pack

import (
	"context"
	"io"
	"log"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"packline.ai/internal/sim"
)

type MoverConfig struct {
	// MoveSpeed and TurnSpeed are steps per unit of distance (and radian).
	MoveSpeed float64
	TurnSpeed float64
	// Step is the pause after every intermediate command.
	Step time.Duration
	// ReadRetry is the pause between failed pose reads.
	ReadRetry time.Duration
}

// Mover drives the arm's IK target along straight lines. It is open loop:
// intermediate poses are sent at a fixed rate and never checked.
type Mover struct {
	api    sim.API
	target sim.Handle
	cfg    MoverConfig
	log    *log.Logger
}

func NewMover(api sim.API, target sim.Handle, cfg MoverConfig, logger *log.Logger) *Mover {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.MoveSpeed <= 0 {
		cfg.MoveSpeed = 50
	}
	if cfg.TurnSpeed <= 0 {
		cfg.TurnSpeed = 50
	}
	if cfg.Step <= 0 {
		cfg.Step = 80 * time.Millisecond
	}
	if cfg.ReadRetry <= 0 {
		cfg.ReadRetry = 10 * time.Millisecond
	}
	return &Mover{api: api, target: target, cfg: cfg, log: logger}
}

func (m *Mover) Target() sim.Handle { return m.target }

// Move interpolates the target towards pos and then towards orient. Either
// may be nil to leave that part of the pose alone.
func (m *Mover) Move(ctx context.Context, pos, orient *r3.Vector) error {
	if pos != nil {
		from, err := m.readPosition(ctx)
		if err != nil {
			return err
		}
		if err := m.interpolate(ctx, from, *pos, m.cfg.MoveSpeed, m.setPosition); err != nil {
			return err
		}
	}
	if orient != nil {
		from, err := m.api.ObjectOrientation(ctx, m.target, sim.World)
		if err != nil {
			return err
		}
		if err := m.interpolate(ctx, from, *orient, m.cfg.TurnSpeed, m.setOrientation); err != nil {
			return err
		}
	}
	return nil
}

// MoveTo is Move for a position only.
func (m *Mover) MoveTo(ctx context.Context, pos r3.Vector) error {
	return m.Move(ctx, &pos, nil)
}

// readPosition keeps reading until the simulator answers; only ctx or a
// dead connection ends it.
func (m *Mover) readPosition(ctx context.Context) (r3.Vector, error) {
	for {
		p, err := m.api.ObjectPosition(ctx, m.target, sim.World)
		if err == nil {
			return p, nil
		}
		if sim.IsConnectionError(err) || ctx.Err() != nil {
			return r3.Vector{}, err
		}
		m.log.Printf("read target position: %v", err)
		if err := sleep(ctx, m.cfg.ReadRetry); err != nil {
			return r3.Vector{}, err
		}
	}
}

// interpolate sends floor(|to-from|*speed) intermediate poses 1/speed apart,
// then the exact final pose.
func (m *Mover) interpolate(ctx context.Context, from, to r3.Vector, speed float64, set func(context.Context, r3.Vector) error) error {
	d := to.Sub(from)
	dist := d.Norm()
	if dist > 0 {
		step := d.Mul(1 / (speed * dist))
		n := int(math.Floor(dist * speed))
		for i := 1; i <= n; i++ {
			if err := set(ctx, from.Add(step.Mul(float64(i)))); err != nil {
				return err
			}
			if err := sleep(ctx, m.cfg.Step); err != nil {
				return err
			}
		}
	}
	return set(ctx, to)
}

func (m *Mover) setPosition(ctx context.Context, v r3.Vector) error {
	return m.api.SetObjectPosition(ctx, m.target, sim.World, v)
}

func (m *Mover) setOrientation(ctx context.Context, v r3.Vector) error {
	return m.api.SetObjectOrientation(ctx, m.target, sim.World, v)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
