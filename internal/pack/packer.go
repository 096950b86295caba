// Package pack choreographs the conveyor pick-and-place run: a feeder spawns
// boxes at the head of the belt while the packer waits for each one to come
// to rest at the pick sensor and moves it into its slot, strictly in order.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"packline.ai/internal/config"
	"packline.ai/internal/sim"
)

// Options configures a Packer. Sensor positions and the target handle are
// filled in by Init.
type Options struct {
	TargetName        string
	TipName           string
	CurrentSensorName string
	PreviewSensorName string

	Feeder     FeederConfig
	Detector   DetectorConfig
	Gripper    GripperConfig
	Mover      MoverConfig
	Controller ControllerConfig

	// TargetNudge is added to the tip x when the simulation starts.
	TargetNudge float64
	// Startup delays the first arrival poll.
	Startup time.Duration
	// ConfirmReads bounds the re-reads that make sure a ready box is
	// still inside the zone.
	ConfirmReads int

	OnAttachFailure string
	OnBoxFailure    string
	ClearOnFinish   bool
}

// OptionsFromConfig maps a validated config onto packer options.
func OptionsFromConfig(cfg config.Config) Options {
	t := cfg.Timing
	o := Options{
		TargetName:        cfg.Objects.Target,
		TipName:           cfg.Objects.Tip,
		CurrentSensorName: cfg.Objects.CurrentSensor,
		PreviewSensorName: cfg.Objects.PreviewSensor,
		Feeder: FeederConfig{
			Spawn:  r3.Vector{X: cfg.Conveyor.Spawn[0], Y: cfg.Conveyor.Spawn[1], Z: cfg.Conveyor.Spawn[2]},
			MinGap: cfg.Conveyor.MinGap,
			MaxGap: cfg.Conveyor.MaxGap,
			Scale:  cfg.Conveyor.Scale,
			Mass:   cfg.Conveyor.SpawnMass,
			Poll:   t.FeederPoll(),
			Script: cfg.Objects.Script,
		},
		Detector: DetectorConfig{
			Zone:      cfg.Arrival.Zone,
			Tolerance: cfg.Arrival.Tolerance,
			Poll:      t.ArrivalPoll(),
		},
		Gripper: GripperConfig{
			Sucker:      cfg.Objects.Sucker,
			OpenAnchor:  cfg.Objects.OpenParent,
			CloseAnchor: cfg.Objects.CloseParent,
			Retries:     cfg.Gripper.AttachRetries,
			PlacedMass:  cfg.Gripper.PlacedMass,
		},
		Mover: MoverConfig{
			MoveSpeed: cfg.Motion.MoveSpeed,
			TurnSpeed: cfg.Motion.TurnSpeed,
			Step:      t.Step(),
		},
		Controller: ControllerConfig{
			SafeHeight:              cfg.Gripper.SafeHeight,
			SuckerOffset:            cfg.Gripper.SuckerOffset,
			ContactClearance:        cfg.Gripper.ContactClearance,
			StackClearance:          cfg.Gripper.StackClearance,
			Settle:                  t.Settle(),
			LiftPause:               t.LiftPause(),
			ContinueOnAttachFailure: cfg.Gripper.OnAttachFailure == config.AttachContinue,
			Script:                  cfg.Objects.Script,
		},
		TargetNudge:     cfg.Motion.TargetNudge,
		Startup:         t.Startup(),
		ConfirmReads:    cfg.Arrival.ConfirmReads,
		OnAttachFailure: cfg.Gripper.OnAttachFailure,
		OnBoxFailure:    cfg.OnBoxFailure,
		ClearOnFinish:   cfg.ClearOnFinish,
	}
	if cfg.Conveyor.ColorSpawned {
		o.Feeder.Palette = SpawnPalette
	}
	if c := cfg.Gripper.PlacedColor; c != ([3]float64{}) {
		o.Controller.PlacedColor = &c
	}
	return o
}

// BoxResult is the outcome for one packable box.
type BoxResult struct {
	Index    int
	TraceID  string
	Handle   sim.Handle
	Placed   bool
	Degraded bool
	// Phase and Err are set for failed boxes.
	Phase     string
	Err       string
	Placement Placement
}

type Report struct {
	RunID     string
	Total     int
	Placed    int
	Failed    int
	Degraded  int
	MaxHeight float64
	Started   time.Time
	Finished  time.Time
	Boxes     []BoxResult
}

// Packer owns one run against one scene.
type Packer struct {
	api  sim.API
	opts Options
	log  *log.Logger

	runID  string
	reg    *Registry
	events fanout

	target  sim.Handle
	sensor  r3.Vector
	preview r3.Vector

	gripper  *Gripper
	mover    *Mover
	detector *Detector
	ctrl     *Controller
	feeder   *Feeder

	initialized bool
}

func New(api sim.API, opts Options, logger *log.Logger) *Packer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.ConfirmReads <= 0 {
		opts.ConfirmReads = 10
	}
	if opts.OnBoxFailure == "" {
		opts.OnBoxFailure = config.BoxSkip
	}
	if opts.OnAttachFailure == "" {
		opts.OnAttachFailure = config.AttachContinue
	}
	return &Packer{
		api:    api,
		opts:   opts,
		log:    logger,
		runID:  uuid.NewString(),
		reg:    NewRegistry(),
		target: sim.World,
	}
}

func (p *Packer) RunID() string           { return p.runID }
func (p *Packer) Registry() *Registry     { return p.reg }
func (p *Packer) Controller() *Controller { return p.ctrl }
func (p *Packer) Gripper() *Gripper       { return p.gripper }

// AddSink registers an event sink. Call before Run.
func (p *Packer) AddSink(s Sink) { p.events.add(s) }

func (p *Packer) emit(e Event) {
	e.RunID = p.runID
	p.events.Emit(e)
}

func (p *Packer) lookup(ctx context.Context, name string) (sim.Handle, error) {
	h, err := p.api.ObjectHandle(ctx, name)
	if err != nil {
		if sim.IsConnectionError(err) {
			return sim.World, err
		}
		return sim.World, &HandleError{Name: name, Err: err}
	}
	return h, nil
}

// Init resolves the scene objects, snaps the IK target onto the tip and
// reads the sensor positions. The target, tip and current sensor are
// required; gripper objects that are missing are logged and make every
// gripper step fail later.
func (p *Packer) Init(ctx context.Context) error {
	target, err := p.lookup(ctx, p.opts.TargetName)
	if err != nil {
		return err
	}
	tip, err := p.lookup(ctx, p.opts.TipName)
	if err != nil {
		return err
	}
	tipPos, err := p.api.ObjectPosition(ctx, tip, sim.World)
	if err != nil {
		return fmt.Errorf("read tip position: %w", err)
	}
	if err := p.api.SetObjectPosition(ctx, target, sim.World, tipPos); err != nil {
		return fmt.Errorf("snap target to tip: %w", err)
	}

	current, err := p.lookup(ctx, p.opts.CurrentSensorName)
	if err != nil {
		return err
	}
	if p.sensor, err = p.api.ObjectPosition(ctx, current, sim.World); err != nil {
		return fmt.Errorf("read current sensor: %w", err)
	}
	if p.opts.PreviewSensorName != "" {
		if h, err := p.lookup(ctx, p.opts.PreviewSensorName); err != nil {
			p.log.Printf("preview sensor: %v", err)
		} else if p.preview, err = p.api.ObjectPosition(ctx, h, sim.World); err != nil {
			p.log.Printf("read preview sensor: %v", err)
		}
	}

	p.gripper = NewGripper(p.api, p.opts.Gripper, p.log)
	if err := p.gripper.Resolve(ctx); err != nil {
		if sim.IsConnectionError(err) {
			return err
		}
		p.log.Printf("gripper: %v", err)
	}

	p.target = target
	p.mover = NewMover(p.api, target, p.opts.Mover, p.log)
	dc := p.opts.Detector
	dc.Sensor = p.sensor
	p.detector = NewDetector(p.api, dc, p.log)
	p.ctrl = NewController(p.api, p.mover, p.gripper, p.opts.Controller, p.log)
	p.ctrl.OnPhase = p.onPhase
	p.feeder = NewFeeder(p.api, p.reg, p.opts.Feeder, p.log)
	p.feeder.SetEvents(p.runID, &p.events)

	p.initialized = true
	p.log.Printf("init: target=%d tip=(%.3f, %.3f, %.3f) sensor x=%.3f", target, tipPos.X, tipPos.Y, tipPos.Z, p.sensor.X)
	return nil
}

func (p *Packer) onPhase(index int, ph Phase) {
	if ph == PhaseLift {
		p.emit(Event{Kind: EventPicked, Index: index, Phase: ph.String()})
	}
}

// Run starts the simulation, spawns and packs every packable spec and
// stops the simulation again. Box failures follow OnBoxFailure and
// OnAttachFailure; an aborted batch returns an error wrapping ErrAborted.
func (p *Packer) Run(ctx context.Context, specs []BoxSpec) (Report, error) {
	if !p.initialized {
		if err := p.Init(ctx); err != nil {
			return Report{RunID: p.runID}, err
		}
	}
	specs = Packable(specs)
	rep := Report{RunID: p.runID, Total: len(specs), Started: time.Now().UTC()}
	p.emit(Event{Kind: EventStarted, Total: len(specs)})

	err := p.run(ctx, specs, &rep)

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if p.opts.ClearOnFinish {
		if cerr := p.Clear(cleanup); cerr != nil {
			p.log.Printf("clear: %v", cerr)
		}
	}
	if serr := p.api.StopSimulation(cleanup); serr != nil {
		p.log.Printf("stop simulation: %v", serr)
	}

	rep.MaxHeight = p.ctrl.MaxHeight()
	rep.Finished = time.Now().UTC()
	fin := Event{Kind: EventFinished, Total: rep.Total, Placed: rep.Placed, Failed: rep.Failed, MaxHeight: rep.MaxHeight}
	if err != nil {
		fin.Err = err.Error()
	}
	p.emit(fin)
	p.log.Printf("run %s finished: placed=%d failed=%d degraded=%d max_height=%.3f", p.runID, rep.Placed, rep.Failed, rep.Degraded, rep.MaxHeight)
	return rep, err
}

func (p *Packer) run(ctx context.Context, specs []BoxSpec, rep *Report) error {
	if err := p.api.StartSimulation(ctx); err != nil {
		return fmt.Errorf("start simulation: %w", err)
	}
	if tip, err := p.lookup(ctx, p.opts.TipName); err == nil {
		if pos, err := p.api.ObjectPosition(ctx, tip, sim.World); err == nil {
			pos.X += p.opts.TargetNudge
			if err := p.api.SetObjectPosition(ctx, p.target, sim.World, pos); err != nil {
				p.log.Printf("nudge target: %v", err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.feeder.Run(gctx, specs)
	})
	g.Go(func() error {
		return p.packAll(gctx, specs, rep)
	})
	return g.Wait()
}

// packAll consumes the registry in order.
func (p *Packer) packAll(ctx context.Context, specs []BoxSpec, rep *Report) error {
	if err := sleep(ctx, p.opts.Startup); err != nil {
		return err
	}
	for i := range specs {
		box, err := p.reg.Wait(ctx, i)
		if err != nil {
			return err
		}
		pos, err := p.detector.Await(ctx, box.Handle)
		if err != nil {
			return fmt.Errorf("await box %d: %w", i, err)
		}
		pos = p.confirm(ctx, box.Handle, pos)
		p.reg.Observe(i, pos)
		p.emit(Event{Kind: EventArrived, Index: i, TraceID: box.TraceID, Handle: int32(box.Handle), Position: vec(pos)})

		pl, err := p.ctrl.Place(ctx, box, pos)
		res := BoxResult{Index: i, TraceID: box.TraceID, Handle: box.Handle, Placement: pl}
		if err != nil {
			if ctx.Err() != nil || sim.IsConnectionError(err) {
				return err
			}
			var pe *PhaseError
			if errors.As(err, &pe) {
				res.Phase = pe.Phase.String()
			}
			res.Err = err.Error()
			rep.Failed++
			rep.Boxes = append(rep.Boxes, res)
			p.log.Printf("box %d failed: %v", i, err)
			p.emit(Event{Kind: EventFailed, Index: i, TraceID: box.TraceID, Handle: int32(box.Handle), Phase: res.Phase, Err: res.Err})
			if p.abortOn(err) {
				return fmt.Errorf("%w: %v", ErrAborted, err)
			}
			continue
		}

		res.Placed = true
		res.Degraded = pl.Degraded
		rep.Placed++
		if pl.Degraded {
			rep.Degraded++
		}
		rep.Boxes = append(rep.Boxes, res)
		p.emit(Event{
			Kind:      EventPlaced,
			Index:     i,
			TraceID:   box.TraceID,
			Handle:    int32(box.Handle),
			Position:  vec(pl.Final),
			Target:    vec(pl.Target),
			ErrorX:    pl.ErrorX,
			ErrorY:    pl.ErrorY,
			MaxHeight: pl.MaxHeight,
			Degraded:  pl.Degraded,
		})
	}
	return nil
}

// confirm re-reads a ready box until it is inside the zone, at most
// ConfirmReads times, and returns the last good reading.
func (p *Packer) confirm(ctx context.Context, h sim.Handle, pos r3.Vector) r3.Vector {
	for i := 0; i < p.opts.ConfirmReads; i++ {
		cur, err := p.api.ObjectPosition(ctx, h, sim.World)
		if err != nil {
			p.log.Printf("confirm box %d position: %v", h, err)
			continue
		}
		pos = cur
		if p.detector.InZone(cur) {
			break
		}
	}
	return pos
}

func (p *Packer) abortOn(err error) bool {
	if p.opts.OnBoxFailure == config.BoxAbort {
		return true
	}
	if p.opts.OnAttachFailure == config.AttachAbort {
		var ae *AttachError
		var he *HandleError
		return errors.As(err, &ae) || errors.As(err, &he)
	}
	return false
}

// Clear removes every spawned box from the scene.
func (p *Packer) Clear(ctx context.Context) error {
	var errs []error
	for _, h := range p.reg.Handles() {
		if err := p.api.RemoveObject(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("remove %d: %w", h, err))
		}
	}
	return errors.Join(errs...)
}

func vec(v r3.Vector) []float64 { return []float64{v.X, v.Y, v.Z} }
