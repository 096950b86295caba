package pack

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"packline.ai/internal/sim"
)

type FeederConfig struct {
	Spawn  r3.Vector
	MinGap float64
	MaxGap float64
	// Scale shrinks w and d of every spawned box.
	Scale float64
	Mass  float64
	Poll  time.Duration
	// Palette, when set, colours box i with Palette[i%len(Palette)].
	Palette [][3]float64
	// Script is the scene object hosting the colour helper.
	Script string
}

// SpawnPalette is the colour cycle for freshly spawned boxes.
var SpawnPalette = [][3]float64{
	{78.0 / 255, 121.0 / 255, 167.0 / 255},  // blue
	{89.0 / 255, 161.0 / 255, 79.0 / 255},   // green
	{156.0 / 255, 117.0 / 255, 95.0 / 255},  // brown
	{242.0 / 255, 142.0 / 255, 43.0 / 255},  // orange
	{237.0 / 255, 201.0 / 255, 72.0 / 255},  // yellow
	{186.0 / 255, 176.0 / 255, 172.0 / 255}, // gray
	{255.0 / 255, 87.0 / 255, 51.0 / 255},   // red
	{176.0 / 255, 122.0 / 255, 161.0 / 255}, // purple
	{118.0 / 255, 183.0 / 255, 178.0 / 255}, // cyan
	{255.0 / 255, 157.0 / 255, 167.0 / 255}, // pink
}

// Feeder spawns boxes at the head of the belt. It is the only writer of the
// registry. A box is spawned once the previous one has travelled between
// MinGap and MaxGap from the spawn point, so boxes never overlap at spawn.
type Feeder struct {
	api    sim.API
	reg    *Registry
	cfg    FeederConfig
	log    *log.Logger
	events Sink
	runID  string
}

func NewFeeder(api sim.API, reg *Registry, cfg FeederConfig, logger *log.Logger) *Feeder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 0.93
	}
	if cfg.Mass <= 0 {
		cfg.Mass = 0.01
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 130 * time.Millisecond
	}
	if cfg.MaxGap <= 0 {
		cfg.MinGap, cfg.MaxGap = 0.3, 1.0
	}
	if cfg.Script == "" {
		cfg.Script = sim.CommandScript
	}
	return &Feeder{api: api, reg: reg, cfg: cfg, log: logger}
}

// SetEvents attaches a sink for spawned events.
func (f *Feeder) SetEvents(runID string, s Sink) {
	f.runID = runID
	f.events = s
}

// Run spawns every spec in order and returns once all of them exist.
func (f *Feeder) Run(ctx context.Context, specs []BoxSpec) error {
	for i, spec := range specs {
		b, err := f.ProduceNext(ctx, spec)
		if err != nil {
			return fmt.Errorf("spawn box %d: %w", i, err)
		}
		f.log.Printf("spawned box %d handle=%d trace=%s", b.Index, b.Handle, b.TraceID)
	}
	f.log.Printf("all %d boxes spawned", len(specs))
	return nil
}

// ProduceNext waits until the belt has room and spawns one box. It blocks
// for as long as the previous box stays outside the gap window.
func (f *Feeder) ProduceNext(ctx context.Context, spec BoxSpec) (SpawnedBox, error) {
	for {
		if err := sleep(ctx, f.cfg.Poll); err != nil {
			return SpawnedBox{}, err
		}
		ok, err := f.roomForNext(ctx)
		if err != nil {
			return SpawnedBox{}, err
		}
		if ok {
			break
		}
	}

	size := r3.Vector{X: spec.Size.X * f.cfg.Scale, Y: spec.Size.Y * f.cfg.Scale, Z: spec.Size.Z}
	pos := r3.Vector{X: f.cfg.Spawn.X, Y: f.cfg.Spawn.Y, Z: f.cfg.Spawn.Z + spec.Size.Z*0.5}
	h, err := f.api.CreateShape(ctx, size, pos, f.cfg.Mass)
	if err != nil {
		return SpawnedBox{}, err
	}

	b := SpawnedBox{
		Spec:      spec,
		Handle:    h,
		SpawnedAt: time.Now(),
		Position:  pos,
		TraceID:   uuid.NewString(),
	}
	b.Index = f.reg.Append(b)

	if n := len(f.cfg.Palette); n > 0 {
		if err := SetColor(ctx, f.api, f.cfg.Script, h, f.cfg.Palette[b.Index%n]); err != nil {
			f.log.Printf("colour box %d: %v", b.Index, err)
		}
	}
	if f.events != nil {
		f.events.Emit(Event{
			RunID:    f.runID,
			Kind:     EventSpawned,
			Index:    b.Index,
			TraceID:  b.TraceID,
			Handle:   int32(h),
			Position: []float64{pos.X, pos.Y, pos.Z},
		})
	}
	return b, nil
}

// roomForNext is true for the first box, or when the last spawned box has a
// nonzero x reading strictly inside the gap window from the spawn point.
func (f *Feeder) roomForNext(ctx context.Context) (bool, error) {
	last, ok := f.reg.Last()
	if !ok {
		return true, nil
	}
	p, err := f.api.ObjectPosition(ctx, last.Handle, sim.World)
	if err != nil {
		if sim.IsConnectionError(err) || ctx.Err() != nil {
			return false, err
		}
		f.log.Printf("read box %d position: %v", last.Index, err)
		return false, nil
	}
	if p.X == 0 {
		return false, nil
	}
	gap := math.Abs(p.X - f.cfg.Spawn.X)
	return gap > f.cfg.MinGap && gap < f.cfg.MaxGap, nil
}

// SetColor paints a shape through the named command script.
func SetColor(ctx context.Context, api sim.API, script string, h sim.Handle, rgb [3]float64) error {
	_, err := api.CallScript(ctx, sim.ScriptCall{
		Target:   script,
		Function: sim.FnSetColor,
		Ints:     []int{int(h)},
		Floats:   []float64{rgb[0], rgb[1], rgb[2]},
	})
	return err
}
