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

type DetectorConfig struct {
	// Sensor is the world position of the pick sensor; only x is used.
	Sensor    r3.Vector
	Zone      float64
	Tolerance float64
	Poll      time.Duration
}

// Detector decides when a box carried by the belt has come to rest in the
// pick zone. The simulator has no arrival signal, so two consecutive equal
// readings inside the zone stand in for "arrived and settled". A belt that
// pauses briefly can fool it.
type Detector struct {
	api sim.API
	cfg DetectorConfig
	log *log.Logger
}

func NewDetector(api sim.API, cfg DetectorConfig, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Zone <= 0 {
		cfg.Zone = 0.2
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-3
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	return &Detector{api: api, cfg: cfg, log: logger}
}

// InZone reports whether pos is within the zone around the sensor in x.
func (d *Detector) InZone(pos r3.Vector) bool {
	return math.Abs(pos.X-d.cfg.Sensor.X) <= d.cfg.Zone
}

// Settled is the readiness rule without the read: pos is in the zone, is
// not the all-zero unset reading, and matches last in every coordinate.
func (d *Detector) Settled(pos r3.Vector, last *r3.Vector) bool {
	if last == nil || !d.InZone(pos) || pos == (r3.Vector{}) {
		return false
	}
	diff := pos.Sub(*last)
	return math.Abs(diff.X) <= d.cfg.Tolerance &&
		math.Abs(diff.Y) <= d.cfg.Tolerance &&
		math.Abs(diff.Z) <= d.cfg.Tolerance
}

// IsReady reads the box position once and applies Settled.
func (d *Detector) IsReady(ctx context.Context, h sim.Handle, last *r3.Vector) (bool, r3.Vector, error) {
	pos, err := d.api.ObjectPosition(ctx, h, sim.World)
	if err != nil {
		return false, r3.Vector{}, err
	}
	return d.Settled(pos, last), pos, nil
}

// Await polls until the box is ready. Readings outside the zone reset the
// comparison so that a box must be seen twice in the zone. Failed reads
// are logged and polling continues unless the connection is gone.
func (d *Detector) Await(ctx context.Context, h sim.Handle) (r3.Vector, error) {
	var last *r3.Vector
	for {
		if err := sleep(ctx, d.cfg.Poll); err != nil {
			return r3.Vector{}, err
		}
		ready, pos, err := d.IsReady(ctx, h, last)
		if err != nil {
			if sim.IsConnectionError(err) || ctx.Err() != nil {
				return r3.Vector{}, err
			}
			d.log.Printf("read box %d position: %v", h, err)
			continue
		}
		if ready {
			return pos, nil
		}
		if !d.InZone(pos) {
			last = nil
			continue
		}
		p := pos
		last = &p
	}
}
