package pack

import (
	"github.com/golang/geo/r3"

	"packline.ai/internal/config"
)

// BoxSpec is one configured box: its nominal size (w, d, h) and the slot
// offset (x, y, z) it is packed into.
type BoxSpec struct {
	Size   r3.Vector
	Target r3.Vector
	Skip   bool
}

// TargetPosition is the gripper-side centre of the slot.
func (b BoxSpec) TargetPosition() r3.Vector {
	return r3.Vector{
		X: b.Target.X + b.Size.X*0.5,
		Y: b.Target.Y + b.Size.Y*0.5,
		Z: b.Target.Z,
	}
}

// Top is the height of the box's upper face once placed.
func (b BoxSpec) Top() float64 { return b.Target.Z + b.Size.Z*0.5 }

// SpecsFromConfig converts every configured box, skipped ones included.
func SpecsFromConfig(cfg config.Config) []BoxSpec {
	out := make([]BoxSpec, 0, len(cfg.Boxes))
	for _, b := range cfg.Boxes {
		out = append(out, BoxSpec{Size: b.SizeVec(), Target: b.TargetVec(), Skip: b.Skipped()})
	}
	return out
}

// Packable drops skipped boxes, keeping order. The result index is the
// pack index.
func Packable(specs []BoxSpec) []BoxSpec {
	out := make([]BoxSpec, 0, len(specs))
	for _, s := range specs {
		if !s.Skip {
			out = append(out, s)
		}
	}
	return out
}
