package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SkipTarget in a box's target x marks a box that is neither spawned nor packed.
const SkipTarget = -1

type Config struct {
	Connection ConnectionSpec `yaml:"connection"`
	Objects    ObjectNames    `yaml:"objects"`
	MeshDir    string         `yaml:"mesh_dir,omitempty"`
	Workspace  Workspace      `yaml:"workspace"`
	Conveyor   ConveyorSpec   `yaml:"conveyor"`
	Arrival    ArrivalSpec    `yaml:"arrival"`
	Gripper    GripperSpec    `yaml:"gripper"`
	Motion     MotionSpec     `yaml:"motion"`
	Timing     TimingSpec     `yaml:"timing"`

	// OnBoxFailure is "skip" or "abort".
	OnBoxFailure  string `yaml:"on_box_failure"`
	ClearOnFinish bool   `yaml:"clear_on_finish"`

	Boxes []BoxEntry `yaml:"boxes"`
}

type ConnectionSpec struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ObjectNames struct {
	Target        string `yaml:"target"`
	Tip           string `yaml:"tip"`
	Sucker        string `yaml:"sucker"`
	OpenParent    string `yaml:"open_parent"`
	CloseParent   string `yaml:"close_parent"`
	CurrentSensor string `yaml:"current_sensor"`
	PreviewSensor string `yaml:"preview_sensor"`
	Script        string `yaml:"script"`
}

// Workspace is [min, max] per axis.
type Workspace struct {
	X [2]float64 `yaml:"x"`
	Y [2]float64 `yaml:"y"`
	Z [2]float64 `yaml:"z"`
}

type ConveyorSpec struct {
	Spawn     [3]float64 `yaml:"spawn"`
	MinGap    float64    `yaml:"min_gap"`
	MaxGap    float64    `yaml:"max_gap"`
	Scale     float64    `yaml:"scale"`
	SpawnMass float64    `yaml:"spawn_mass"`
	// ColorSpawned paints each new box from the spawn palette.
	ColorSpawned bool `yaml:"color_spawned"`
}

type ArrivalSpec struct {
	Zone      float64 `yaml:"zone"`
	Tolerance float64 `yaml:"tolerance"`
	// ConfirmReads bounds the position re-reads before a pick.
	ConfirmReads int `yaml:"confirm_reads"`
}

type GripperSpec struct {
	SafeHeight       float64    `yaml:"safe_height"`
	SuckerOffset     float64    `yaml:"sucker_offset"`
	ContactClearance float64    `yaml:"contact_clearance"`
	StackClearance   float64    `yaml:"stack_clearance"`
	PlacedMass       float64    `yaml:"placed_mass"`
	AttachRetries    int        `yaml:"attach_retries"`
	OnAttachFailure  string     `yaml:"on_attach_failure"`
	PlacedColor      [3]float64 `yaml:"placed_color"`
}

type MotionSpec struct {
	MoveSpeed float64 `yaml:"move_speed"`
	TurnSpeed float64 `yaml:"turn_speed"`
	// TargetNudge is added to x of the tip position after start.
	TargetNudge float64 `yaml:"target_nudge"`
}

// TimingSpec holds every fixed delay, in milliseconds.
type TimingSpec struct {
	FeederPollMS  int `yaml:"feeder_poll_ms"`
	ArrivalPollMS int `yaml:"arrival_poll_ms"`
	SettleMS      int `yaml:"settle_ms"`
	StepMS        int `yaml:"step_ms"`
	StartupMS     int `yaml:"startup_ms"`
	LiftPauseMS   int `yaml:"lift_pause_ms"`
}

// BoxEntry is one box: size [w,d,h] and target slot offset [x,y,z].
type BoxEntry struct {
	Size   [3]float64 `yaml:"size"`
	Target [3]float64 `yaml:"target"`
}

func (b BoxEntry) Skipped() bool { return b.Target[0] == SkipTarget }

func (b BoxEntry) SizeVec() r3.Vector {
	return r3.Vector{X: b.Size[0], Y: b.Size[1], Z: b.Size[2]}
}

func (b BoxEntry) TargetVec() r3.Vector {
	return r3.Vector{X: b.Target[0], Y: b.Target[1], Z: b.Target[2]}
}

// Policies.
const (
	AttachContinue = "continue"
	AttachSkip     = "skip"
	AttachAbort    = "abort"

	BoxSkip  = "skip"
	BoxAbort = "abort"
)

//go:embed config.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// Load reads a YAML config over the defaults. An empty path yields the
// defaults (which carry no boxes and therefore fail Validate).
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse decodes a YAML document over the defaults, checks it against the
// config schema, normalizes and validates it.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := checkSchema(b); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func checkSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func Defaults() Config {
	return Config{
		Connection: ConnectionSpec{
			Address:   "127.0.0.1",
			Port:      19997,
			Path:      "/v1/sim",
			TimeoutMS: 3000,
		},
		Objects: ObjectNames{
			Target:        "Target",
			Tip:           "Tip",
			Sucker:        "suctionPadLoopClosureDummy1",
			OpenParent:    "suctionPad",
			CloseParent:   "suctionPadLink",
			CurrentSensor: "Current",
			PreviewSensor: "Preview",
			Script:        "remoteApiCommandServer",
		},
		Workspace: Workspace{
			X: [2]float64{-0.724, -0.276},
			Y: [2]float64{-0.224, 0.224},
			Z: [2]float64{-0.0001, 0.4},
		},
		Conveyor: ConveyorSpec{
			Spawn:     [3]float64{2.8, -0.85, 0.01},
			MinGap:    0.3,
			MaxGap:    1.0,
			Scale:     0.93,
			SpawnMass: 0.01,
		},
		Arrival: ArrivalSpec{
			Zone:         0.2,
			Tolerance:    1e-3,
			ConfirmReads: 10,
		},
		Gripper: GripperSpec{
			SafeHeight:       0.35,
			SuckerOffset:     0.09,
			ContactClearance: 0.01,
			StackClearance:   0.1,
			PlacedMass:       0.2,
			AttachRetries:    10,
			OnAttachFailure:  AttachContinue,
			// lightskyblue
			PlacedColor: [3]float64{135.0 / 255, 206.0 / 255, 250.0 / 255},
		},
		Motion: MotionSpec{
			MoveSpeed:   50,
			TurnSpeed:   50,
			TargetNudge: 0.2,
		},
		Timing: TimingSpec{
			FeederPollMS:  130,
			ArrivalPollMS: 100,
			SettleMS:      200,
			StepMS:        80,
			StartupMS:     500,
			LiftPauseMS:   100,
		},
		OnBoxFailure: BoxSkip,
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Connection.Address = strings.TrimSpace(c.Connection.Address)
	if c.Connection.Path == "" {
		c.Connection.Path = "/v1/sim"
	}
	if !strings.HasPrefix(c.Connection.Path, "/") {
		c.Connection.Path = "/" + c.Connection.Path
	}
	c.Gripper.OnAttachFailure = strings.ToLower(strings.TrimSpace(c.Gripper.OnAttachFailure))
	if c.Gripper.OnAttachFailure == "" {
		c.Gripper.OnAttachFailure = AttachContinue
	}
	c.OnBoxFailure = strings.ToLower(strings.TrimSpace(c.OnBoxFailure))
	if c.OnBoxFailure == "" {
		c.OnBoxFailure = BoxSkip
	}
	if c.Arrival.ConfirmReads <= 0 {
		c.Arrival.ConfirmReads = 1
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if c.Connection.Address == "" {
		return fmt.Errorf("connection.address must not be empty")
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("connection.port %d out of range", c.Connection.Port)
	}
	if c.Connection.TimeoutMS <= 0 {
		return fmt.Errorf("connection.timeout_ms must be > 0")
	}
	names := map[string]string{
		"target":         c.Objects.Target,
		"tip":            c.Objects.Tip,
		"sucker":         c.Objects.Sucker,
		"open_parent":    c.Objects.OpenParent,
		"close_parent":   c.Objects.CloseParent,
		"current_sensor": c.Objects.CurrentSensor,
		"script":         c.Objects.Script,
	}
	for k, v := range names {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("objects.%s must not be empty", k)
		}
	}
	for axis, r := range map[string][2]float64{"x": c.Workspace.X, "y": c.Workspace.Y, "z": c.Workspace.Z} {
		if r[0] > r[1] {
			return fmt.Errorf("workspace.%s min %v > max %v", axis, r[0], r[1])
		}
	}
	if c.Conveyor.MinGap < 0 || c.Conveyor.MaxGap <= c.Conveyor.MinGap {
		return fmt.Errorf("conveyor gaps must satisfy 0 <= min_gap < max_gap")
	}
	if c.Conveyor.Scale <= 0 || c.Conveyor.Scale > 1 {
		return fmt.Errorf("conveyor.scale must be in (0, 1]")
	}
	if c.Conveyor.SpawnMass <= 0 {
		return fmt.Errorf("conveyor.spawn_mass must be > 0")
	}
	if c.Arrival.Zone <= 0 || c.Arrival.Tolerance <= 0 {
		return fmt.Errorf("arrival.zone and arrival.tolerance must be > 0")
	}
	if c.Gripper.AttachRetries <= 0 {
		return fmt.Errorf("gripper.attach_retries must be > 0")
	}
	if c.Gripper.PlacedMass <= 0 {
		return fmt.Errorf("gripper.placed_mass must be > 0")
	}
	switch c.Gripper.OnAttachFailure {
	case AttachContinue, AttachSkip, AttachAbort:
	default:
		return fmt.Errorf("gripper.on_attach_failure %q must be continue, skip or abort", c.Gripper.OnAttachFailure)
	}
	switch c.OnBoxFailure {
	case BoxSkip, BoxAbort:
	default:
		return fmt.Errorf("on_box_failure %q must be skip or abort", c.OnBoxFailure)
	}
	if c.Motion.MoveSpeed <= 0 || c.Motion.TurnSpeed <= 0 {
		return fmt.Errorf("motion speeds must be > 0")
	}
	t := c.Timing
	for k, v := range map[string]int{
		"feeder_poll_ms":  t.FeederPollMS,
		"arrival_poll_ms": t.ArrivalPollMS,
		"settle_ms":       t.SettleMS,
		"step_ms":         t.StepMS,
		"startup_ms":      t.StartupMS,
		"lift_pause_ms":   t.LiftPauseMS,
	} {
		if v < 0 {
			return fmt.Errorf("timing.%s must be >= 0", k)
		}
	}
	if t.FeederPollMS == 0 || t.ArrivalPollMS == 0 {
		return fmt.Errorf("timing poll intervals must be > 0")
	}
	if len(c.Boxes) == 0 {
		return fmt.Errorf("boxes must not be empty")
	}
	packed := 0
	for i, b := range c.Boxes {
		for j, d := range b.Size {
			if d <= 0 {
				return fmt.Errorf("boxes[%d].size[%d] must be > 0", i, j)
			}
		}
		if !b.Skipped() {
			packed++
		}
	}
	if packed == 0 {
		return fmt.Errorf("every box is skipped")
	}
	return nil
}

// Addr is host:port of the simulation server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Connection.Address, strconv.Itoa(c.Connection.Port))
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.Connection.TimeoutMS) * time.Millisecond
}

// PackedBoxes returns the boxes that will be spawned and packed, in order.
func (c Config) PackedBoxes() []BoxEntry {
	out := make([]BoxEntry, 0, len(c.Boxes))
	for _, b := range c.Boxes {
		if !b.Skipped() {
			out = append(out, b)
		}
	}
	return out
}

// OutsideWorkspace lists indices (into PackedBoxes) whose target slot
// centre lies outside the workspace bounds.
func (c Config) OutsideWorkspace() []int {
	var out []int
	in := func(v float64, r [2]float64) bool { return v >= r[0] && v <= r[1] }
	for i, b := range c.PackedBoxes() {
		x := b.Target[0] + b.Size[0]*0.5
		y := b.Target[1] + b.Size[1]*0.5
		if !in(x, c.Workspace.X) || !in(y, c.Workspace.Y) || !in(b.Target[2], c.Workspace.Z) {
			out = append(out, i)
		}
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t TimingSpec) FeederPoll() time.Duration  { return ms(t.FeederPollMS) }
func (t TimingSpec) ArrivalPoll() time.Duration { return ms(t.ArrivalPollMS) }
func (t TimingSpec) Settle() time.Duration      { return ms(t.SettleMS) }
func (t TimingSpec) Step() time.Duration        { return ms(t.StepMS) }
func (t TimingSpec) Startup() time.Duration     { return ms(t.StartupMS) }
func (t TimingSpec) LiftPause() time.Duration   { return ms(t.LiftPauseMS) }
