package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_PackerYAML(t *testing.T) {
	cfg, err := Load("../../configs/packer.yaml")
	if err != nil {
		t.Fatalf("load packer.yaml: %v", err)
	}
	if got := cfg.Addr(); got != "127.0.0.1:19997" {
		t.Fatalf("addr=%q", got)
	}
	if len(cfg.Boxes) != 6 {
		t.Fatalf("boxes=%d want 6", len(cfg.Boxes))
	}
	packed := cfg.PackedBoxes()
	if len(packed) != 5 {
		t.Fatalf("packed=%d want 5 (one skipped)", len(packed))
	}
	if packed[3].Target[2] != 0.1 {
		t.Fatalf("skip sentinel shifted order: %+v", packed[3])
	}
	if cfg.Timing.FeederPoll() != 130*time.Millisecond || cfg.Timing.ArrivalPoll() != 100*time.Millisecond {
		t.Fatalf("timing=%+v", cfg.Timing)
	}
	if !cfg.Conveyor.ColorSpawned {
		t.Fatalf("color_spawned should be true")
	}
	if out := cfg.OutsideWorkspace(); len(out) != 0 {
		t.Fatalf("boxes outside workspace: %v", out)
	}
}

func TestParse_DefaultsFillMissingSections(t *testing.T) {
	cfg, err := Parse([]byte("boxes:\n  - {size: [0.1, 0.1, 0.1], target: [0, 0, 0]}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gripper.AttachRetries != 10 || cfg.Gripper.PlacedMass != 0.2 {
		t.Fatalf("gripper defaults not applied: %+v", cfg.Gripper)
	}
	if cfg.Gripper.OnAttachFailure != AttachContinue || cfg.OnBoxFailure != BoxSkip {
		t.Fatalf("policy defaults: attach=%q box=%q", cfg.Gripper.OnAttachFailure, cfg.OnBoxFailure)
	}
	if cfg.Conveyor.Scale != 0.93 || cfg.Arrival.Zone != 0.2 {
		t.Fatalf("conveyor/arrival defaults not applied")
	}
	if cfg.Timeout() != 3*time.Second {
		t.Fatalf("timeout=%v", cfg.Timeout())
	}
}

func TestParse_SchemaRejectsUnknownKeysAndBadVectors(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "boxes:\n  - {size: [0.1, 0.1, 0.1], target: [0, 0, 0]}\nspeed: 3\n",
		"short vector":  "boxes:\n  - {size: [0.1, 0.1], target: [0, 0, 0]}\n",
		"bad policy":    "gripper: {on_attach_failure: retry}\nboxes:\n  - {size: [0.1, 0.1, 0.1], target: [0, 0, 0]}\n",
		"missing field": "boxes:\n  - {size: [0.1, 0.1, 0.1]}\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	base := Defaults()
	base.Boxes = []BoxEntry{{Size: [3]float64{0.1, 0.1, 0.1}}}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"no boxes", func(c *Config) { c.Boxes = nil }, "boxes"},
		{"all skipped", func(c *Config) { c.Boxes[0].Target[0] = SkipTarget }, "skipped"},
		{"zero size", func(c *Config) { c.Boxes[0].Size[2] = 0 }, "size"},
		{"gap order", func(c *Config) { c.Conveyor.MinGap = 2 }, "gaps"},
		{"port", func(c *Config) { c.Connection.Port = 0 }, "port"},
		{"empty sucker", func(c *Config) { c.Objects.Sucker = " " }, "sucker"},
		{"policy", func(c *Config) { c.OnBoxFailure = "retry" }, "on_box_failure"},
		{"workspace", func(c *Config) { c.Workspace.Z = [2]float64{1, 0} }, "workspace.z"},
	}
	for _, tc := range cases {
		c := base
		c.Boxes = append([]BoxEntry(nil), base.Boxes...)
		tc.mut(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestNormalize_PoliciesAndPath(t *testing.T) {
	c := Defaults()
	c.Connection.Path = "sim"
	c.Gripper.OnAttachFailure = " ABORT "
	c.OnBoxFailure = ""
	c.Normalize()
	if c.Connection.Path != "/sim" {
		t.Fatalf("path=%q", c.Connection.Path)
	}
	if c.Gripper.OnAttachFailure != AttachAbort || c.OnBoxFailure != BoxSkip {
		t.Fatalf("attach=%q box=%q", c.Gripper.OnAttachFailure, c.OnBoxFailure)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestBoxEntry_Vectors(t *testing.T) {
	b := BoxEntry{Size: [3]float64{0.1, 0.2, 0.3}, Target: [3]float64{1, 2, 3}}
	if b.SizeVec().Y != 0.2 || b.TargetVec().Z != 3 || b.Skipped() {
		t.Fatalf("box=%+v", b)
	}
}
