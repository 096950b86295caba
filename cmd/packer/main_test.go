package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packline.ai/internal/pack"
	"packline.ai/internal/persistence/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "packer dev") {
		t.Fatalf("out=%q", out)
	}
}

func TestCheckCmd_SampleConfig(t *testing.T) {
	out, err := execute(t, "check", "--config", "../../configs/packer.yaml")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"127.0.0.1:19997/v1/sim", "6 configured, 5 packed, 1 skipped"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckCmd_InvalidConfigExitCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("boxes: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "check", "--config", path)
	var coded *exitError
	if !errors.As(err, &coded) || coded.Code != exitConfig {
		t.Fatalf("err=%v", err)
	}
	var buf bytes.Buffer
	if code := reportError(&buf, err); code != exitConfig || !strings.Contains(buf.String(), "boxes") {
		t.Fatalf("code=%d out=%q", code, buf.String())
	}
}

func TestRunCmd_DialFailureIsConnectionExit(t *testing.T) {
	_, err := execute(t, "run", "--config", "../../configs/packer.yaml", "--address", "127.0.0.1", "--port", "1")
	var coded *exitError
	if !errors.As(err, &coded) || coded.Code != exitConnection {
		t.Fatalf("err=%v", err)
	}
}

func TestReplayCmd(t *testing.T) {
	dir := t.TempDir()
	j := journal.New(dir)
	for _, e := range []pack.Event{
		{RunID: "r1", Kind: pack.EventStarted, Total: 1},
		{RunID: "r1", Kind: pack.EventSpawned, Index: 0},
		{RunID: "r1", Kind: pack.EventPlaced, Index: 0, MaxHeight: 0.05},
		{RunID: "r1", Kind: pack.EventFinished, Placed: 1, MaxHeight: 0.05},
	} {
		j.Emit(e)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := execute(t, "replay", dir)
	if err != nil {
		t.Fatalf("replay: %v\n%s", err, out)
	}
	if !strings.Contains(out, "r1 spawned=1/1 placed=1 failed=0") {
		t.Fatalf("out=%q", out)
	}

	if _, err := execute(t, "replay", t.TempDir()); err == nil {
		t.Fatalf("empty journal should fail")
	}
}
