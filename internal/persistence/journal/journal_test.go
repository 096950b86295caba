package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"packline.ai/internal/pack"
)

func TestJournal_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	j.Emit(pack.Event{RunID: "r1", Kind: pack.EventStarted, Total: 2})
	j.Emit(pack.Event{RunID: "r1", Kind: pack.EventPlaced, Index: 1, Target: []float64{0.05, 0.05, 0}, MaxHeight: 0.05})
	j.Emit(pack.Event{RunID: "r2", Kind: pack.EventStarted, Total: 1})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if j.Written() != 3 {
		t.Fatalf("written=%d", j.Written())
	}

	files, err := ListFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	all, err := ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(all) != 3 || all[1].Kind != pack.EventPlaced || all[1].MaxHeight != 0.05 || len(all[1].Target) != 3 {
		t.Fatalf("events=%+v", all)
	}

	r1, err := ReadDir(dir, "r1")
	if err != nil || len(r1) != 2 {
		t.Fatalf("ReadDir r1: n=%d err=%v", len(r1), err)
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(pack.Event{Kind: pack.EventStarted}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(pack.Event{Kind: pack.EventFinished}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{"events-2026-03-01-10.jsonl.zst", "events-2026-03-01-11.jsonl.zst"} {
		evs, err := ReadFile(filepath.Join(dir, name))
		if err != nil || len(evs) != 1 {
			t.Fatalf("%s: n=%d err=%v", name, len(evs), err)
		}
	}
}

func TestJSONLZstdWriter_ReopenAppendsFrames(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "events")
		w.now = func() time.Time { return now }
		if err := w.Write(pack.Event{Kind: pack.EventSpawned, Index: i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	evs, err := ReadFile(filepath.Join(dir, "events-2026-03-01-10.jsonl.zst"))
	if err != nil || len(evs) != 2 || evs[1].Index != 1 {
		t.Fatalf("events=%+v err=%v", evs, err)
	}
}

func TestJournal_KeepsFirstError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// baseDir under a regular file cannot be created.
	j := New(filepath.Join(blocker, "sub"))
	j.Emit(pack.Event{Kind: pack.EventStarted})
	if j.Err() == nil || j.Written() != 0 {
		t.Fatalf("err=%v written=%d", j.Err(), j.Written())
	}
	if err := j.Close(); err == nil {
		t.Fatalf("Close should report the write error")
	}
}
