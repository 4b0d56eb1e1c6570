package lsm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadStorageOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	writeTestRun(t, dir, 1, []Entry{{Key: []byte("k"), Value: []byte("gen1")}}, 0.01)
	writeTestRun(t, dir, 3, []Entry{{Key: []byte("k"), Value: []byte("gen3")}}, 0.01)
	writeTestRun(t, dir, 2, []Entry{{Key: []byte("k"), Value: []byte("gen2")}}, 0.01)

	s, err := LoadStorage(dir)
	if err != nil {
		t.Fatalf("LoadStorage err: %v", err)
	}
	defer s.Close()

	runs := s.Runs()
	if len(runs) != 3 {
		t.Fatalf("loaded %d runs, want 3", len(runs))
	}
	for i, wantGen := range []int{3, 2, 1} {
		if runs[i].Generation() != wantGen {
			t.Fatalf("runs[%d].Generation() = %d, want %d", i, runs[i].Generation(), wantGen)
		}
	}
	if got := s.NextGeneration(); got != 4 {
		t.Fatalf("NextGeneration = %d, want 4", got)
	}
	if s.IsCompacted() {
		t.Fatalf("three-run storage reported compacted")
	}

	// Newest generation wins the probe.
	e, ok, err := s.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get(k) ok=%v err=%v", ok, err)
	}
	if string(e.Value) != "gen3" {
		t.Fatalf("Get(k) = %q, want gen3", e.Value)
	}
}

func TestLoadStorageIgnoresForeignFilesAndRemovesTemps(t *testing.T) {
	dir := t.TempDir()
	writeTestRun(t, dir, 1, []Entry{{Key: []byte("k"), Value: []byte("v")}}, 0.01)
	stale := filepath.Join(dir, "run-12345.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadStorage(dir)
	if err != nil {
		t.Fatalf("LoadStorage err: %v", err)
	}
	defer s.Close()

	if len(s.Runs()) != 1 {
		t.Fatalf("loaded %d runs, want 1", len(s.Runs()))
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale temp file survived load: %v", err)
	}
}

func TestLoadStorageFailsOnCorruptRun(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "run_000001.data"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStorage(dir); err == nil {
		t.Fatalf("LoadStorage accepted a corrupt run")
	}
}

func TestCompactCollapsesToSingleRun(t *testing.T) {
	dir := t.TempDir()
	// Oldest: a and b present.
	writeTestRun(t, dir, 1, []Entry{
		{Key: []byte("a"), Value: []byte("a1")},
		{Key: []byte("b"), Value: []byte("b1")},
	}, 0.01)
	// Middle: b overwritten, c added.
	writeTestRun(t, dir, 2, []Entry{
		{Key: []byte("b"), Value: []byte("b2")},
		{Key: []byte("c"), Value: []byte("c2")},
	}, 0.01)
	// Newest: a deleted.
	writeTestRun(t, dir, 3, []Entry{
		{Key: []byte("a"), Tombstone: true},
	}, 0.01)

	source, err := LoadStorage(dir)
	if err != nil {
		t.Fatalf("LoadStorage err: %v", err)
	}

	compacted, err := Compact(dir, source, 0.01)
	if err != nil {
		t.Fatalf("Compact err: %v", err)
	}
	defer compacted.Close()
	source.MaybeClose()

	if !compacted.IsCompacted() || len(compacted.Runs()) != 1 {
		t.Fatalf("compacted storage holds %d runs, want 1", len(compacted.Runs()))
	}
	if got := compacted.Runs()[0].Generation(); got != 4 {
		t.Fatalf("compacted run generation = %d, want 4", got)
	}

	// The deleted key is gone entirely, not masked by a tombstone.
	if _, ok, err := compacted.Get([]byte("a")); err != nil || ok {
		t.Fatalf("Get(a) after compact ok=%v err=%v, want miss", ok, err)
	}
	e, ok, err := compacted.Get([]byte("b"))
	if err != nil || !ok || string(e.Value) != "b2" {
		t.Fatalf("Get(b) after compact = %+v ok=%v err=%v, want b2", e, ok, err)
	}
	e, ok, err = compacted.Get([]byte("c"))
	if err != nil || !ok || string(e.Value) != "c2" {
		t.Fatalf("Get(c) after compact = %+v ok=%v err=%v, want c2", e, ok, err)
	}
}

func TestStorageRefCountDefersClose(t *testing.T) {
	dir := t.TempDir()
	writeTestRun(t, dir, 1, []Entry{{Key: []byte("k"), Value: []byte("v")}}, 0.01)

	s, err := LoadStorage(dir)
	if err != nil {
		t.Fatalf("LoadStorage err: %v", err)
	}

	s.Acquire()
	s.MaybeClose()

	// The reader's reference keeps the run handles open.
	if _, ok, err := s.Get([]byte("k")); err != nil || !ok {
		t.Fatalf("Get after deferred MaybeClose ok=%v err=%v", ok, err)
	}

	s.Release()

	// Last reference gone: the handle is now closed.
	if _, _, err := s.Get([]byte("k")); err == nil {
		t.Fatalf("Get succeeded on a released storage set")
	}
}
