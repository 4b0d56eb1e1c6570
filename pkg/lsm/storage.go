package lsm

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
)

var runFileRE = regexp.MustCompile(`^run_(\d{6})\.data$`)

// Storage is an ordered, newest-first collection of sorted runs. It is
// immutable once published: flush and compaction each produce a new
// Storage value rather than mutating one in place. Runs are reference
// counted so MaybeClose is a no-op while an older Storage's runs are still
// referenced by an in-flight scan iterator.
type Storage struct {
	runs    []*SortedRun // newest first
	nextGen int
	refs    *atomic.Int32
	closed  *atomic.Bool
}

// LoadStorage scans dir for run_<gen>.data files, opens them read-only, and
// returns them ordered newest-first (highest generation first).
func LoadStorage(dir string) (*Storage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read data dir")
	}

	type found struct {
		gen  int
		path string
	}
	var all []found
	for _, ent := range entries {
		m := runFileRE.FindStringSubmatch(ent.Name())
		if m == nil {
			// A leftover temp file means a flush or compaction died
			// mid-write; it was never renamed, so it holds nothing a
			// reader may depend on.
			if filepath.Ext(ent.Name()) == ".tmp" {
				_ = os.Remove(filepath.Join(dir, ent.Name()))
			}
			continue
		}
		gen := 0
		for _, c := range m[1] {
			gen = gen*10 + int(c-'0')
		}
		all = append(all, found{gen: gen, path: filepath.Join(dir, ent.Name())})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].gen < all[j].gen })

	runs := make([]*SortedRun, 0, len(all))
	nextGen := 1
	for _, fe := range all {
		r, err := OpenRun(fe.path, fe.gen)
		if err != nil {
			for _, opened := range runs {
				_ = opened.Close()
			}
			return nil, errors.Wrapf(err, "open run %s", fe.path)
		}
		runs = append(runs, r)
		if fe.gen >= nextGen {
			nextGen = fe.gen + 1
		}
	}
	// newest first
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}

	refs := &atomic.Int32{}
	refs.Store(1)
	return &Storage{runs: runs, nextGen: nextGen, refs: refs, closed: &atomic.Bool{}}, nil
}

// withAddedRun returns a new Storage that prepends a freshly written run
// (the newest generation) ahead of s's existing runs. s itself is left
// untouched. The new Storage shares s's run handles, so s must not be
// closed or MaybeClose'd afterwards: that would close runs the new set
// still serves.
func (s *Storage) withAddedRun(r *SortedRun) *Storage {
	newRuns := make([]*SortedRun, 0, len(s.runs)+1)
	newRuns = append(newRuns, r)
	newRuns = append(newRuns, s.runs...)
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Storage{runs: newRuns, nextGen: r.Generation() + 1, refs: refs, closed: &atomic.Bool{}}
}

// NextGeneration returns the generation number the next flush or compaction
// run should use.
func (s *Storage) NextGeneration() int { return s.nextGen }

// Runs exposes the newest-first run list, e.g. for compaction's merge
// source list or Stats().
func (s *Storage) Runs() []*SortedRun { return s.runs }

// IsCompacted reports whether this storage set holds at most one run.
func (s *Storage) IsCompacted() bool { return len(s.runs) <= 1 }

// Get probes runs newest-first and returns the first hit, including a
// tombstone (so the caller, not this method, decides visibility).
func (s *Storage) Get(key []byte) (Entry, bool, error) {
	for _, r := range s.runs {
		e, ok, err := r.Lookup(key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Iterate returns one scan iterator per run, newest first, over [from, to).
func (s *Storage) Iterate(from, to []byte) ([]Iterator, error) {
	its := make([]Iterator, 0, len(s.runs))
	for _, r := range s.runs {
		it, err := r.Scan(from, to)
		if err != nil {
			for _, opened := range its {
				_ = opened.Close()
			}
			return nil, err
		}
		its = append(its, it)
	}
	return its, nil
}

// Acquire increments the reference count; call once per reader (scan
// iterator) that will hold this Storage's runs open beyond the current
// call. Release with Release.
func (s *Storage) Acquire() { s.refs.Add(1) }

// Release decrements the reference count and, at zero, closes the runs if
// MaybeClose had already been requested.
func (s *Storage) Release() {
	if s.refs.Add(-1) == 0 && s.closed.Load() {
		// MaybeClose already set closed when it deferred, so closeRuns'
		// compare-and-swap would skip the runs; close them here.
		for _, r := range s.runs {
			_ = r.Close()
		}
	}
}

// MaybeClose requests that this Storage's runs be released once no reader
// holds them; if none do right now, it closes them immediately.
func (s *Storage) MaybeClose() {
	if s.refs.Add(-1) == 0 {
		s.closeRuns()
	} else {
		s.closed.Store(true)
	}
}

// Close closes every run unconditionally; used on final engine shutdown.
func (s *Storage) Close() error {
	return s.closeRuns()
}

func (s *Storage) closeRuns() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	for _, r := range s.runs {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compact writes a single new run containing the newest-wins merge of
// source's runs (tombstones dropped, since no older run can hold the key
// once everything is collapsed into one), then returns a fresh Storage
// holding just that run. It does not touch the active/flushing memtables.
func Compact(dir string, source *Storage, bloomFPRate float64) (*Storage, error) {
	its, err := source.Iterate(VeryFirstKey, nil)
	if err != nil {
		return nil, err
	}
	merged := NewMergeIterator(its)
	live := NewTombstoneFilter(merged)
	defer live.Close()

	path, err := WriteRun(dir, source.NextGeneration(), live, bloomFPRate)
	if err != nil {
		return nil, err
	}
	r, err := OpenRun(path, source.NextGeneration())
	if err != nil {
		return nil, err
	}
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Storage{runs: []*SortedRun{r}, nextGen: r.Generation() + 1, refs: refs, closed: &atomic.Bool{}}, nil
}
