package lsm

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Engine is the embedded programmatic facade: Get, Scan, Put/Delete, Flush,
// Compact, Close. Internally it is the immutable state machine from state.go
// plus a single background worker goroutine that serializes flush and
// compaction.
type Engine struct {
	cfg Config
	log *logrus.Entry

	state atomic.Pointer[engineState]

	// upsertLock is used inversely: Put/Delete take the shared (read) side
	// so concurrent writers never block each other on the hot path; state
	// transitions (freeze, install, close) take the exclusive (write) side
	// for the instant of swapping the published state.
	upsertLock sync.RWMutex

	// The background worker drains tasks one at a time, so at most one
	// flush or compaction is running at any moment. taskMu guards the
	// closed flag so a submit never races a Close of the channel.
	taskMu      sync.Mutex
	tasks       chan *bgTask
	tasksClosed bool
	workerWG    sync.WaitGroup

	// lastFlush is the task of the most recently scheduled flush. An
	// explicit Flush that observes an in-progress flush awaits this task
	// instead of starting a second one.
	flushMu   sync.Mutex
	lastFlush *bgTask

	fatalMu  sync.Mutex
	fatalErr error
}

// bgTask is one unit of background work. Waiters block on done; err is
// published before done is closed, so any number of callers may wait.
type bgTask struct {
	work func() error
	err  error
	done chan struct{}
}

func newBgTask(work func() error) *bgTask {
	return &bgTask{work: work, done: make(chan struct{})}
}

func (t *bgTask) wait() error {
	<-t.done
	return t.err
}

// Open loads (or creates) the data directory's storage set and returns a
// ready engine. There is no WAL replay: data not yet flushed at the time of
// a prior crash is lost by design.
func Open(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		return nil, errors.New("lsm: Config.DataDir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	storage, err := LoadStorage(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "load storage")
	}

	e := &Engine{
		cfg:   cfg,
		log:   logrus.WithField("component", "lsm.Engine"),
		tasks: make(chan *bgTask, 1),
	}
	e.state.Store(newInitialState(cfg.FlushThresholdBytes, storage))
	e.workerWG.Add(1)
	go e.worker()
	return e, nil
}

func (e *Engine) worker() {
	defer e.workerWG.Done()
	for t := range e.tasks {
		t.err = t.work()
		close(t.done)
	}
}

// submit hands a task to the background worker, blocking while the queue is
// full. Returns ErrClosed once Close has shut the queue.
func (e *Engine) submit(t *bgTask) error {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	if e.tasksClosed {
		return ErrClosed
	}
	e.tasks <- t
	return nil
}

// loadState returns the current published state, erroring if the engine has
// been closed or poisoned by a background failure.
func (e *Engine) loadState() (*engineState, error) {
	st := e.state.Load()
	if st.closed {
		return nil, ErrClosed
	}
	if err := e.loadFatal(); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *Engine) loadFatal() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

// markFatal records the first background failure and closes storage, so
// every subsequent operation fails rather than serving from a store in an
// unknown condition.
func (e *Engine) markFatal(err error) {
	e.fatalMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	e.log.WithError(err).Error("background task failed, engine is now unusable")
	if closeErr := e.state.Load().storage.Close(); closeErr != nil {
		e.log.WithError(closeErr).Error("failed to close storage after fatal error")
	}
}

// Get consults the active memtable, then the flushing memtable, then each
// sorted run newest-first. Tombstones and misses both report !ok; a
// tombstone is never surfaced to the caller as a value, and it masks any
// older value a lower-priority store may still hold.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	// Snapshot the state and pin its storage under the shared lock: a
	// transition's MaybeClose cannot run until the exclusive side is free,
	// so the reference lands before the old run handles can be released.
	e.upsertLock.RLock()
	st := e.state.Load()
	if st.closed {
		e.upsertLock.RUnlock()
		return nil, false, ErrClosed
	}
	if err := e.loadFatal(); err != nil {
		e.upsertLock.RUnlock()
		return nil, false, err
	}
	st.storage.Acquire()
	e.upsertLock.RUnlock()
	defer st.storage.Release()

	if ent, ok := st.active.Get(key); ok {
		if ent.Tombstone {
			return nil, false, nil
		}
		return ent.Value, true, nil
	}
	if ent, ok := st.flushing.Get(key); ok {
		if ent.Tombstone {
			return nil, false, nil
		}
		return ent.Value, true, nil
	}

	ent, ok, err := st.storage.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok || ent.Tombstone {
		return nil, false, nil
	}
	return ent.Value, true, nil
}

// Scan returns a tombstone-filtered, newest-wins merge over the active
// memtable, the flushing memtable, and every sorted run. The iterator
// reflects the state snapshot taken at the moment of the call; writes that
// land after construction are invisible to it. from == nil is treated as
// VeryFirstKey; to == nil scans to the end.
func (e *Engine) Scan(from, to []byte) (Iterator, error) {
	e.upsertLock.RLock()
	st := e.state.Load()
	if st.closed {
		e.upsertLock.RUnlock()
		return nil, ErrClosed
	}
	if err := e.loadFatal(); err != nil {
		e.upsertLock.RUnlock()
		return nil, err
	}
	// Pin the storage before the shared lock is dropped, for the same
	// reason as in Get; the iterator holds the reference until Close.
	st.storage.Acquire()
	e.upsertLock.RUnlock()

	if from == nil {
		from = VeryFirstKey
	}

	runIts, err := st.storage.Iterate(from, to)
	if err != nil {
		st.storage.Release()
		return nil, err
	}

	// Newest first: active, flushing, then storage runs.
	its := make([]Iterator, 0, len(runIts)+2)
	its = append(its, st.active.Scan(from, to))
	its = append(its, st.flushing.Scan(from, to))
	its = append(its, runIts...)

	merged := NewMergeIterator(its)
	filtered := NewTombstoneFilter(merged)
	return &releasingIterator{Iterator: filtered, storage: st.storage}, nil
}

// ScanPrefix scans every key sharing prefix.
func (e *Engine) ScanPrefix(prefix []byte) (Iterator, error) {
	return e.Scan(prefix, prefixUpperBound(prefix))
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is empty or all 0xFF: unbounded
}

// releasingIterator calls storage.Release exactly once, on Close, so a scan
// holding an older Storage's runs does not get them closed out from under it
// by a concurrent compaction.
type releasingIterator struct {
	Iterator
	storage   *Storage
	released  bool
	releaseMu sync.Mutex
}

func (it *releasingIterator) Close() error {
	err := it.Iterator.Close()
	it.releaseMu.Lock()
	if !it.released {
		it.storage.Release()
		it.released = true
	}
	it.releaseMu.Unlock()
	return err
}

// Put upserts key to value. The empty key is rejected: it is reserved as the
// open lower scan bound.
func (e *Engine) Put(key, value []byte) error {
	return e.upsertEntry(Entry{Key: key, Value: value})
}

// Delete upserts a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	return e.upsertEntry(Entry{Key: key, Tombstone: true})
}

func (e *Engine) upsertEntry(ent Entry) error {
	if len(ent.Key) == 0 {
		return ErrEmptyKey
	}

	e.upsertLock.RLock()
	st := e.state.Load()
	if st.closed {
		e.upsertLock.RUnlock()
		return ErrClosed
	}
	if err := e.loadFatal(); err != nil {
		e.upsertLock.RUnlock()
		return err
	}
	shouldFlush, err := st.active.Put(ent.Key, ent)
	e.upsertLock.RUnlock()
	if err != nil {
		return err
	}

	if shouldFlush {
		return e.triggerBackgroundFlush()
	}
	return nil
}

// triggerBackgroundFlush is reached at most once per memtable lifetime (the
// oversized latch guarantees exactly one Put observes the transition). It
// freezes the active memtable and schedules the write without waiting for
// it. If another flush is still in progress the freeze is refused and the
// caller gets ErrTooManyFlushes: back-pressure instead of a queue of frozen
// memtables.
func (e *Engine) triggerBackgroundFlush() error {
	e.upsertLock.Lock()
	cur := e.state.Load()
	if cur.closed {
		e.upsertLock.Unlock()
		return ErrClosed
	}
	if cur.isFlushing() {
		e.upsertLock.Unlock()
		return ErrTooManyFlushes
	}
	newSt, err := cur.prepareForFlush(e.cfg.FlushThresholdBytes)
	if err != nil {
		e.upsertLock.Unlock()
		return err
	}
	t := newBgTask(e.runFlush)
	e.flushMu.Lock()
	e.lastFlush = t
	e.flushMu.Unlock()
	e.state.Store(newSt)
	e.upsertLock.Unlock()

	// If the engine is closing, the frozen memtable is not lost: Close
	// writes the flushing slot out after draining the worker.
	if err := e.submit(t); err != nil && err != ErrClosed {
		return err
	}
	return nil
}

// Flush forces a flush regardless of size and returns only after the
// flushing memtable's contents are durable and installed. If a flush is
// already in progress it awaits that one instead of starting a second.
func (e *Engine) Flush() error {
	e.upsertLock.Lock()
	cur := e.state.Load()
	if cur.closed {
		e.upsertLock.Unlock()
		return ErrClosed
	}
	if err := e.loadFatal(); err != nil {
		e.upsertLock.Unlock()
		return err
	}
	if cur.isFlushing() {
		e.flushMu.Lock()
		t := e.lastFlush
		e.flushMu.Unlock()
		e.upsertLock.Unlock()
		if t != nil {
			return t.wait()
		}
		return nil
	}
	if cur.active.Empty() {
		e.upsertLock.Unlock()
		return nil
	}
	newSt, err := cur.prepareForFlush(e.cfg.FlushThresholdBytes)
	if err != nil {
		e.upsertLock.Unlock()
		return err
	}
	t := newBgTask(e.runFlush)
	e.flushMu.Lock()
	e.lastFlush = t
	e.flushMu.Unlock()
	e.state.Store(newSt)
	e.upsertLock.Unlock()

	if err := e.submit(t); err != nil {
		return err
	}
	return t.wait()
}

// runFlush is the background half of one flush cycle: write the frozen
// memtable to a new run, then install a state with that run added to
// storage and the flushing slot cleared.
func (e *Engine) runFlush() error {
	st := e.state.Load()
	if !st.isFlushing() {
		return ErrNotFlushing
	}
	e.log.WithField("entries", st.flushing.NumEntries()).Debug("flush starting")

	var newRun *SortedRun
	if !st.flushing.Empty() {
		gen := st.storage.NextGeneration()
		path, err := WriteRun(e.cfg.DataDir, gen, st.flushing.Values(), e.cfg.BloomFPRate)
		if err != nil {
			werr := errors.Wrap(err, "write flushed run")
			e.markFatal(werr)
			return werr
		}
		newRun, err = OpenRun(path, gen)
		if err != nil {
			werr := errors.Wrap(err, "open flushed run")
			e.markFatal(werr)
			return werr
		}
	}

	e.upsertLock.Lock()
	cur := e.state.Load()
	oldStorage := cur.storage
	newStorage := oldStorage
	if newRun != nil {
		newStorage = oldStorage.withAddedRun(newRun)
	}
	newState, err := cur.afterFlush(newStorage)
	if err != nil {
		e.upsertLock.Unlock()
		e.markFatal(err)
		return err
	}
	e.state.Store(newState)
	e.upsertLock.Unlock()

	// oldStorage is not MaybeClose'd: every one of its runs carries over into
	// newStorage, which now owns the handles until a compaction replaces it.
	e.log.Debug("flush complete")
	return nil
}

// Compact collapses every sorted run into one via a newest-wins merge,
// dropping tombstones (once everything is in a single run there is no older
// run left for them to mask). Synchronous: runs on the background worker,
// the caller waits. A no-op when the storage set is already compacted and
// the active memtable is empty.
func (e *Engine) Compact() error {
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if st.active.Empty() && st.storage.IsCompacted() {
		return nil
	}
	t := newBgTask(e.runCompact)
	if err := e.submit(t); err != nil {
		return err
	}
	return t.wait()
}

func (e *Engine) runCompact() error {
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if st.active.Empty() && st.storage.IsCompacted() {
		return nil
	}

	e.log.WithField("runs", len(st.storage.Runs())).Debug("compaction starting")
	newStorage, err := Compact(e.cfg.DataDir, st.storage, e.cfg.BloomFPRate)
	if err != nil {
		werr := errors.Wrap(err, "compact storage")
		e.markFatal(werr)
		return werr
	}

	e.upsertLock.Lock()
	cur := e.state.Load()
	oldStorage := cur.storage
	newState, err := cur.afterCompact(newStorage)
	if err != nil {
		e.upsertLock.Unlock()
		e.markFatal(err)
		return err
	}
	e.state.Store(newState)
	e.upsertLock.Unlock()

	oldStorage.MaybeClose()
	// Unlink the collapsed run files. A scan still holding the old storage
	// keeps reading through its open handles; the names just disappear so a
	// later load sees only the merged run.
	for _, r := range oldStorage.Runs() {
		if err := os.Remove(r.Path()); err != nil {
			e.log.WithError(err).Warn("failed to remove compacted run file")
		}
	}
	e.log.Debug("compaction complete")
	return nil
}

// Close is idempotent. It shuts the background worker and waits for it to
// drain, marks the state closed so no new operation starts, closes storage,
// and writes any memtable contents still in memory (the flushing slot, then
// the active memtable) out as final runs before returning.
func (e *Engine) Close() error {
	e.taskMu.Lock()
	if !e.tasksClosed {
		e.tasksClosed = true
		close(e.tasks)
	}
	e.taskMu.Unlock()
	e.workerWG.Wait()

	e.upsertLock.Lock()
	cur := e.state.Load()
	if cur.closed {
		e.upsertLock.Unlock()
		return nil
	}
	e.state.Store(cur.afterClosed())
	e.upsertLock.Unlock()

	if err := cur.storage.Close(); err != nil {
		return errors.Wrap(err, "close storage")
	}

	gen := cur.storage.NextGeneration()
	// The flushing slot is normally empty here (the worker drained), but a
	// freeze that lost the race with shutdown can leave a frozen memtable
	// behind; it is older than the active one, so it gets the lower
	// generation.
	if !cur.flushing.Empty() {
		if _, err := WriteRun(e.cfg.DataDir, gen, cur.flushing.Values(), e.cfg.BloomFPRate); err != nil {
			return errors.Wrap(err, "flush frozen memtable on close")
		}
		gen++
	}
	if !cur.active.Empty() {
		if _, err := WriteRun(e.cfg.DataDir, gen, cur.active.Values(), e.cfg.BloomFPRate); err != nil {
			return errors.Wrap(err, "flush active memtable on close")
		}
	}
	return nil
}

// Stats reports a point-in-time snapshot over one atomic read of the engine
// state.
func (e *Engine) Stats() Stats {
	st := e.state.Load()
	return Stats{
		ActiveMemtableSize:    st.active.ApproxSize(),
		ActiveMemtableEntries: st.active.NumEntries(),
		Flushing:              st.isFlushing(),
		RunCount:              len(st.storage.Runs()),
		Compacted:             st.storage.IsCompacted(),
		Closed:                st.closed,
	}
}
