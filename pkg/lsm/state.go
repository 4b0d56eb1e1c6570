package lsm

// engineState is the immutable snapshot {active, flushing, storage, closed}.
// Transitions build a new value; nothing about an existing engineState is
// ever mutated. Published through an atomic.Pointer in Engine so readers
// see a fully constructed snapshot without per-field locking.
type engineState struct {
	active   *memTable
	flushing *memTable // newEmptyReadOnlyMemTable() sentinel when idle
	storage  *Storage
	closed   bool
}

func newInitialState(threshold int64, storage *Storage) *engineState {
	return &engineState{
		active:   newMemTable(threshold),
		flushing: newEmptyReadOnlyMemTable(),
		storage:  storage,
	}
}

func (s *engineState) isFlushing() bool {
	return !s.flushing.IsReadOnly()
}

// prepareForFlush freezes the current active memtable into the flushing
// slot and installs a fresh empty active memtable. Must not already be
// flushing.
func (s *engineState) prepareForFlush(threshold int64) (*engineState, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.isFlushing() {
		return nil, ErrAlreadyFlushing
	}
	return &engineState{
		active:   newMemTable(threshold),
		flushing: s.active,
		storage:  s.storage,
	}, nil
}

// afterFlush installs newStorage (which already includes the newly written
// run) and clears the flushing slot back to the empty sentinel.
func (s *engineState) afterFlush(newStorage *Storage) (*engineState, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !s.isFlushing() {
		return nil, ErrNotFlushing
	}
	return &engineState{
		active:   s.active,
		flushing: newEmptyReadOnlyMemTable(),
		storage:  newStorage,
	}, nil
}

// afterCompact replaces storage with the freshly compacted one, leaving
// active/flushing untouched.
func (s *engineState) afterCompact(newStorage *Storage) (*engineState, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return &engineState{
		active:   s.active,
		flushing: s.flushing,
		storage:  newStorage,
	}, nil
}

// afterClosed marks the state closed. The closed flag never returns to
// false.
func (s *engineState) afterClosed() *engineState {
	return &engineState{
		active:   s.active,
		flushing: s.flushing,
		storage:  s.storage,
		closed:   true,
	}
}
