package lsm

import "errors"

var (
	// ErrClosed is returned by any operation attempted on a closed engine.
	ErrClosed = errors.New("lsm: engine is closed")

	// ErrReadOnlyMemtable is returned by Put/Overflow on the empty
	// read-only memtable sentinel.
	ErrReadOnlyMemtable = errors.New("lsm: memtable is read-only")

	// ErrAlreadyFlushing is returned by a state transition that would
	// freeze the active memtable while a flush is already in progress.
	ErrAlreadyFlushing = errors.New("lsm: already flushing")

	// ErrNotFlushing is returned by a state transition that expects an
	// in-progress flush to install, but none is in progress.
	ErrNotFlushing = errors.New("lsm: was not flushing")

	// ErrTooManyFlushes is the back-pressure error surfaced to an
	// overflow-triggered Put or Delete when a flush is already in progress.
	ErrTooManyFlushes = errors.New("lsm: too many flushes in background")

	// ErrEmptyKey is returned when Put or Delete is called with the empty-byte
	// sentinel key, which is reserved for use as an open scan lower bound.
	ErrEmptyKey = errors.New("lsm: empty key is reserved as a scan sentinel")

	// ErrCorrupt is returned at open time when a run file's trailer,
	// index, or a record is malformed or truncated.
	ErrCorrupt = errors.New("lsm: corrupt sorted run")
)
