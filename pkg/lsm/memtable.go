package lsm

import (
	"sync"
	"sync/atomic"

	"github.com/huandu/skiplist"
)

// memTable is the concurrent sorted map backing the engine's active and
// flushing slots. The skiplist itself is guarded by a RWMutex; the accounted
// size and the oversized latch are lock-free atomics on top, so exactly one
// Put observes the oversized transition and schedules the flush.
type memTable struct {
	mu         sync.RWMutex
	list       *skiplist.SkipList
	size       atomic.Int64
	oversized  atomic.Bool
	threshold  int64
	numEntries atomic.Int64
	readOnly   bool
}

func newMemTable(threshold int64) *memTable {
	return &memTable{
		list:      skiplist.New(skiplist.GreaterThanFunc(compareKeyBytes)),
		threshold: threshold,
	}
}

// newEmptyReadOnlyMemTable builds the distinguished sentinel that sits in
// the flushing slot while no flush is in progress; mutation fails with
// ErrReadOnlyMemtable.
func newEmptyReadOnlyMemTable() *memTable {
	return &memTable{
		list:     skiplist.New(skiplist.GreaterThanFunc(compareKeyBytes)),
		readOnly: true,
	}
}

func compareKeyBytes(a, b interface{}) int {
	return CompareKeys(a.([]byte), b.([]byte))
}

// Put inserts or replaces key's entry, adjusting the accounted size by the
// entry's serialized on-disk contribution. Returns true iff this call
// transitioned the oversized latch from false to true.
func (m *memTable) Put(key []byte, e Entry) (bool, error) {
	if m.readOnly {
		return false, ErrReadOnlyMemtable
	}
	m.mu.Lock()
	var delta int64
	if old, ok := m.list.GetValue(key); ok {
		delta -= sizeOnDisk(old.(Entry))
	} else {
		m.numEntries.Add(1)
	}
	delta += sizeOnDisk(e)
	m.list.Set(append([]byte(nil), key...), e)
	m.mu.Unlock()

	newSize := m.size.Add(delta)
	if newSize > m.threshold {
		return !m.oversized.Swap(true), nil
	}
	return false, nil
}

// Overflow forces the oversized latch without inserting anything, with the
// same exactly-once transition report as Put.
func (m *memTable) Overflow() (bool, error) {
	if m.readOnly {
		return false, ErrReadOnlyMemtable
	}
	return !m.oversized.Swap(true), nil
}

func (m *memTable) Get(key []byte) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.list.GetValue(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Scan returns entries with from <= key < to, materialized under the read
// lock so the result is a consistent snapshot. to == nil means unbounded.
func (m *memTable) Scan(from, to []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []Entry
	elem := m.list.Find(from)
	for elem != nil {
		key := elem.Key().([]byte)
		if to != nil && CompareKeys(key, to) >= 0 {
			break
		}
		entries = append(entries, elem.Value.(Entry))
		elem = elem.Next()
	}
	return newSliceIterator(entries)
}

func (m *memTable) Values() Iterator {
	return m.Scan(VeryFirstKey, nil)
}

func (m *memTable) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len() == 0
}

func (m *memTable) IsReadOnly() bool { return m.readOnly }

func (m *memTable) ApproxSize() int64 { return m.size.Load() }

func (m *memTable) NumEntries() int64 { return m.numEntries.Load() }
