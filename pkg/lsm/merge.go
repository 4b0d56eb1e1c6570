package lsm

import "container/heap"

// mergeSource pairs an iterator with its priority: lower priority value
// means newer (active memtable = 0, flushing = 1, storage runs newest-first
// from 2 upward). On a key collision the source with the lowest priority
// value wins and
// every other source's equal-keyed head is dropped.
type mergeSource struct {
	it       Iterator
	priority int
}

// mergeHeapItem is one live element in the priority queue: the source's
// current head plus a back-reference to the source so it can be advanced.
type mergeHeapItem struct {
	key      []byte
	priority int
	src      *mergeSource
}

type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := CompareKeys(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeHeapItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator performs a k-way merge over priority-tagged sources,
// collapsing each distinct key down to the entry from its highest-priority
// (lowest index) source and preserving tombstones. Complexity is O(log K)
// per emitted element.
type MergeIterator struct {
	h       mergeHeap
	sources []*mergeSource
	current Entry
	valid   bool
}

// NewMergeIterator builds a merge iterator over sources in priority order:
// sources[0] is newest. Each source's underlying iterator must already be
// positioned at its first element (or be exhausted).
func NewMergeIterator(iterators []Iterator) *MergeIterator {
	m := &MergeIterator{}
	for i, it := range iterators {
		src := &mergeSource{it: it, priority: i}
		m.sources = append(m.sources, src)
		if it.Valid() {
			heap.Push(&m.h, &mergeHeapItem{key: it.Entry().Key, priority: i, src: src})
		}
	}
	m.advance()
	return m
}

// advance emits the next collapsed entry, dropping every other source's
// head that shares the winning key.
func (m *MergeIterator) advance() {
	if m.h.Len() == 0 {
		m.valid = false
		return
	}
	top := heap.Pop(&m.h).(*mergeHeapItem)
	m.current = top.src.it.Entry()
	winningKey := top.key
	top.src.it.Next()
	m.pushIfValid(top.src)

	for m.h.Len() > 0 && CompareKeys(m.h[0].key, winningKey) == 0 {
		dup := heap.Pop(&m.h).(*mergeHeapItem)
		dup.src.it.Next()
		m.pushIfValid(dup.src)
	}
	m.valid = true
}

func (m *MergeIterator) pushIfValid(src *mergeSource) {
	if src.it.Valid() {
		heap.Push(&m.h, &mergeHeapItem{key: src.it.Entry().Key, priority: src.priority, src: src})
	}
}

func (m *MergeIterator) Valid() bool  { return m.valid }
func (m *MergeIterator) Entry() Entry { return m.current }

func (m *MergeIterator) Next() {
	if !m.valid {
		return
	}
	m.advance()
}

func (m *MergeIterator) Close() error {
	var firstErr error
	for _, src := range m.sources {
		if err := src.it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
