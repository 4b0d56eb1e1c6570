package lsm

import (
	"bytes"
	"testing"
)

func entriesOf(it Iterator) []Entry {
	var out []Entry
	for ; it.Valid(); it.Next() {
		out = append(out, it.Entry())
	}
	return out
}

func TestMergeNewestWins(t *testing.T) {
	newer := newSliceIterator([]Entry{
		{Key: []byte("a"), Value: []byte("new")},
		{Key: []byte("c"), Value: []byte("c-new")},
	})
	older := newSliceIterator([]Entry{
		{Key: []byte("a"), Value: []byte("old")},
		{Key: []byte("b"), Value: []byte("b-old")},
	})

	got := entriesOf(NewMergeIterator([]Iterator{newer, older}))
	if len(got) != 3 {
		t.Fatalf("merged %d entries, want 3: %+v", len(got), got)
	}
	if string(got[0].Key) != "a" || string(got[0].Value) != "new" {
		t.Fatalf("entry 0 = %+v, want a=new", got[0])
	}
	if string(got[1].Key) != "b" || string(got[1].Value) != "b-old" {
		t.Fatalf("entry 1 = %+v, want b=b-old", got[1])
	}
	if string(got[2].Key) != "c" || string(got[2].Value) != "c-new" {
		t.Fatalf("entry 2 = %+v, want c=c-new", got[2])
	}
}

func TestMergePreservesTombstones(t *testing.T) {
	newer := newSliceIterator([]Entry{
		{Key: []byte("k"), Tombstone: true},
	})
	older := newSliceIterator([]Entry{
		{Key: []byte("k"), Value: []byte("stale")},
	})

	got := entriesOf(NewMergeIterator([]Iterator{newer, older}))
	if len(got) != 1 {
		t.Fatalf("merged %d entries, want 1", len(got))
	}
	if !got[0].Tombstone {
		t.Fatalf("merge dropped the tombstone: %+v", got[0])
	}
}

func TestMergeThreeWayCollapse(t *testing.T) {
	s0 := newSliceIterator([]Entry{
		{Key: []byte("b"), Value: []byte("b0")},
		{Key: []byte("d"), Value: []byte("d0")},
	})
	s1 := newSliceIterator([]Entry{
		{Key: []byte("a"), Value: []byte("a1")},
		{Key: []byte("b"), Value: []byte("b1")},
		{Key: []byte("c"), Value: []byte("c1")},
	})
	s2 := newSliceIterator([]Entry{
		{Key: []byte("b"), Value: []byte("b2")},
		{Key: []byte("c"), Value: []byte("c2")},
		{Key: []byte("e"), Value: []byte("e2")},
	})

	got := entriesOf(NewMergeIterator([]Iterator{s0, s1, s2}))
	want := map[string]string{"a": "a1", "b": "b0", "c": "c1", "d": "d0", "e": "e2"}
	if len(got) != len(want) {
		t.Fatalf("merged %d entries, want %d: %+v", len(got), len(want), got)
	}
	var prev []byte
	for _, e := range got {
		if prev != nil && CompareKeys(prev, e.Key) >= 0 {
			t.Fatalf("merge output not strictly ascending around %q", e.Key)
		}
		prev = e.Key
		if want[string(e.Key)] != string(e.Value) {
			t.Fatalf("key %q = %q, want %q", e.Key, e.Value, want[string(e.Key)])
		}
	}
}

func TestMergeAllSourcesEmpty(t *testing.T) {
	m := NewMergeIterator([]Iterator{newSliceIterator(nil), emptyIterator{}})
	if m.Valid() {
		t.Fatalf("merge over empty sources is not exhausted")
	}
	m.Next() // must not panic once exhausted
	if m.Valid() {
		t.Fatalf("exhausted merge became valid again")
	}
}

func TestMergeNoSources(t *testing.T) {
	if m := NewMergeIterator(nil); m.Valid() {
		t.Fatalf("merge over no sources is not exhausted")
	}
}

func TestTombstoneFilterSkipsDeletions(t *testing.T) {
	inner := newSliceIterator([]Entry{
		{Key: []byte("a"), Tombstone: true},
		{Key: []byte("b"), Value: []byte("live")},
		{Key: []byte("c"), Tombstone: true},
		{Key: []byte("d"), Value: []byte("also-live")},
	})
	f := NewTombstoneFilter(inner)

	if e, ok := f.Peek(); !ok || !bytes.Equal(e.Key, []byte("b")) {
		t.Fatalf("Peek = %+v ok=%v, want b", e, ok)
	}
	got := entriesOf(f)
	if len(got) != 2 {
		t.Fatalf("filter yielded %d entries, want 2: %+v", len(got), got)
	}
	if string(got[0].Key) != "b" || string(got[1].Key) != "d" {
		t.Fatalf("filter keys = [%s %s], want [b d]", got[0].Key, got[1].Key)
	}
}

func TestTombstoneFilterAllDeleted(t *testing.T) {
	inner := newSliceIterator([]Entry{
		{Key: []byte("a"), Tombstone: true},
		{Key: []byte("b"), Tombstone: true},
	})
	f := NewTombstoneFilter(inner)
	if f.Valid() {
		t.Fatalf("filter over tombstones only is not exhausted")
	}
	if _, ok := f.Peek(); ok {
		t.Fatalf("Peek reported an entry on an exhausted filter")
	}
}
