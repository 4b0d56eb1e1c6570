package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

// footerSize is the fixed trailer written as the last 24 bytes of a run
// file: bloom_offset u64 | index_offset u64 | n_entries u64.
const footerSize = 24

func runFileName(gen int) string { return fmt.Sprintf("run_%06d.data", gen) }

// WriteRun streams it (which must yield entries in strictly ascending key
// order with no duplicate keys) into a new sorted-run file with generation
// gen, fsyncs it, and atomically renames it into place. bloomFPRate <= 0
// disables the bloom block.
func WriteRun(dir string, gen int, it Iterator, bloomFPRate float64) (string, error) {
	final := filepath.Join(dir, runFileName(gen))
	tmp, err := os.CreateTemp(dir, "run-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp run file")
	}
	tmpPath := tmp.Name()
	// Any early return removes the partial temp file so it is never
	// visible under a name a reader might open.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var offsets []uint64
	var keys [][]byte
	var offset uint64

	for ; it.Valid(); it.Next() {
		e := it.Entry()
		offsets = append(offsets, offset)
		keys = append(keys, append([]byte(nil), e.Key...))
		n, err := writeRecord(tmp, e)
		if err != nil {
			return "", errors.Wrap(err, "write run record")
		}
		offset += uint64(n)
	}

	bloomOffset := offset
	var bloomBytes []byte
	if bloomFPRate > 0 && len(keys) > 0 {
		filter := bloom.NewWithEstimates(uint(len(keys)), bloomFPRate)
		for _, k := range keys {
			filter.Add(k)
		}
		var buf bytes.Buffer
		if _, err := filter.WriteTo(&buf); err != nil {
			return "", errors.Wrap(err, "serialize bloom filter")
		}
		bloomBytes = buf.Bytes()
	}
	if err := writeUint32(tmp, uint32(len(bloomBytes))); err != nil {
		return "", err
	}
	if _, err := tmp.Write(bloomBytes); err != nil {
		return "", errors.Wrap(err, "write bloom block")
	}
	indexOffset := bloomOffset + 4 + uint64(len(bloomBytes))

	for _, off := range offsets {
		if err := writeUint64(tmp, off); err != nil {
			return "", err
		}
	}
	if err := writeUint64(tmp, bloomOffset); err != nil {
		return "", err
	}
	if err := writeUint64(tmp, indexOffset); err != nil {
		return "", err
	}
	if err := writeUint64(tmp, uint64(len(offsets))); err != nil {
		return "", err
	}

	if err := tmp.Sync(); err != nil {
		return "", errors.Wrap(err, "fsync run file")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close run file")
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", errors.Wrap(err, "rename run file into place")
	}
	succeeded = true
	return final, nil
}

// SortedRun is an immutable on-disk run opened read-only. Handles are
// shared by all callers; Close releases the underlying file.
type SortedRun struct {
	f           *os.File
	path        string
	gen         int
	index       []uint64 // N offsets into the entries section, ascending
	bloomOffset uint64
	filter      *bloom.BloomFilter // nil when the run was written without one
}

// OpenRun opens an existing run file and loads its index and bloom filter
// into memory. Any short read, truncated record, or inconsistent trailer is
// a fatal corruption error: the file is refused, not repaired.
func OpenRun(path string, gen int) (*SortedRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open run file")
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat run file")
	}
	if st.Size() < footerSize {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "run file smaller than footer")
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, st.Size()-footerSize); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "read run footer")
	}
	bloomOffset := leUint64(footer[0:8])
	indexOffset := leUint64(footer[8:16])
	n := leUint64(footer[16:24])

	if indexOffset > uint64(st.Size())-footerSize {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "index offset out of range")
	}
	wantIndexBytes := n * 8
	if indexOffset+wantIndexBytes != uint64(st.Size())-footerSize {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "index section size mismatch")
	}
	if bloomOffset+4 > indexOffset {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "bloom offset out of range")
	}

	index := make([]uint64, n)
	if n > 0 {
		raw := make([]byte, wantIndexBytes)
		if _, err := f.ReadAt(raw, int64(indexOffset)); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(ErrCorrupt, "read index section")
		}
		for i := range index {
			index[i] = leUint64(raw[i*8 : i*8+8])
			if index[i] >= bloomOffset {
				_ = f.Close()
				return nil, errors.Wrap(ErrCorrupt, "index entry past entries section")
			}
		}
	}

	bloomLenBuf := make([]byte, 4)
	if _, err := f.ReadAt(bloomLenBuf, int64(bloomOffset)); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "read bloom length")
	}
	bloomLen := leUint32(bloomLenBuf)
	if uint64(bloomLen) != indexOffset-bloomOffset-4 {
		_ = f.Close()
		return nil, errors.Wrap(ErrCorrupt, "bloom section size mismatch")
	}

	var filter *bloom.BloomFilter
	if bloomLen > 0 {
		bloomBytes := make([]byte, bloomLen)
		if _, err := f.ReadAt(bloomBytes, int64(bloomOffset)+4); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(ErrCorrupt, "read bloom block")
		}
		filter = bloom.New(1, 1)
		if _, err := filter.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(ErrCorrupt, "decode bloom block")
		}
	}

	return &SortedRun{f: f, path: path, gen: gen, index: index, bloomOffset: bloomOffset, filter: filter}, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (r *SortedRun) Generation() int { return r.gen }

func (r *SortedRun) Path() string { return r.path }

func (r *SortedRun) Close() error {
	return errors.Wrap(r.f.Close(), "close run file")
}

// keyAt reads just the key at record offset off, for use by the binary
// search; it avoids decoding the value.
func (r *SortedRun) keyAt(off uint64) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.f.ReadAt(lenBuf, int64(off)); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "read key length")
	}
	klen := leUint32(lenBuf)
	key := make([]byte, klen)
	if _, err := r.f.ReadAt(key, int64(off)+4); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "read key bytes")
	}
	return key, nil
}

// search returns the index of the first record whose key is >= key
// (a "ceiling" binary search), or len(r.index) if none.
func (r *SortedRun) search(key []byte) (int, error) {
	var searchErr error
	idx := sort.Search(len(r.index), func(i int) bool {
		if searchErr != nil {
			return true
		}
		k, err := r.keyAt(r.index[i])
		if err != nil {
			searchErr = err
			return true
		}
		return CompareKeys(k, key) >= 0
	})
	return idx, searchErr
}

// Lookup returns the entry for key (present or tombstone) or !ok if the key
// is absent from this run. The bloom filter, when present, short-circuits a
// definite miss without touching the index or doing a read.
func (r *SortedRun) Lookup(key []byte) (Entry, bool, error) {
	if r.filter != nil && !r.filter.Test(key) {
		return Entry{}, false, nil
	}
	idx, err := r.search(key)
	if err != nil {
		return Entry{}, false, err
	}
	if idx >= len(r.index) {
		return Entry{}, false, nil
	}
	e, err := r.readRecordAt(r.index[idx])
	if err != nil {
		return Entry{}, false, err
	}
	if !bytes.Equal(e.Key, key) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *SortedRun) readRecordAt(off uint64) (Entry, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.f.ReadAt(lenBuf, int64(off)); err != nil {
		return Entry{}, errors.Wrap(ErrCorrupt, "read record header")
	}
	klen := leUint32(lenBuf)
	rest := make([]byte, klen+1)
	if _, err := r.f.ReadAt(rest, int64(off)+4); err != nil {
		return Entry{}, errors.Wrap(ErrCorrupt, "read record key/tag")
	}
	key := rest[:klen]
	tag := rest[klen]
	if tag == tagTombstone {
		return Entry{Key: key, Tombstone: true}, nil
	}
	if tag != tagPresent {
		return Entry{}, errors.Wrapf(ErrCorrupt, "unknown tag byte %d", tag)
	}
	vlenBuf := make([]byte, 4)
	if _, err := r.f.ReadAt(vlenBuf, int64(off)+4+int64(klen)+1); err != nil {
		return Entry{}, errors.Wrap(ErrCorrupt, "read value length")
	}
	vlen := leUint32(vlenBuf)
	val := make([]byte, vlen)
	if vlen > 0 {
		if _, err := r.f.ReadAt(val, int64(off)+4+int64(klen)+1+4); err != nil {
			return Entry{}, errors.Wrap(ErrCorrupt, "read value bytes")
		}
	}
	return Entry{Key: key, Value: val}, nil
}

// Scan returns a lazy iterator over entries with from <= key < to (to ==
// nil means unbounded), positioned by binary search on from.
func (r *SortedRun) Scan(from, to []byte) (Iterator, error) {
	idx, err := r.search(from)
	if err != nil {
		return nil, err
	}
	return &runIterator{run: r, idx: idx, to: to}, nil
}

type runIterator struct {
	run     *SortedRun
	idx     int
	to      []byte
	current Entry
	valid   bool
	err     error
}

func (it *runIterator) ensure() {
	if it.valid || it.err != nil || it.idx >= len(it.run.index) {
		return
	}
	e, err := it.run.readRecordAt(it.run.index[it.idx])
	if err != nil {
		it.err = err
		return
	}
	if it.to != nil && CompareKeys(e.Key, it.to) >= 0 {
		return
	}
	it.current = e
	it.valid = true
}

func (it *runIterator) Valid() bool {
	it.ensure()
	return it.valid
}

func (it *runIterator) Entry() Entry {
	it.ensure()
	return it.current
}

func (it *runIterator) Next() {
	it.ensure()
	it.idx++
	it.valid = false
}

func (it *runIterator) Close() error { return it.err }
