package lsm

import "bytes"

// VeryFirstKey is the implementation-chosen sentinel that compares less than
// every non-empty key. It is valid only as an open lower scan bound; Put and
// Delete reject it as a stored key (see ErrEmptyKey).
var VeryFirstKey = []byte{}

// CompareKeys defines the total order used by every ordered structure in
// this package: unsigned lexicographic comparison of the raw bytes, with the
// shorter of two equal-prefix keys sorting first.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Entry is a stored (key, value) pair, or a tombstone recording a deletion
// of key. Value is meaningless when Tombstone is true.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// sizeOnDisk is the accounted contribution of an entry's latest value to a
// memtable's AccountedSize: the size of its run-file record (see codec.go)
// without the 4-byte key-length prefix.
func sizeOnDisk(e Entry) int64 {
	if e.Tombstone {
		return int64(len(e.Key)) + 1
	}
	return int64(len(e.Key)) + 1 + 4 + int64(len(e.Value))
}
