package lsm

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Record tags for the run-file entries section.
const (
	tagTombstone byte = 0
	tagPresent   byte = 1
)

// writeRecord writes one entries-section record:
// u32 key_len | key_bytes | u8 tag | (u32 val_len | val_bytes)?
func writeRecord(w io.Writer, e Entry) (int64, error) {
	var n int64
	if err := writeUint32(w, uint32(len(e.Key))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(e.Key); err != nil {
		return n, errors.Wrap(err, "write key")
	}
	n += int64(len(e.Key))

	if e.Tombstone {
		if _, err := w.Write([]byte{tagTombstone}); err != nil {
			return n, errors.Wrap(err, "write tombstone tag")
		}
		n++
		return n, nil
	}

	if _, err := w.Write([]byte{tagPresent}); err != nil {
		return n, errors.Wrap(err, "write present tag")
	}
	n++
	if err := writeUint32(w, uint32(len(e.Value))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(e.Value); err != nil {
		return n, errors.Wrap(err, "write value")
	}
	n += int64(len(e.Value))
	return n, nil
}

// readRecordAt decodes one record starting at the current reader position.
func readRecordAt(r io.Reader) (Entry, int64, error) {
	var n int64
	keyLen, err := readUint32(r)
	if err != nil {
		return Entry{}, n, err
	}
	n += 4
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Entry{}, n, errors.Wrap(ErrCorrupt, err.Error())
	}
	n += int64(keyLen)

	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Entry{}, n, errors.Wrap(ErrCorrupt, err.Error())
	}
	n++

	switch tagBuf[0] {
	case tagTombstone:
		return Entry{Key: key, Tombstone: true}, n, nil
	case tagPresent:
		valLen, err := readUint32(r)
		if err != nil {
			return Entry{}, n, errors.Wrap(ErrCorrupt, err.Error())
		}
		n += 4
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return Entry{}, n, errors.Wrap(ErrCorrupt, err.Error())
		}
		n += int64(valLen)
		return Entry{Key: key, Value: val}, n, nil
	default:
		return Entry{}, n, errors.Wrapf(ErrCorrupt, "unknown tag byte %d", tagBuf[0])
	}
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "write u32")
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "write u64")
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
