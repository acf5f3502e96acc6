// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package storagelog implements the Storage contract from spec §4.7: an
// append-only per-shape log keyed by (txn_lsn, op_index) offsets, with an
// atomic "committed" watermark. It is backed by bbolt, one nested bucket
// per shape, so bolt's native byte-ordered keys give offset order for free
// and a bolt transaction gives append+watermark atomicity without a
// separate write-ahead log.
package storagelog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.etcd.io/bbolt"

	"github.com/shapesync/shapesync/internal/shape"
)

var (
	shapesBucket = []byte("shapes")
	latestKey    = []byte("_latest")
	committedKey = []byte("_committed")
)

// ErrAppendFailed wraps any storage-level failure from Append or
// AppendAndCommit. Per §7 it is fatal to the calling consumer, which
// crashes and replays the transaction from its start on restart.
var ErrAppendFailed = errors.New("storagelog: append failed")

// Entry pairs a change with the offset the caller has already assigned it.
// Offsets are assigned by the consumer, which alone knows the transaction's
// commit LSN and the running op_index within it; Storage only enforces
// that offsets strictly increase.
type Entry struct {
	Offset shape.Offset
	Change shape.Change
}

// Store is a durable, per-shape append-only log.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt-backed Store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storagelog: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(shapesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storagelog: init %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bbolt handle so other components backed by
// the same file (the installation identity bucket) can share one set of
// file locks instead of opening the path twice.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

func offsetKey(o shape.Offset) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], uint64(o.TxnLSN))
	binary.BigEndian.PutUint32(b[8:12], o.OpIndex)
	return b
}

func decodeOffsetKey(b []byte) shape.Offset {
	return shape.Offset{
		TxnLSN:  pglogrepl.LSN(binary.BigEndian.Uint64(b[0:8])),
		OpIndex: binary.BigEndian.Uint32(b[8:12]),
	}
}

// Append writes entries to handle's log, advancing latest_offset. It does
// not advance latest_committed_offset; callers that need both in one
// atomic step (the txn write unit, on commit) should use AppendAndCommit.
func (s *Store) Append(handle shape.Handle, entries []Entry) (shape.Offset, error) {
	return s.appendTx(handle, entries, false)
}

// AppendAndCommit appends entries and advances latest_committed_offset to
// the last entry's offset in the same bolt transaction.
func (s *Store) AppendAndCommit(handle shape.Handle, entries []Entry) (shape.Offset, error) {
	return s.appendTx(handle, entries, true)
}

func (s *Store) appendTx(handle shape.Handle, entries []Entry, commit bool) (shape.Offset, error) {
	var newLatest shape.Offset
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(shapesBucket)
		b, err := root.CreateBucketIfNotExists([]byte(handle))
		if err != nil {
			return err
		}

		prev, havePrev := readOffset(b, latestKey)
		for _, e := range entries {
			if havePrev && !prev.Less(e.Offset) {
				return fmt.Errorf("offset %s for shape %s did not advance past %s", e.Offset, handle, prev)
			}
			raw, err := json.Marshal(e.Change)
			if err != nil {
				return err
			}
			if err := b.Put(offsetKey(e.Offset), raw); err != nil {
				return err
			}
			prev, havePrev = e.Offset, true
		}
		if len(entries) == 0 && !havePrev {
			return nil
		}
		if err := writeOffset(b, latestKey, prev); err != nil {
			return err
		}
		newLatest = prev
		if commit {
			if err := writeOffset(b, committedKey, prev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return shape.Offset{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return newLatest, nil
}

// Commit atomically advances handle's committed watermark to upto. It is
// idempotent: committing the same (or an already-passed) offset twice is a
// no-op, never an error.
func (s *Store) Commit(handle shape.Handle, upto shape.Offset) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(shapesBucket)
		b, err := root.CreateBucketIfNotExists([]byte(handle))
		if err != nil {
			return err
		}
		cur, ok := readOffset(b, committedKey)
		if ok && !cur.Less(upto) {
			return nil // already at or past upto: idempotent no-op
		}
		return writeOffset(b, committedKey, upto)
	})
}

// FetchLatestOffset returns the last offset appended for handle.
func (s *Store) FetchLatestOffset(handle shape.Handle) (shape.Offset, bool, error) {
	return s.fetchOffset(handle, latestKey)
}

// FetchLatestCommittedOffset returns the last offset committed for handle.
func (s *Store) FetchLatestCommittedOffset(handle shape.Handle) (shape.Offset, bool, error) {
	return s.fetchOffset(handle, committedKey)
}

func (s *Store) fetchOffset(handle shape.Handle, key []byte) (shape.Offset, bool, error) {
	var off shape.Offset
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(shapesBucket)
		b := root.Bucket([]byte(handle))
		if b == nil {
			return nil
		}
		off, ok = readOffset(b, key)
		return nil
	})
	return off, ok, err
}

func readOffset(b *bbolt.Bucket, key []byte) (shape.Offset, bool) {
	v := b.Get(key)
	if v == nil {
		return shape.Offset{}, false
	}
	return decodeOffsetKey(v), true
}

func writeOffset(b *bbolt.Bucket, key []byte, o shape.Offset) error {
	return b.Put(key, offsetKey(o))
}

// Read yields, in offset order, every change in handle's log with an
// offset strictly greater than from and less than or equal to to (the zero
// Offset for to means "no upper bound"). It is lazy (driven by a bolt
// cursor) and restartable (a fresh call with the same arguments replays the
// same sequence), matching the external Storage contract.
func (s *Store) Read(handle shape.Handle, from, to shape.Offset, fn func(shape.Offset, shape.Change) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(shapesBucket)
		b := root.Bucket([]byte(handle))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(offsetKey(shape.Offset{TxnLSN: from.TxnLSN, OpIndex: from.OpIndex + 1})); k != nil; k, v = c.Next() {
			if isMetaKey(k) {
				continue
			}
			off := decodeOffsetKey(k)
			if !from.Less(off) {
				continue
			}
			if to != (shape.Offset{}) && to.Less(off) {
				break
			}
			var ch shape.Change
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			if err := fn(off, ch); err != nil {
				return err
			}
		}
		return nil
	})
}

func isMetaKey(k []byte) bool {
	return len(k) != 12
}
