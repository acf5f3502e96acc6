// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package storagelog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesync/shapesync/internal/shape"
	"github.com/shapesync/shapesync/internal/storagelog"
)

func openTestStore(t *testing.T) *storagelog.Store {
	t.Helper()
	store, err := storagelog.Open(filepath.Join(t.TempDir(), "shapes.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestAppend_AdvancesLatestOffsetNotCommitted(t *testing.T) {
	s := openTestStore(t)
	const handle = shape.Handle("h1")

	latest, err := s.Append(handle, []storagelog.Entry{
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 0}, Change: shape.Change{Kind: shape.ChangeInsert}},
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 1}, Change: shape.Change{Kind: shape.ChangeInsert}},
	})
	require.NoError(t, err)
	require.Equal(t, shape.Offset{TxnLSN: 1, OpIndex: 1}, latest)

	got, ok, err := s.FetchLatestOffset(handle)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, latest, got)

	_, ok, err = s.FetchLatestCommittedOffset(handle)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppend_RejectsNonIncreasingOffset(t *testing.T) {
	s := openTestStore(t)
	const handle = shape.Handle("h1")

	_, err := s.Append(handle, []storagelog.Entry{{Offset: shape.Offset{TxnLSN: 1, OpIndex: 5}}})
	require.NoError(t, err)

	_, err = s.Append(handle, []storagelog.Entry{{Offset: shape.Offset{TxnLSN: 1, OpIndex: 5}}})
	require.ErrorIs(t, err, storagelog.ErrAppendFailed)
}

func TestCommit_IdempotentAndMonotonic(t *testing.T) {
	s := openTestStore(t)
	const handle = shape.Handle("h1")

	_, err := s.Append(handle, []storagelog.Entry{
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 0}},
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 1}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Commit(handle, shape.Offset{TxnLSN: 1, OpIndex: 1}))
	committed, ok, err := s.FetchLatestCommittedOffset(handle)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, shape.Offset{TxnLSN: 1, OpIndex: 1}, committed)

	// Idempotent: committing the same offset again is a no-op, not an error.
	require.NoError(t, s.Commit(handle, shape.Offset{TxnLSN: 1, OpIndex: 1}))
	// Committing an already-passed offset is also a no-op.
	require.NoError(t, s.Commit(handle, shape.Offset{TxnLSN: 1, OpIndex: 0}))

	committed2, _, err := s.FetchLatestCommittedOffset(handle)
	require.NoError(t, err)
	require.Equal(t, committed, committed2)
}

func TestAppendAndCommit_AtomicWithAppend(t *testing.T) {
	s := openTestStore(t)
	const handle = shape.Handle("h1")

	latest, err := s.AppendAndCommit(handle, []storagelog.Entry{
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 0}, Change: shape.Change{Kind: shape.ChangeInsert}},
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 1}, Change: shape.Change{Kind: shape.ChangeInsert}},
	})
	require.NoError(t, err)

	committed, ok, err := s.FetchLatestCommittedOffset(handle)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, latest, committed)
}

func TestRead_YieldsInOffsetOrderAndIsRestartable(t *testing.T) {
	s := openTestStore(t)
	const handle = shape.Handle("h1")

	_, err := s.Append(handle, []storagelog.Entry{
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 0}, Change: shape.Change{Kind: shape.ChangeInsert, OpIndex: 0}},
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 1}, Change: shape.Change{Kind: shape.ChangeInsert, OpIndex: 1}},
		{Offset: shape.Offset{TxnLSN: 2, OpIndex: 0}, Change: shape.Change{Kind: shape.ChangeInsert, OpIndex: 0}},
	})
	require.NoError(t, err)

	read := func() []shape.Offset {
		var offsets []shape.Offset
		require.NoError(t, s.Read(handle, shape.Offset{}, shape.Offset{}, func(off shape.Offset, c shape.Change) error {
			offsets = append(offsets, off)
			return nil
		}))
		return offsets
	}

	want := []shape.Offset{
		{TxnLSN: 1, OpIndex: 0},
		{TxnLSN: 1, OpIndex: 1},
		{TxnLSN: 2, OpIndex: 0},
	}
	require.Equal(t, want, read())
	require.Equal(t, want, read(), "Read must be restartable")
}

func TestRead_BoundedByFromAndTo(t *testing.T) {
	s := openTestStore(t)
	const handle = shape.Handle("h1")

	_, err := s.Append(handle, []storagelog.Entry{
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 0}},
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 1}},
		{Offset: shape.Offset{TxnLSN: 1, OpIndex: 2}},
	})
	require.NoError(t, err)

	var offsets []shape.Offset
	err = s.Read(handle, shape.Offset{TxnLSN: 1, OpIndex: 0}, shape.Offset{TxnLSN: 1, OpIndex: 1}, func(off shape.Offset, c shape.Change) error {
		offsets = append(offsets, off)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []shape.Offset{{TxnLSN: 1, OpIndex: 1}}, offsets)
}

func TestRead_UnknownShapeYieldsNothing(t *testing.T) {
	s := openTestStore(t)
	var offsets []shape.Offset
	err := s.Read("missing", shape.Offset{}, shape.Offset{}, func(off shape.Offset, c shape.Change) error {
		offsets = append(offsets, off)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, offsets)
}
