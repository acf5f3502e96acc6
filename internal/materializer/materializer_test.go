// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package materializer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shapesync/shapesync/internal/materializer"
	"github.com/shapesync/shapesync/internal/shape"
)

func pkByID(tuple map[string]any) string {
	if tuple == nil {
		return ""
	}
	return tuple["id"].(string)
}

func TestHandleChanges_CommitFalseNeverObservable(t *testing.T) {
	m := materializer.New(pkByID, "x_id")
	_, sub, err := m.Subscribe(shape.SubscriberToken{PID: "outer"}, shape.Offset{})
	require.NoError(t, err)

	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "1", "x_id": "5"}},
	}, false, shape.Offset{})

	select {
	case <-sub.Deltas:
		t.Fatal("uncommitted change must not notify subscribers")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHandleChanges_CommitTrueAppliesPendingAndNotifies(t *testing.T) {
	m := materializer.New(pkByID, "x_id")
	_, sub, err := m.Subscribe(shape.SubscriberToken{PID: "outer"}, shape.Offset{})
	require.NoError(t, err)

	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "1", "x_id": "5"}},
	}, false, shape.Offset{})
	m.HandleChanges(nil, true, shape.Offset{TxnLSN: 10, OpIndex: 1})

	select {
	case delta := <-sub.Deltas:
		require.ElementsMatch(t, []string{"5"}, delta.Entered)
		require.Empty(t, delta.Left)
	case <-time.After(time.Second):
		t.Fatal("expected a delta notification")
	}
}

func TestHandleChanges_DeleteProducesLeftDelta(t *testing.T) {
	m := materializer.New(pkByID, "x_id")
	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "1", "x_id": "5"}},
	}, true, shape.Offset{TxnLSN: 1})

	_, sub, err := m.Subscribe(shape.SubscriberToken{PID: "outer"}, shape.Offset{})
	require.NoError(t, err)

	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeDelete, Old: map[string]any{"id": "1", "x_id": "5"}},
	}, true, shape.Offset{TxnLSN: 2})

	select {
	case delta := <-sub.Deltas:
		require.Empty(t, delta.Entered)
		require.ElementsMatch(t, []string{"5"}, delta.Left)
	case <-time.After(time.Second):
		t.Fatal("expected a delta notification")
	}
}

func TestHandleChanges_DuplicateJoinValueDoesNotLeaveUntilLastRowGone(t *testing.T) {
	m := materializer.New(pkByID, "x_id")
	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "1", "x_id": "5"}},
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "2", "x_id": "5"}},
	}, true, shape.Offset{TxnLSN: 1})

	_, sub, err := m.Subscribe(shape.SubscriberToken{PID: "outer"}, shape.Offset{})
	require.NoError(t, err)

	// Deleting one of the two rows sharing x_id=5 must not emit a "left"
	// delta, since the join value is still present via the other row.
	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeDelete, Old: map[string]any{"id": "1", "x_id": "5"}},
	}, true, shape.Offset{TxnLSN: 2})

	select {
	case delta := <-sub.Deltas:
		t.Fatalf("unexpected delta %+v", delta)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWaitCommitted_BlocksUntilTargetLSNCommitted(t *testing.T) {
	m := materializer.New(pkByID, "x_id")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		snap, delta, err := m.WaitCommitted(ctx, shape.Offset{TxnLSN: 10})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"5"}, delta.Entered)
		require.True(t, snap.JoinValues["5"])
	}()

	time.Sleep(20 * time.Millisecond)
	m.HandleChanges([]shape.Change{
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "1", "x_id": "5"}},
	}, true, shape.Offset{TxnLSN: 10, OpIndex: 3})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitCommitted did not return after the target commit")
	}
}

func TestWaitCommitted_ContextCancelledBeforeCommit(t *testing.T) {
	m := materializer.New(pkByID, "x_id")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := m.WaitCommitted(ctx, shape.Offset{TxnLSN: 99})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_RejectsNonCommittedOffset(t *testing.T) {
	m := materializer.New(pkByID, "x_id")
	m.HandleChanges(nil, true, shape.Offset{TxnLSN: 5})

	_, _, err := m.Subscribe(shape.SubscriberToken{PID: "outer"}, shape.Offset{TxnLSN: 10})
	require.ErrorIs(t, err, materializer.ErrOffsetNotCommitted)

	snap, _, err := m.Subscribe(shape.SubscriberToken{PID: "outer2"}, shape.Offset{TxnLSN: 5})
	require.NoError(t, err)
	require.Equal(t, shape.Offset{TxnLSN: 5}, snap.CommittedOffset)
}
