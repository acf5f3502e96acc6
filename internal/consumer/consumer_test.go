// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package consumer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shapesync/shapesync/internal/consumer"
	"github.com/shapesync/shapesync/internal/dispatcher"
	"github.com/shapesync/shapesync/internal/filter"
	"github.com/shapesync/shapesync/internal/materializer"
	"github.com/shapesync/shapesync/internal/partitions"
	"github.com/shapesync/shapesync/internal/shape"
	"github.com/shapesync/shapesync/internal/storagelog"
)

func openStore(t *testing.T) *storagelog.Store {
	t.Helper()
	store, err := storagelog.Open(filepath.Join(t.TempDir(), "shapesync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSubscription(t *testing.T, d *dispatcher.Dispatcher, token shape.SubscriberToken, s shape.Shape) *dispatcher.Subscription {
	t.Helper()
	sub, err := d.Subscribe(token, s)
	require.NoError(t, err)
	return sub
}

func runConsumer(t *testing.T, c *consumer.Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestConsumer_TxnWriteUnit_BuffersUntilCommit(t *testing.T) {
	f, p := filter.New(), partitions.New()
	d := dispatcher.New(f, p)
	rel := shape.Relation{Schema: "public", Table: "orders"}
	s := shape.Shape{Handle: "h1", Relation: rel}
	token := shape.SubscriberToken{PID: "h1"}
	sub := newSubscription(t, d, token, s)
	store := openStore(t)

	c := consumer.New(consumer.Config{
		Token: token, Shape: s, WriteUnit: consumer.Txn,
		Store: store, Dispatcher: d, Sub: sub,
	})
	cancel, done := runConsumer(t, c)
	defer cancel()

	sub.Events <- shape.Event{Kind: shape.EventChanges, LSN: 10, Changes: []shape.Change{
		{Kind: shape.ChangeInsert, Relation: rel, New: map[string]any{"id": "1"}},
	}}

	// Nothing durable until commit.
	_, ok, err := store.FetchLatestOffset("h1")
	require.NoError(t, err)
	require.False(t, ok)

	sub.Events <- shape.Event{Kind: shape.EventCommit, LSN: 10}

	require.Eventually(t, func() bool {
		off, ok, err := store.FetchLatestCommittedOffset("h1")
		return err == nil && ok && off == shape.Offset{TxnLSN: 10, OpIndex: 0}
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumer_TxnFragmentWriteUnit_WritesImmediatelyCommitsSeparately(t *testing.T) {
	f, p := filter.New(), partitions.New()
	d := dispatcher.New(f, p)
	rel := shape.Relation{Schema: "public", Table: "orders"}
	s := shape.Shape{Handle: "h1", Relation: rel}
	token := shape.SubscriberToken{PID: "h1"}
	sub := newSubscription(t, d, token, s)
	store := openStore(t)

	c := consumer.New(consumer.Config{
		Token: token, Shape: s, WriteUnit: consumer.TxnFragment,
		Store: store, Dispatcher: d, Sub: sub,
	})
	cancel, done := runConsumer(t, c)
	defer cancel()

	sub.Events <- shape.Event{Kind: shape.EventChanges, LSN: 20, Changes: []shape.Change{
		{Kind: shape.ChangeInsert, Relation: rel, New: map[string]any{"id": "1"}},
	}}

	require.Eventually(t, func() bool {
		off, ok, err := store.FetchLatestOffset("h1")
		return err == nil && ok && off == shape.Offset{TxnLSN: 20, OpIndex: 0}
	}, time.Second, 5*time.Millisecond)

	_, ok, err := store.FetchLatestCommittedOffset("h1")
	require.NoError(t, err)
	require.False(t, ok, "fragment writes must not advance the committed watermark")

	sub.Events <- shape.Event{Kind: shape.EventCommit, LSN: 20}

	require.Eventually(t, func() bool {
		off, ok, err := store.FetchLatestCommittedOffset("h1")
		return err == nil && ok && off == shape.Offset{TxnLSN: 20, OpIndex: 0}
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumer_InnerShape_FeedsMaterializerOnCommit(t *testing.T) {
	f, p := filter.New(), partitions.New()
	d := dispatcher.New(f, p)
	rel := shape.Relation{Schema: "public", Table: "line_items"}
	s := shape.Shape{Handle: "inner", Relation: rel}
	token := shape.SubscriberToken{PID: "inner"}
	sub := newSubscription(t, d, token, s)
	store := openStore(t)

	mat := materializer.New(func(t map[string]any) string { return t["id"].(string) }, "order_id")

	c := consumer.New(consumer.Config{
		Token: token, Shape: s, WriteUnit: consumer.Txn,
		Store: store, Dispatcher: d, Sub: sub, Materializer: mat,
	})
	cancel, done := runConsumer(t, c)
	defer cancel()

	ctx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	waitDone := make(chan struct{})
	var snap materializer.Snapshot
	go func() {
		defer close(waitDone)
		var err error
		snap, _, err = mat.WaitCommitted(ctx, shape.Offset{TxnLSN: 30})
		require.NoError(t, err)
	}()

	sub.Events <- shape.Event{Kind: shape.EventChanges, LSN: 30, Changes: []shape.Change{
		{Kind: shape.ChangeInsert, Relation: rel, New: map[string]any{"id": "li1", "order_id": "o1"}},
	}}
	sub.Events <- shape.Event{Kind: shape.EventCommit, LSN: 30}

	<-waitDone
	require.True(t, snap.JoinValues["o1"])

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumer_OuterSubqueryShape_ConvertsAgainstDependencySnapshot(t *testing.T) {
	f, p := filter.New(), partitions.New()
	d := dispatcher.New(f, p)
	outerRel := shape.Relation{Schema: "public", Table: "orders"}
	inner := materializer.New(func(t map[string]any) string { return t["id"].(string) }, "x_id")

	s := shape.Shape{
		Handle:       "outer",
		Relation:     outerRel,
		Predicate:    "y_id IN (SELECT x_id FROM inner_shape)",
		Dependencies: []shape.Handle{"inner"},
	}
	token := shape.SubscriberToken{PID: "outer"}
	sub := newSubscription(t, d, token, s)
	store := openStore(t)

	c := consumer.New(consumer.Config{
		Token: token, Shape: s, WriteUnit: consumer.Txn,
		Store: store, Dispatcher: d, Sub: sub,
		Dependencies: []consumer.Dependency{
			{Handle: "inner", Materializer: inner, JoinColumn: "y_id"},
		},
	})
	cancel, done := runConsumer(t, c)
	defer cancel()

	// The outer transaction's commit must block until the inner shape has
	// materialized the same LSN.
	sub.Events <- shape.Event{Kind: shape.EventChanges, LSN: 40, Changes: []shape.Change{
		{Kind: shape.ChangeInsert, Relation: outerRel, New: map[string]any{"id": "o1", "y_id": "5"}},
		{Kind: shape.ChangeInsert, Relation: outerRel, New: map[string]any{"id": "o2", "y_id": "9"}},
	}}
	sub.Events <- shape.Event{Kind: shape.EventCommit, LSN: 40}

	// Give the consumer goroutine a chance to reach WaitCommitted and
	// confirm it has NOT yet written anything (still waiting on "inner").
	time.Sleep(30 * time.Millisecond)
	_, ok, err := store.FetchLatestCommittedOffset("outer")
	require.NoError(t, err)
	require.False(t, ok)

	inner.HandleChanges([]shape.Change{
		{Kind: shape.ChangeInsert, New: map[string]any{"id": "li1", "x_id": "5"}},
	}, true, shape.Offset{TxnLSN: 40, OpIndex: 0})

	require.Eventually(t, func() bool {
		_, ok, err := store.FetchLatestCommittedOffset("outer")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	var got []shape.Change
	err = store.Read("outer", shape.Offset{}, shape.Offset{}, func(_ shape.Offset, ch shape.Change) error {
		got = append(got, ch)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1, "only the row matching the inner shape's join value should survive conversion")
	require.Equal(t, "o1", got[0].New["id"])

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
