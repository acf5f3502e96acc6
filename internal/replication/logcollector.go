// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package replication is the one real upstream producer for the core:
// a pgx/pglogrepl-backed LogCollector that turns a Postgres logical
// replication (pgoutput) stream into the Event values the Dispatcher
// consumes. Per §1/§2 this stays a thin external-collaborator shim —
// slot creation, publication DDL, and schema introspection beyond what
// decoding pgoutput strictly requires are out of scope.
package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/shapesync/shapesync/internal/dispatcher"
	"github.com/shapesync/shapesync/internal/partitions"
	"github.com/shapesync/shapesync/internal/shape"
)

const standbyStatusInterval = 10 * time.Second

// LogCollector drives one pgoutput logical replication stream and
// dispatches the events it decodes. It is the Dispatcher's only upstream
// producer (§5: "a single producer's demand token").
type LogCollector struct {
	conn            *pgconn.PgConn
	slotName        string
	publicationName string
	logger          *zap.Logger

	typeMap   *pgtype.Map
	relations map[uint32]*pglogrepl.RelationMessage

	// partitions is the Dispatcher's own partition index (§4.2); Run
	// populates it from pg_inherits each time it decodes a Relation
	// message, so
	// a partition's changes are relabelled as its parent's before the
	// Filter ever sees them.
	partitions *partitions.Partitions

	// txn accumulates the current transaction's commit LSN (taken from the
	// Begin message's final LSN) and op_index counter; decode() uses it to populate Event.LSN and Change.OpIndex
	// before the Dispatcher/Consumer layer does its own offset bookkeeping.
	txn txnState

	lastReceivedLSN pglogrepl.LSN
	ackedLSN        pglogrepl.LSN
}

type txnState struct {
	commitLSN pglogrepl.LSN
	opIndex   uint32
}

// Dial opens a replication-mode connection and starts logical replication
// from startLSN (pglogrepl.LSN(0) to start from the slot's confirmed
// position). The slot and publication must already exist; creating them
// is out of this package's scope. When checkReplicaIdentity is true, Dial
// refuses to start if any table in the publication lacks REPLICA IDENTITY
// FULL, since such a table can never populate Change.Old on update/delete.
func Dial(ctx context.Context, connString, slotName, publicationName string, startLSN pglogrepl.LSN, checkReplicaIdentity bool, logger *zap.Logger) (*LogCollector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("replication: connect: %w", err)
	}

	if checkReplicaIdentity {
		if err := verifyReplicaIdentityFull(ctx, conn, publicationName); err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", publicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, slotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
		Mode:       pglogrepl.LogicalReplication,
	}); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("replication: start replication: %w", err)
	}

	return &LogCollector{
		conn:            conn,
		slotName:        slotName,
		publicationName: publicationName,
		logger:          logger,
		typeMap:         pgtype.NewMap(),
		relations:       make(map[uint32]*pglogrepl.RelationMessage),
		lastReceivedLSN: startLSN,
		ackedLSN:        startLSN,
	}, nil
}

// Close releases the underlying connection.
func (lc *LogCollector) Close(ctx context.Context) error {
	return lc.conn.Close(ctx)
}

// Run is the producer loop: it waits for a unit of Dispatcher demand
// before pulling and decoding the next WAL message, and only advances its
// standby status (which Postgres uses to decide when it may reclaim WAL)
// once Dispatch has accepted the resulting event. Per §5's suspension
// points, this is the one task that blocks on Postgres I/O.
func (lc *LogCollector) Run(ctx context.Context, d *dispatcher.Dispatcher) error {
	lc.partitions = d.Partitions()
	nextStatus := time.Now().Add(standbyStatusInterval)
	// haveDemand is true while a unit of demand has been taken from the
	// Dispatcher and not yet spent on a dispatched event.
	haveDemand := false

	for {
		if time.Now().After(nextStatus) {
			if err := lc.sendStandbyStatus(ctx); err != nil {
				return err
			}
			nextStatus = time.Now().Add(standbyStatusInterval)
		}

		if !haveDemand {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.Demand():
			}
			haveDemand = true
		}

		recvCtx, cancel := context.WithTimeout(ctx, standbyStatusInterval)
		msg, err := lc.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A receive timeout just means it's time to send another
			// standby status and ask again; anything else is fatal.
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("replication: receive: %w", err)
		}

		ev, ok, err := lc.decode(msg)
		if err != nil {
			return fmt.Errorf("replication: decode: %w", err)
		}
		if !ok {
			// A keepalive or a message kind the Dispatcher never sees
			// (e.g. the pgoutput Begin marker, folded into the first
			// EventChanges' LSN) consumed no demand; ask again.
			continue
		}

		if ev.Kind == shape.EventRelation {
			parent, err := lc.discoverPartitionParent(ctx, ev.Relation)
			if err != nil {
				return err
			}
			ev.ParentRelation = parent
			lc.partitions.Observe(ev.Relation, parent)
		}

		if err := d.Dispatch(ev); err != nil {
			return fmt.Errorf("replication: dispatch: %w", err)
		}
		haveDemand = false
		lc.ackedLSN = lc.lastReceivedLSN
	}
}

// verifyReplicaIdentityFull queries pg_publication_tables/pg_class over
// the same replication-mode connection (logical replication connections
// accept simple-protocol catalog queries in addition to replication
// commands) and rejects any published table whose REPLICA IDENTITY isn't
// 'f' (FULL), the only setting that gives Change.Old a populated row on
// update/delete.
func verifyReplicaIdentityFull(ctx context.Context, conn *pgconn.PgConn, publicationName string) error {
	escaped := strings.ReplaceAll(publicationName, "'", "''")
	query := fmt.Sprintf(`
		SELECT c.relname, c.relreplident
		FROM pg_publication_tables pt
		JOIN pg_namespace n ON n.nspname = pt.schemaname
		JOIN pg_class c ON c.relnamespace = n.oid AND c.relname = pt.tablename
		WHERE pt.pubname = '%s'`, escaped)

	results, err := conn.Exec(ctx, query).ReadAll()
	if err != nil {
		return fmt.Errorf("replication: check replica identity: %w", err)
	}

	var insufficient []string
	for _, res := range results {
		for _, row := range res.Rows {
			relname, replident := string(row[0]), string(row[1])
			if replident != "f" {
				insufficient = append(insufficient, relname)
			}
		}
	}
	if len(insufficient) > 0 {
		return fmt.Errorf("replication: publication %s has tables without REPLICA IDENTITY FULL: %s",
			publicationName, strings.Join(insufficient, ", "))
	}
	return nil
}

// discoverPartitionParent queries pg_inherits over the same replication
// connection used by verifyReplicaIdentityFull to find rel's logical
// parent, if any. pg_inherits carries one row per (partition, parent)
// pair; a relation with no row is not a partition and the zero Relation is
// returned.
func (lc *LogCollector) discoverPartitionParent(ctx context.Context, rel shape.Relation) (shape.Relation, error) {
	schema := strings.ReplaceAll(rel.Schema, "'", "''")
	table := strings.ReplaceAll(rel.Table, "'", "''")
	query := fmt.Sprintf(`
		SELECT pn.nspname, pc.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_class pc ON pc.oid = i.inhparent
		JOIN pg_namespace pn ON pn.oid = pc.relnamespace
		WHERE n.nspname = '%s' AND c.relname = '%s'`, schema, table)

	results, err := lc.conn.Exec(ctx, query).ReadAll()
	if err != nil {
		return shape.Relation{}, fmt.Errorf("replication: discover partition parent: %w", err)
	}
	for _, res := range results {
		for _, row := range res.Rows {
			return shape.Relation{Schema: string(row[0]), Table: string(row[1])}, nil
		}
	}
	return shape.Relation{}, nil
}

func (lc *LogCollector) sendStandbyStatus(ctx context.Context) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, lc.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lc.ackedLSN,
		WALFlushPosition: lc.ackedLSN,
		WALApplyPosition: lc.ackedLSN,
	})
}
