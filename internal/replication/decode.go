// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package replication

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shapesync/shapesync/internal/shape"
)

// decode turns one received wire message into an Event. ok is false for
// messages that carry no dispatchable event (keepalives, and the pgoutput
// Begin marker, which only seeds txnState for the Changes/Commit messages
// that follow it).
func (lc *LogCollector) decode(msg pgproto3.BackendMessage) (shape.Event, bool, error) {
	cd, ok := msg.(*pgproto3.CopyData)
	if !ok {
		return shape.Event{}, false, nil
	}
	if len(cd.Data) == 0 {
		return shape.Event{}, false, nil
	}

	switch cd.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
		if err != nil {
			return shape.Event{}, false, fmt.Errorf("parse keepalive: %w", err)
		}
		lc.lastReceivedLSN = pka.ServerWALEnd
		return shape.Event{}, false, nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
		if err != nil {
			return shape.Event{}, false, fmt.Errorf("parse xlogdata: %w", err)
		}
		lc.lastReceivedLSN = xld.WALStart
		return lc.decodeMessage(xld.WALData)

	default:
		return shape.Event{}, false, nil
	}
}

func (lc *LogCollector) decodeMessage(data []byte) (shape.Event, bool, error) {
	m, err := pglogrepl.Parse(data)
	if err != nil {
		return shape.Event{}, false, fmt.Errorf("parse logical message: %w", err)
	}

	switch v := m.(type) {
	case *pglogrepl.RelationMessage:
		lc.relations[v.RelationID] = v
		rel := shape.Relation{Schema: v.Namespace, Table: v.RelationName}
		return shape.Event{Kind: shape.EventRelation, LSN: lc.txn.commitLSN, Relation: rel}, true, nil

	case *pglogrepl.BeginMessage:
		lc.txn = txnState{commitLSN: v.FinalLSN}
		return shape.Event{}, false, nil

	case *pglogrepl.InsertMessage:
		rel, ok := lc.relations[v.RelationID]
		if !ok {
			return shape.Event{}, false, fmt.Errorf("insert for unknown relation %d", v.RelationID)
		}
		ch, err := lc.buildChange(shape.ChangeInsert, rel, nil, v.Tuple)
		if err != nil {
			return shape.Event{}, false, err
		}
		return lc.changesEvent(ch), true, nil

	case *pglogrepl.UpdateMessage:
		rel, ok := lc.relations[v.RelationID]
		if !ok {
			return shape.Event{}, false, fmt.Errorf("update for unknown relation %d", v.RelationID)
		}
		ch, err := lc.buildChange(shape.ChangeUpdate, rel, v.OldTuple, v.NewTuple)
		if err != nil {
			return shape.Event{}, false, err
		}
		return lc.changesEvent(ch), true, nil

	case *pglogrepl.DeleteMessage:
		rel, ok := lc.relations[v.RelationID]
		if !ok {
			return shape.Event{}, false, fmt.Errorf("delete for unknown relation %d", v.RelationID)
		}
		ch, err := lc.buildChange(shape.ChangeDelete, rel, v.OldTuple, nil)
		if err != nil {
			return shape.Event{}, false, err
		}
		return lc.changesEvent(ch), true, nil

	case *pglogrepl.TruncateMessage:
		var ev shape.Event
		ev.Kind = shape.EventChanges
		ev.LSN = lc.txn.commitLSN
		for _, relID := range v.RelationIDs {
			rel, ok := lc.relations[relID]
			if !ok {
				continue
			}
			ch := shape.Change{Kind: shape.ChangeTruncate, Relation: shape.Relation{Schema: rel.Namespace, Table: rel.RelationName}, OpIndex: lc.txn.opIndex}
			lc.txn.opIndex++
			ev.Changes = append(ev.Changes, ch)
		}
		return ev, true, nil

	case *pglogrepl.CommitMessage:
		commitLSN := lc.txn.commitLSN
		lc.txn = txnState{}
		return shape.Event{Kind: shape.EventCommit, LSN: commitLSN, IsFinal: true}, true, nil

	default:
		// Origin and Type messages carry nothing this core acts on. (A
		// Truncate naming only unknown relations is handled above and
		// yields an EventChanges with no changes.)
		return shape.Event{}, false, nil
	}
}

func (lc *LogCollector) changesEvent(ch shape.Change) shape.Event {
	return shape.Event{Kind: shape.EventChanges, LSN: lc.txn.commitLSN, Changes: []shape.Change{ch}}
}

func (lc *LogCollector) buildChange(kind shape.ChangeKind, rel *pglogrepl.RelationMessage, oldTuple, newTuple *pglogrepl.TupleData) (shape.Change, error) {
	old, err := lc.decodeTuple(rel, oldTuple)
	if err != nil {
		return shape.Change{}, err
	}
	nw, err := lc.decodeTuple(rel, newTuple)
	if err != nil {
		return shape.Change{}, err
	}
	ch := shape.Change{
		Kind:     kind,
		Relation: shape.Relation{Schema: rel.Namespace, Table: rel.RelationName},
		Old:      old,
		New:      nw,
		OpIndex:  lc.txn.opIndex,
	}
	lc.txn.opIndex++
	return ch, nil
}

// decodeTuple converts pgoutput's column-wise wire tuple into the
// map[string]any form Change carries, decoding each column's text-format
// value via pgtype. tuple is nil when the publication's REPLICA IDENTITY
// doesn't supply an old/new row for this operation (§3: "Old is populated
// ... when the publication uses REPLICA IDENTITY FULL").
func (lc *LogCollector) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (map[string]any, error) {
	if tuple == nil {
		return nil, nil
	}
	out := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // NULL
			out[name] = nil
		case 'u':
			// Unchanged TOASTed value: the publication never sent it.
			// Leaving the key absent keeps predicate matching conservative
			// (§4.1) rather than asserting a column value we don't have.
		case 't': // text-format value
			var dst any
			if err := lc.typeMap.Scan(rel.Columns[i].DataType, pgtype.TextFormatCode, col.Data, &dst); err != nil {
				// A column type this build's pgtype.Map has no codec for
				// shouldn't abort the whole transaction's decode; keep
				// the raw wire text instead.
				out[name] = string(col.Data)
				continue
			}
			out[name] = dst
		}
	}
	return out, nil
}
