// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shapesync/shapesync/internal/materializer"
	"github.com/shapesync/shapesync/internal/shape"
	"github.com/shapesync/shapesync/internal/state"
)

// shapeFileEntry is the JSON-on-disk form of one state.ShapeDef. Shape
// creation's real control plane is an external-collaborator concern (§4.6
// names the Registry's responsibilities, not how a shape request arrives);
// this file is the minimal stand-in that lets the binary start a
// reproducible shape set without one.
type shapeFileEntry struct {
	Handle             string            `json:"handle"`
	Schema             string            `json:"schema"`
	Table              string            `json:"table"`
	Predicate          string            `json:"predicate"`
	Dependencies       []string          `json:"dependencies"`
	PrimaryKeyColumn   string            `json:"primary_key_column"`
	InnerJoinColumn    string            `json:"inner_join_column"`
	JoinColumnByParent map[string]string `json:"join_column_by_dependency"`
}

func loadShapeDefs(path string) ([]state.ShapeDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shapes file: %w", err)
	}

	var entries []shapeFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse shapes file %s: %w", path, err)
	}

	defs := make([]state.ShapeDef, 0, len(entries))
	for _, e := range entries {
		deps := make([]shape.Handle, 0, len(e.Dependencies))
		for _, d := range e.Dependencies {
			deps = append(deps, shape.Handle(d))
		}

		joinColumn := make(map[shape.Handle]string, len(e.JoinColumnByParent))
		for parent, col := range e.JoinColumnByParent {
			joinColumn[shape.Handle(parent)] = col
		}

		def := state.ShapeDef{
			Shape: shape.Shape{
				Handle:       shape.Handle(e.Handle),
				Relation:     shape.Relation{Schema: e.Schema, Table: e.Table},
				Predicate:    e.Predicate,
				Dependencies: deps,
			},
			InnerJoinColumn: e.InnerJoinColumn,
			JoinColumn:      joinColumn,
		}
		if e.PrimaryKeyColumn != "" {
			def.PKOf = columnPrimaryKey(e.PrimaryKeyColumn)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// columnPrimaryKey builds the PrimaryKeyFunc every JSON-defined shape uses:
// the stringified value of one named column. Shapes with composite or
// computed keys aren't expressible from the config file and need a
// hand-written ShapeDef.
func columnPrimaryKey(column string) materializer.PrimaryKeyFunc {
	return func(tuple map[string]any) string {
		return fmt.Sprint(tuple[column])
	}
}
