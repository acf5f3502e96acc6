// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package shapeconfig holds the typed configuration consumed by the
// shapesync binary's constructors, bound from flags and environment via
// viper rather than read ad hoc from a global.
package shapeconfig

import (
	"errors"
	"fmt"
)

// ErrInvalidWriteUnit is returned by WriteUnitValue.Set for any value
// other than "txn" or "txn_fragment".
var ErrInvalidWriteUnit = errors.New("shapeconfig: write_unit must be \"txn\" or \"txn_fragment\"")

// WriteUnitValue is a pflag.Value-compatible wrapper so
// --default-write-unit can be validated at parse time instead of
// downstream in State.
type WriteUnitValue string

// Set implements pflag.Value.
func (w *WriteUnitValue) Set(s string) error {
	switch s {
	case "txn", "txn_fragment":
		*w = WriteUnitValue(s)
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidWriteUnit, s)
	}
}

// String implements pflag.Value.
func (w WriteUnitValue) String() string {
	if w == "" {
		return "txn_fragment"
	}
	return string(w)
}

// Type implements pflag.Value.
func (w WriteUnitValue) Type() string { return "writeUnit" }

// Config is the top-level configuration for a shapesync process.
// Fields are mapstructure-tagged so viper.Unmarshal can bind them
// directly from flags/env/config file.
type Config struct {
	// DefaultWriteUnit is passed to state.New as state.WithDefaultWriteUnit
	// and is what State.selectWriteUnit assigns to shapes with no
	// dependencies; it never overrides the txn requirement for outer
	// subquery shapes (§4.4).
	DefaultWriteUnit WriteUnitValue `mapstructure:"default_write_unit"`

	// PublicationName is the Postgres logical replication publication the
	// LogCollector subscribes to.
	PublicationName string `mapstructure:"publication_name"`

	// ConnString is the Postgres replication connection string LogCollector
	// dials.
	ConnString string `mapstructure:"conn_string"`

	// ReplicaIdentityCheck, when true, makes the LogCollector refuse to
	// start against a publication whose tables lack a REPLICA IDENTITY
	// sufficient to populate Change.Old on update/delete.
	ReplicaIdentityCheck bool `mapstructure:"replica_identity_check"`

	// BoltPath is the path to the bbolt file backing shape logs and the
	// installation/instance identity bucket.
	BoltPath string `mapstructure:"bolt_path"`

	// HTTPAddr is the address the shape API long-poll handler listens on.
	HTTPAddr string `mapstructure:"http_addr"`

	// ShapesFile points at the JSON shape-set definition InitializeShapes
	// loads at startup. Shape creation's control plane (§4.6) is an
	// external-collaborator concern; this file is the minimal stand-in
	// that lets the binary actually start a shape set.
	ShapesFile string `mapstructure:"shapes_file"`
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.PublicationName == "" {
		return errors.New("shapeconfig: publication_name is required")
	}
	if c.BoltPath == "" {
		return errors.New("shapeconfig: bolt_path is required")
	}
	if c.ConnString == "" {
		return errors.New("shapeconfig: conn_string is required")
	}
	switch c.DefaultWriteUnit {
	case "", "txn", "txn_fragment":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidWriteUnit, c.DefaultWriteUnit)
	}
	return nil
}
