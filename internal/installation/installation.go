// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package installation manages the two identities a shapesync process
// persists across restarts (§6 "Persisted state"): a stable Installation
// ID minted once and never regenerated, and a fresh Instance ID minted on
// every process start. They share the same bbolt file as the shape logs,
// in a dedicated "_meta" bucket, read and written with bbolt's own bucket
// Get/Put.
package installation

import (
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	metaBucket      = []byte("_meta")
	installationKey = []byte("installation_id")
)

// Identity is the pair of IDs a process reports for the lifetime of one
// run.
type Identity struct {
	InstallationID uuid.UUID
	InstanceID     uuid.UUID
}

// Load reads the Installation ID from db, minting and persisting one if
// this is the first run, and always mints a fresh Instance ID. On a
// process's very first run, InstanceID equals InstallationID.
func Load(db *bbolt.DB) (Identity, error) {
	var id Identity
	firstRun := false

	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		raw := b.Get(installationKey)
		if raw != nil {
			installationID, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("installation: corrupt installation id: %w", err)
			}
			id.InstallationID = installationID
			return nil
		}

		installationID, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("installation: generating installation id: %w", err)
		}
		if err := b.Put(installationKey, installationID[:]); err != nil {
			return err
		}
		id.InstallationID = installationID
		firstRun = true
		return nil
	})
	if err != nil {
		return Identity{}, err
	}

	if firstRun {
		id.InstanceID = id.InstallationID
		return id, nil
	}

	instanceID, err := uuid.NewRandom()
	if err != nil {
		return Identity{}, fmt.Errorf("installation: generating instance id: %w", err)
	}
	id.InstanceID = instanceID
	return id, nil
}
