// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package installation_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/shapesync/shapesync/internal/installation"
)

func openDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "meta.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoad_FirstRunInstanceEqualsInstallation(t *testing.T) {
	db := openDB(t)

	id, err := installation.Load(db)
	require.NoError(t, err)
	require.NotEqual(t, [16]byte{}, [16]byte(id.InstallationID))
	require.Equal(t, id.InstallationID, id.InstanceID)
}

func TestLoad_SubsequentRunsKeepInstallationButMintNewInstance(t *testing.T) {
	db := openDB(t)

	first, err := installation.Load(db)
	require.NoError(t, err)

	second, err := installation.Load(db)
	require.NoError(t, err)

	require.Equal(t, first.InstallationID, second.InstallationID)
	require.NotEqual(t, first.InstanceID, second.InstanceID)
	require.NotEqual(t, second.InstallationID, second.InstanceID)
}
