// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package shapeconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesync/shapesync/internal/shapeconfig"
)

func TestWriteUnitValue_Set(t *testing.T) {
	var w shapeconfig.WriteUnitValue

	require.NoError(t, w.Set("txn"))
	require.Equal(t, "txn", w.String())

	require.NoError(t, w.Set("txn_fragment"))
	require.Equal(t, "txn_fragment", w.String())

	err := w.Set("bogus")
	require.ErrorIs(t, err, shapeconfig.ErrInvalidWriteUnit)
}

func TestWriteUnitValue_StringDefaultsWhenEmpty(t *testing.T) {
	var w shapeconfig.WriteUnitValue
	require.Equal(t, "txn_fragment", w.String())
}

func TestConfig_Validate(t *testing.T) {
	var tests = []struct {
		name    string
		cfg     shapeconfig.Config
		wantErr bool
	}{
		{
			name:    "missing publication name",
			cfg:     shapeconfig.Config{BoltPath: "/tmp/x.db"},
			wantErr: true,
		},
		{
			name:    "missing bolt path",
			cfg:     shapeconfig.Config{PublicationName: "shapesync", ConnString: "postgres://x"},
			wantErr: true,
		},
		{
			name:    "missing conn string",
			cfg:     shapeconfig.Config{PublicationName: "shapesync", BoltPath: "/tmp/x.db"},
			wantErr: true,
		},
		{
			name:    "invalid write unit",
			cfg:     shapeconfig.Config{PublicationName: "shapesync", BoltPath: "/tmp/x.db", ConnString: "postgres://x", DefaultWriteUnit: "bogus"},
			wantErr: true,
		},
		{
			name:    "valid",
			cfg:     shapeconfig.Config{PublicationName: "shapesync", BoltPath: "/tmp/x.db", ConnString: "postgres://x"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
