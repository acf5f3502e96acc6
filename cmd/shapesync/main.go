// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Command shapesync runs one shape dispatch and consumption core: it
// subscribes to a Postgres logical replication publication, fans decoded
// changes out to the configured shape set, and serves each shape's
// committed log over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shapesync/shapesync/internal/consumer"
	"github.com/shapesync/shapesync/internal/dispatcher"
	"github.com/shapesync/shapesync/internal/filter"
	"github.com/shapesync/shapesync/internal/installation"
	"github.com/shapesync/shapesync/internal/partitions"
	"github.com/shapesync/shapesync/internal/replication"
	"github.com/shapesync/shapesync/internal/shapeapi"
	"github.com/shapesync/shapesync/internal/shapeconfig"
	"github.com/shapesync/shapesync/internal/state"
	"github.com/shapesync/shapesync/internal/storagelog"
	"github.com/shapesync/shapesync/internal/super"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SHAPESYNC")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "shapesync",
		Short:         "Run the shape dispatch and consumption core against a Postgres logical replication slot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg shapeconfig.Config
			if err := v.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("unmarshal config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("publication-name", "shapesync", "Postgres logical replication publication and slot name to subscribe to")
	flags.String("conn-string", "", "Postgres replication connection string")
	flags.String("bolt-path", "shapesync.db", "path to the bbolt file backing shape logs and installation identity")
	flags.String("http-addr", ":8080", "address the shape API listens on")
	flags.String("shapes-file", "", "path to a JSON shape-set definition to initialize at startup")
	flags.Bool("replica-identity-check", false, "refuse to start if the publication's tables lack sufficient REPLICA IDENTITY")
	var defaultWriteUnit shapeconfig.WriteUnitValue
	flags.Var(&defaultWriteUnit, "default-write-unit", "write_unit assigned to shapes with no dependencies (txn or txn_fragment); shapes with dependencies always use txn")

	for flagName, key := range map[string]string{
		"publication-name":       "publication_name",
		"conn-string":            "conn_string",
		"bolt-path":              "bolt_path",
		"http-addr":              "http_addr",
		"shapes-file":            "shapes_file",
		"replica-identity-check": "replica_identity_check",
		"default-write-unit":     "default_write_unit",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flagName))
	}

	return cmd
}

func run(ctx context.Context, cfg shapeconfig.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storagelog.Open(cfg.BoltPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	id, err := installation.Load(store.DB())
	if err != nil {
		return fmt.Errorf("load installation identity: %w", err)
	}
	logger = logger.With(
		zap.String("installation_id", id.InstallationID.String()),
		zap.String("instance_id", id.InstanceID.String()),
	)
	logger.Info("starting shapesync")

	defaultWriteUnit := consumer.TxnFragment
	if cfg.DefaultWriteUnit == "txn" {
		defaultWriteUnit = consumer.Txn
	}

	d := dispatcher.New(filter.New(), partitions.New())
	st := state.New(logger, store, d, state.WithDefaultWriteUnit(defaultWriteUnit))

	if cfg.ShapesFile != "" {
		defs, err := loadShapeDefs(cfg.ShapesFile)
		if err != nil {
			return fmt.Errorf("load shapes file: %w", err)
		}
		if err := st.InitializeShapes(ctx, defs); err != nil {
			return fmt.Errorf("initialize shapes: %w", err)
		}
		logger.Info("initialized shape set", zap.Int("count", len(defs)))
	}

	sup := super.New(logger, 0, time.Second)
	sup.Run(ctx, "replication", func(taskCtx context.Context) error {
		lc, err := replication.Dial(taskCtx, cfg.ConnString, cfg.PublicationName, cfg.PublicationName, pglogrepl.LSN(0), cfg.ReplicaIdentityCheck, logger)
		if err != nil {
			return fmt.Errorf("dial replication: %w", err)
		}
		defer func() { _ = lc.Close(taskCtx) }()
		return lc.Run(taskCtx, d)
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: shapeapi.New(store, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("serving shape API", zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
