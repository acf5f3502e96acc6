// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package super implements the one supervision primitive the core needs
// (§5): restart a long-running task with backoff and a bounded restart
// budget, logging each failure. It is not a general lifecycle framework.
package super

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Task is a long-running unit of work that returns nil on graceful
// shutdown and a non-nil error on any other exit.
type Task func(ctx context.Context) error

// Supervisor restarts a Task on error, applying linear backoff between
// attempts and giving up after maxRestarts consecutive failures (0 means
// unlimited).
type Supervisor struct {
	logger      *zap.Logger
	maxRestarts int
	backoff     time.Duration
}

// New returns a Supervisor. maxRestarts <= 0 means retry forever.
func New(logger *zap.Logger, maxRestarts int, backoff time.Duration) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{logger: logger, maxRestarts: maxRestarts, backoff: backoff}
}

// Run starts task in a new goroutine, supervised. It returns immediately;
// the goroutine exits once task returns nil, ctx is cancelled, or the
// restart budget is exhausted.
func (s *Supervisor) Run(ctx context.Context, name string, task Task) {
	go s.loop(ctx, name, task)
}

func (s *Supervisor) loop(ctx context.Context, name string, task Task) {
	attempt := 0
	for {
		err := task(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		attempt++
		s.logger.Error("task exited, restarting",
			zap.String("task", name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if s.maxRestarts > 0 && attempt >= s.maxRestarts {
			s.logger.Error("task exhausted restart budget, giving up",
				zap.String("task", name), zap.Int("attempts", attempt))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
}
