// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package shapeapi is the external-collaborator HTTP surface from spec §6:
// a minimal long-poll reader over a shape's committed log. It exists to
// exercise Storage's read contract end-to-end, not to be a complete API —
// auth, pagination limits and content negotiation are out of scope.
package shapeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shapesync/shapesync/internal/shape"
	"github.com/shapesync/shapesync/internal/storagelog"
)

const (
	defaultPollInterval   = 200 * time.Millisecond
	defaultLongPollWindow = 25 * time.Second
)

// Handler serves GET /shape/{handle}?offset=X per §6: a lazy, finite
// stream of committed changes with offsets strictly greater than X, long
// polling up to pollWindow when X has already caught up with
// fetch_latest_committed_offset().
type Handler struct {
	store  *storagelog.Store
	logger *zap.Logger

	pollInterval time.Duration
	pollWindow   time.Duration
}

// New returns a Handler reading from store.
func New(store *storagelog.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:        store,
		logger:       logger,
		pollInterval: defaultPollInterval,
		pollWindow:   defaultLongPollWindow,
	}
}

// changeDTO is the wire shape of one entry in the response body.
type changeDTO struct {
	Offset string          `json:"offset"`
	Kind   string          `json:"kind"`
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Old    map[string]any  `json:"old,omitempty"`
	New    map[string]any  `json:"new,omitempty"`
}

type response struct {
	Changes      []changeDTO `json:"changes"`
	LatestOffset string      `json:"latest_committed_offset"`
}

// ServeHTTP implements GET /shape/{handle}?offset=X.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handle, ok := handleFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "missing shape handle", http.StatusBadRequest)
		return
	}

	from := shape.Zero
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := shape.ParseOffset(raw)
		if err != nil {
			http.Error(w, "malformed offset: "+err.Error(), http.StatusBadRequest)
			return
		}
		from = parsed
	}

	changes, latest, err := h.readOrWait(r.Context(), shape.Handle(handle), from)
	if err != nil {
		h.logger.Error("shape read failed", zap.String("handle", handle), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{Changes: changes, LatestOffset: latest.String()})
}

// readOrWait returns every committed change past from as soon as one
// exists, blocking and repolling the committed watermark up to pollWindow
// when the caller is already caught up.
func (h *Handler) readOrWait(ctx context.Context, handle shape.Handle, from shape.Offset) ([]changeDTO, shape.Offset, error) {
	deadline := time.Now().Add(h.pollWindow)
	for {
		latest, ok, err := h.store.FetchLatestCommittedOffset(handle)
		if err != nil {
			return nil, shape.Offset{}, err
		}
		if ok && from.Less(latest) {
			var out []changeDTO
			err := h.store.Read(handle, from, latest, func(off shape.Offset, ch shape.Change) error {
				out = append(out, toDTO(off, ch))
				return nil
			})
			return out, latest, err
		}

		if !time.Now().Before(deadline) {
			return nil, latest, nil
		}

		select {
		case <-ctx.Done():
			return nil, latest, nil
		case <-time.After(h.pollInterval):
		}
	}
}

func toDTO(off shape.Offset, ch shape.Change) changeDTO {
	return changeDTO{
		Offset: off.String(),
		Kind:   ch.Kind.String(),
		Schema: ch.Relation.Schema,
		Table:  ch.Relation.Table,
		Old:    ch.Old,
		New:    ch.New,
	}
}

// handleFromPath extracts the {handle} segment from "/shape/{handle}".
func handleFromPath(path string) (string, bool) {
	const prefix = "/shape/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.Trim(path[len(prefix):], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
