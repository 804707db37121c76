// SPDX-License-Identifier: MIT

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/log"
)

const statusWriteEvery = 30 * time.Second

// StatusWriter periodically dumps an aggregated status document to a
// file for external tooling. Writes are atomic so readers never observe
// a partial document.
type StatusWriter struct {
	path   string
	source func() map[string]any
	logger zerolog.Logger
}

// NewStatusWriter builds a writer; source is called for each dump.
func NewStatusWriter(path string, source func() map[string]any) *StatusWriter {
	return &StatusWriter{
		path:   path,
		source: source,
		logger: log.WithComponent("status"),
	}
}

// Run writes the status file on a fixed cadence until ctx is cancelled.
func (w *StatusWriter) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(statusWriteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Write(); err != nil {
				w.logger.Warn().
					Err(err).
					Str("event", "status.write_failed").
					Msg("status file write failed")
			}
		}
	}
}

// Write dumps one status document via an atomic rename.
func (w *StatusWriter) Write() error {
	doc := w.source()
	doc["written_at"] = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}
	if err := renameio.WriteFile(w.path, data, 0o644); err != nil {
		return fmt.Errorf("status: write %s: %w", w.path, err)
	}
	return nil
}
