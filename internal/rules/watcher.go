// SPDX-License-Identifier: MIT

package rules

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/metrics"
)

const (
	reloadDebounce = 500 * time.Millisecond
	mtimePollEvery = 5 * time.Second
)

// Watcher hot-reloads the rules file into an Engine. A reload that fails
// to parse or validate keeps the previous rule set active.
type Watcher struct {
	loader  *Loader
	engine  *Engine
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	lastMtime time.Time
}

// NewWatcher builds a watcher for the loader's path feeding the engine.
func NewWatcher(loader *Loader, engine *Engine) *Watcher {
	return &Watcher{
		loader: loader,
		engine: engine,
		logger: log.WithComponent("rules"),
	}
}

// Reload loads and validates the rules file, swapping the engine's set
// only on success.
func (w *Watcher) Reload(_ context.Context) error {
	set, err := w.loader.Load()
	if err != nil {
		metrics.RecordRuleReload("error")
		w.logger.Warn().
			Err(err).
			Str("event", "rules.reload_rejected").
			Str("path", w.loader.Path).
			Msg("keeping previous rule set")
		return fmt.Errorf("reload rules: %w", err)
	}

	w.engine.ReplaceSet(set)
	metrics.RecordRuleReload("ok")
	return nil
}

// Start watches the rules file for changes until ctx is cancelled.
// fsnotify events drive reloads with a debounce; a periodic mtime check
// covers editors that replace the file and drop the watch.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(w.loader.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch rules file: %w", err)
	}

	if info, err := os.Stat(w.loader.Path); err == nil {
		w.lastMtime = info.ModTime()
	}

	w.logger.Info().
		Str("event", "rules.watcher_started").
		Str("path", w.loader.Path).
		Msg("watching rules file for changes")

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	poll := time.NewTicker(mtimePollEvery)
	defer poll.Stop()

	scheduleReload := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(reloadDebounce, func() {
			_ = w.Reload(ctx)
		})
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str("event", "rules.watcher_stopped").Msg("rules watcher stopped")
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().
					Str("event", "rules.file_changed").
					Str("op", event.Op.String()).
					Msg("rules file changed")
				scheduleReload()
			}
			// Atomic saves (vim, rename-into-place) remove the watched
			// inode; re-add the path so future writes are seen.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = w.watcher.Remove(w.loader.Path)
				if err := w.watcher.Add(w.loader.Path); err == nil {
					scheduleReload()
				}
			}

		case <-poll.C:
			info, err := os.Stat(w.loader.Path)
			if err != nil {
				continue
			}
			if info.ModTime().After(w.lastMtime) {
				w.lastMtime = info.ModTime()
				scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().
				Err(err).
				Str("event", "rules.watcher_error").
				Msg("rules watcher error")
		}
	}
}

// Stop closes the underlying file watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
