package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// processedDir is where ingested batch files are archived, under the
// drop directory.
const processedDir = "processed"

const defaultDebounce = 500 * time.Millisecond

// WatchConfig configures the drop-directory watcher.
type WatchConfig struct {
	// Dir is the flat drop directory. Subdirectories are not watched.
	Dir string

	// KeepProcessed moves ingested files into Dir/processed instead of
	// deleting them.
	KeepProcessed bool

	// Reconcile, when non-nil, runs after ingests have settled for
	// Debounce. Files arriving in bursts trigger it once.
	Reconcile func()

	// Debounce is the settle time before Reconcile fires. Zero means
	// the default.
	Debounce time.Duration
}

// Watch ingests batch files from the drop directory until ctx is
// cancelled. Files already present at startup are ingested first.
// Rejected files stay in place; rewriting one in place retries it.
func Watch(ctx context.Context, ing *Ingestor, cfg WatchConfig, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(cfg.Dir); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("dir", cfg.Dir))

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	// reconcileTimer debounces the post-ingest reconcile sweep.
	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if cfg.Reconcile == nil {
			return
		}
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(debounce)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(debounce)
		}
	}

	if scanExisting(ing, cfg, logger) {
		scheduleReconcile()
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			cfg.Reconcile()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if info, statErr := os.Stat(ev.Name); statErr != nil || info.IsDir() {
				continue
			}
			if ingestFile(ing, ev.Name, cfg, logger) {
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// scanExisting ingests batch files already sitting in the drop
// directory, e.g. dropped while the engine was down. Reports whether
// any new strokes were spooled.
func scanExisting(ing *Ingestor, cfg WatchConfig, logger *slog.Logger) bool {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		logger.Warn("watcher: initial scan failed", slog.String("error", err.Error()))
		return false
	}
	added := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if ingestFile(ing, filepath.Join(cfg.Dir, e.Name()), cfg, logger) {
			added = true
		}
	}
	return added
}

// ingestFile runs one batch file through the ingestor and archives or
// removes it on success. Reports whether new strokes were spooled.
func ingestFile(ing *Ingestor, path string, cfg WatchConfig, logger *slog.Logger) bool {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("watcher: read failed",
			slog.String("file", name), slog.String("error", err.Error()))
		return false
	}
	rcpt, err := ing.IngestBatch(data)
	if err != nil {
		logger.Warn("watcher: batch rejected",
			slog.String("file", name), slog.String("error", err.Error()))
		return false
	}
	finishFile(path, cfg, logger)
	return rcpt.Added > 0
}

// finishFile disposes of an ingested batch file.
func finishFile(path string, cfg WatchConfig, logger *slog.Logger) {
	if !cfg.KeepProcessed {
		if err := os.Remove(path); err != nil {
			logger.Warn("watcher: remove failed",
				slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		}
		return
	}
	dest := filepath.Join(filepath.Dir(path), processedDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		logger.Warn("watcher: archive dir failed",
			slog.String("dir", dest), slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(path, filepath.Join(dest, filepath.Base(path))); err != nil {
		logger.Warn("watcher: archive failed",
			slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
	}
}
