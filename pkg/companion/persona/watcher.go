package persona

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a personalities file into a Table whenever the file
// changes. Entries from the file are layered over a fixed base set (the
// personalities declared inline in the main config).
type Watcher struct {
	path    string
	base    map[string]Personality
	table   *Table
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	onChange func(names []string)
}

// NewWatcher creates a watcher for path. It does not read the file; call
// Reload for the initial load.
func NewWatcher(path string, base map[string]Personality, table *Table, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		base:   maps.Clone(base),
		table:  table,
		logger: logger.With("component", "personalities"),
	}
}

// OnChange sets a callback invoked after every successful reload.
func (w *Watcher) OnChange(fn func(names []string)) {
	w.onChange = fn
}

// Reload reads the file and replaces the table contents. On error the
// table is left untouched.
func (w *Watcher) Reload() error {
	fromFile, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	merged := maps.Clone(w.base)
	if merged == nil {
		merged = make(map[string]Personality, len(fromFile))
	}
	maps.Copy(merged, fromFile)
	w.table.Replace(merged)

	names := w.table.Names()
	w.logger.Info("personalities loaded", "path", w.path, "count", len(names))
	if w.onChange != nil {
		w.onChange(names)
	}
	return nil
}

// Watch blocks until ctx is cancelled, reloading on every write to the
// file. The parent directory is watched so editors that replace the file
// via rename are picked up too.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	w.watcher = watcher

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.logger.Debug("file event", "op", event.Op.String())
	if err := w.Reload(); err != nil {
		// Keep serving the previous table.
		w.logger.Warn("reload failed", "error", err)
	}
}
