package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skypro1111/lan-audio-service/internal/worker"
)

// Watcher reloads the configuration file when it changes and hands every valid
// new version to a callback. Invalid versions are logged and ignored.
type Watcher struct {
	path     string
	name     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
	worker   *worker.Worker
}

// NewWatcher watches the directory holding path, so editors that replace the
// file on save are followed too
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		name:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "config-watcher"), slog.String("path", path)),
	}
	w.worker = worker.New("config-watch", w.watch, worker.Options{
		Policy: worker.RetryOnError,
		Logger: w.logger,
	})
	return w, nil
}

// Start begins watching
func (w *Watcher) Start() error {
	return w.worker.Start()
}

// Stop stops watching and releases the watcher
func (w *Watcher) Stop(timeout time.Duration) error {
	w.worker.StopNextLoop()
	err := w.worker.Stop(timeout)
	w.watcher.Close()
	return err
}

// Worker exposes the watch loop for state reporting
func (w *Watcher) Worker() *worker.Worker {
	return w.worker
}

// watch handles one filesystem event
func (w *Watcher) watch(ctx context.Context, _ *worker.Worker) error {
	select {
	case <-ctx.Done():
		return nil
	case event, ok := <-w.watcher.Events:
		if !ok {
			return nil
		}
		if filepath.Clean(event.Name) != w.name {
			return nil
		}
		if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
			w.reload()
		}
		return nil
	case err, ok := <-w.watcher.Errors:
		if !ok {
			return nil
		}
		return fmt.Errorf("config watcher: %w", err)
	}
}

func (w *Watcher) reload() {
	config, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("Configuration reloaded")
	w.onChange(config)
}
