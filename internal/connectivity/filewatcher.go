package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher follows a JSON state file written by the host's network hook, e.g.
//
//	{"reachable": true, "metered": false, "low_power": false}
//
// The parent directory is watched so that atomic replace-by-rename is picked up.
type FileWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewFileWatcher starts watching path's directory. Call Close when done.
func NewFileWatcher(path string, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &FileWatcher{path: abs, watcher: watcher, logger: logger}, nil
}

// Run reads the current file, then forwards every change to m until ctx ends or the watcher
// is closed. A deleted file is reported as unreachable.
func (w *FileWatcher) Run(ctx context.Context, m *Monitor) {
	w.load(m)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
					m.Observe(State{})
					continue
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.load(m)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state file watcher error", "error", err)
		}
	}
}

// Close stops the underlying watcher.
func (w *FileWatcher) Close() error {
	return w.watcher.Close()
}

func (w *FileWatcher) load(m *Monitor) {
	state, err := ReadStateFile(w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("ignoring unreadable state file", "path", w.path, "error", err)
		}
		return
	}
	m.Observe(state)
}

// ReadStateFile parses a connectivity state file.
func ReadStateFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// WriteStateFile atomically replaces the state file. Used by host hooks and tests.
func WriteStateFile(path string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
