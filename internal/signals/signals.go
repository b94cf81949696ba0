// Package signals passes pause and cancel requests for a run between
// processes through marker files in a shared directory.
package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is a signal type.
type Kind string

const (
	Pause  Kind = "pause"
	Cancel Kind = "cancel"
)

// Dir manages signal files for many runs.
type Dir struct {
	path string
}

// NewDir creates the signal directory if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) file(runID string, kind Kind) string {
	return filepath.Join(d.path, runID+"."+string(kind))
}

// Request raises kind for runID.
func (d *Dir) Request(runID string, kind Kind) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(d.file(runID, kind), stamp, 0644); err != nil {
		return fmt.Errorf("write %s signal for %s: %w", kind, runID, err)
	}
	return nil
}

// RequestPause asks the engine running runID to stop after the current step.
func (d *Dir) RequestPause(runID string) error { return d.Request(runID, Pause) }

// RequestCancel asks the engine running runID to cancel it.
func (d *Dir) RequestCancel(runID string) error { return d.Request(runID, Cancel) }

// Requested reports whether kind is raised for runID.
func (d *Dir) Requested(runID string, kind Kind) bool {
	_, err := os.Stat(d.file(runID, kind))
	return err == nil
}

// PauseRequested reports whether a pause is pending for runID.
func (d *Dir) PauseRequested(runID string) bool { return d.Requested(runID, Pause) }

// CancelRequested reports whether a cancel is pending for runID.
func (d *Dir) CancelRequested(runID string) bool { return d.Requested(runID, Cancel) }

// Clear removes every signal for runID.
func (d *Dir) Clear(runID string) error {
	for _, kind := range []Kind{Pause, Cancel} {
		if err := os.Remove(d.file(runID, kind)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear %s signal for %s: %w", kind, runID, err)
		}
	}
	return nil
}

// ClearKind removes one signal for runID.
func (d *Dir) ClearKind(runID string, kind Kind) error {
	if err := os.Remove(d.file(runID, kind)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear %s signal for %s: %w", kind, runID, err)
	}
	return nil
}

// Handler receives raised signals.
type Handler func(runID string, kind Kind)

// Watcher invokes a handler when a signal file appears.
type Watcher struct {
	watcher *fsnotify.Watcher
	handler Handler

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

// Watch starts watching d and calls handler for each raised signal.
func (d *Dir) Watch(handler Handler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(d.path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", d.path, err)
	}

	w := &Watcher{
		watcher: fw,
		handler: handler,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			runID, kind, ok := parseName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			w.handler(runID, kind)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Keep watching.
		}
	}
}

func parseName(name string) (string, Kind, bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return "", "", false
	}
	kind := Kind(name[i+1:])
	if kind != Pause && kind != Cancel {
		return "", "", false
	}
	return name[:i], kind, true
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}
