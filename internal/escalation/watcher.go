package escalation

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher picks up escalations resolved by other processes (for example
// the CLI) and feeds them into the coordinator's signal path.
type Watcher struct {
	coord   *Coordinator
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher starts watching the coordinator's record directory.
func NewWatcher(coord *Coordinator) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(coord.store.RecordsDir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", coord.store.RecordsDir(), err)
	}

	w := &Watcher{
		coord:   coord,
		watcher: fw,
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
			name := filepath.Base(event.Name)
			if !isRecordName(name) {
				continue
			}
			w.handle(strings.TrimSuffix(name, ".json"))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.coord.logger.Log("[watch] watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(id string) {
	esc, err := w.coord.store.Get(id)
	if err != nil {
		w.coord.logger.Log("[watch] reading escalation %s: %v", id, err)
		return
	}
	if w.coord.Deliver(esc) {
		w.coord.logger.Log("[watch] escalation %s resolved externally", id)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}
