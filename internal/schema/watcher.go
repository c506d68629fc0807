package schema

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher registers types from files added to or rewritten in a schema
// directory while the store runs. Registrations are additive: a file that
// redefines an existing type with a different layout is rejected and logged.
type Watcher struct {
	registry *Registry
	dir      string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching dir for type files.
//
// Parameters:
//   - dir: Directory holding *.yaml type tables
//
// Returns:
//   - *Watcher: Running watcher, stop it with Stop
//   - error: If the watcher cannot be created or dir cannot be watched
func (r *Registry) Watch(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	w := &Watcher{
		registry: r,
		dir:      dir,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()

	r.logger.Info("watching type directory", "dir", dir)
	return w, nil
}

// Stop stops watching and waits for the loop to exit. Safe to call twice.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	logger := w.registry.logger

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isTypeFile(event.Name) {
				continue
			}
			// Atomic saves arrive as Create.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Debug("type file changed", "event", event.Op.String(), "file", event.Name)

			if _, err := w.registry.LoadFile(event.Name); err != nil {
				logger.Error("type file reload failed", "file", event.Name, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("type watcher error", "error", err)

		case <-w.stopCh:
			return
		}
	}
}
