package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader watches a policy file and installs fresh snapshots into a Store
// when the file changes. It stands in for the external policy-distribution
// collaborator: distribution pushes a file, the reloader turns it into an
// atomic snapshot install.
type Reloader struct {
	watcher *fsnotify.Watcher
	store   *Store
	path    string
	log     *logrus.Entry
}

// NewReloader creates a file watcher for the given policy path.
func NewReloader(store *Store, path string) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy file not watchable: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		watcher: watcher,
		store:   store,
		path:    path,
		log:     logrus.WithField("component", "policy-reload"),
	}, nil
}

// Run watches for file changes and installs new snapshots. Blocks until ctx
// is cancelled. A snapshot that fails to load leaves the previous one in
// effect.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after the last write before reloading.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("file watcher error")
		}
	}
}

func (r *Reloader) reload() {
	table, err := Load(r.path)
	if err != nil {
		r.log.WithError(err).Error("hot-reload failed, keeping previous snapshot")
		return
	}
	prev := r.store.Current()
	if prev != nil && prev.Hash() == table.Hash() {
		// Same bytes, same snapshot. Installing anyway would be
		// harmless; skipping keeps the version stable for observers.
		return
	}
	r.store.Install(table)
	r.log.WithFields(logrus.Fields{
		"version": table.Version(),
		"ports":   table.Ports(),
	}).Info("policy snapshot installed")
}
