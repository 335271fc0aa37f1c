package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/ofkm/agenthost/pkg/types"
)

// Loader produces the full descriptor set for one source.
type Loader func(ctx context.Context) ([]types.AgentDescriptor, error)

// Watcher reloads a file backed source into a Store whenever the file changes.
// A failed reload keeps the last good descriptors.
type Watcher struct {
	path     string
	source   string
	load     Loader
	store    *Store
	log      logrus.FieldLogger
	debounce time.Duration
}

func NewWatcher(path, source string, load Loader, store *Store, log logrus.FieldLogger) *Watcher {
	return &Watcher{
		path:     path,
		source:   source,
		load:     load,
		store:    store,
		log:      log.WithFields(logrus.Fields{"component": "registry", "source": source}),
		debounce: 500 * time.Millisecond,
	}
}

// Reload loads the source once and replaces its entries in the store.
func (w *Watcher) Reload(ctx context.Context) error {
	agents, err := w.load(ctx)
	if err != nil {
		return err
	}
	w.store.Replace(w.source, agents)
	w.log.WithField("agents", len(agents)).Info("Agent registry loaded")
	return nil
}

// Run watches the file's directory until ctx is done. The directory is watched
// rather than the file so atomic rename-into-place saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.Reload(ctx); err != nil {
				w.log.WithError(err).Warn("Agent registry reload failed, keeping previous entries")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Agent registry watcher error")
		}
	}
}
