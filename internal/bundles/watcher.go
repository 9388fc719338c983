package bundles

import (
	"os"
	"sync"
	"time"

	"github.com/clusterlens/bundleserver/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// StorageWatcher watches the archive storage directory so the available
// bundle gauge and logs stay current as archives arrive or disappear. It is a
// background maintenance task; the dispatch loop stops it with a bounded wait
// during draining.
type StorageWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewStorageWatcher creates a watcher for the storage directory.
func NewStorageWatcher(dir string, logger zerolog.Logger) (*StorageWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &StorageWatcher{
		dir:      dir,
		watcher:  watcher,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. A missing storage directory is not fatal; the gauge
// just starts at zero and the watch attaches if the directory appears later
// via polling.
func (w *StorageWatcher) Start() error {
	metrics.SetBundlesAvailable(countArchives(w.dir))

	if err := w.watcher.Add(w.dir); err != nil {
		w.logger.Warn().Err(err).Str("path", w.dir).Msg("Failed to watch storage directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	w.logger.Info().Str("path", w.dir).Msg("Started watching storage directory")
	return nil
}

// Stop shuts the watcher down, waiting up to timeout for the loop to exit.
func (w *StorageWatcher) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})

	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("Storage watcher did not stop within grace period")
	}
}

func (w *StorageWatcher) watchForChanges() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !HasArchiveSuffix(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				// Debounce: wait for the write to settle before recounting.
				time.Sleep(100 * time.Millisecond)
				count := countArchives(w.dir)
				metrics.SetBundlesAvailable(count)
				w.logger.Debug().
					Str("event", event.Op.String()).
					Str("archive", event.Name).
					Int("available", count).
					Msg("Storage directory changed")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Storage watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// pollForChanges is the fallback when the directory cannot be watched.
func (w *StorageWatcher) pollForChanges() {
	defer close(w.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.SetBundlesAvailable(countArchives(w.dir))
		case <-w.stopChan:
			return
		}
	}
}

func countArchives(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && HasArchiveSuffix(entry.Name()) {
			count++
		}
	}
	return count
}
