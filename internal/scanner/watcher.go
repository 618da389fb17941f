package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"podsync/internal/database"
	"podsync/pkg/models"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the cache store consistent with the filesystem between bulk
// scans by reacting to individual create/remove events under the library
// roots.
type Watcher struct {
	scanner *Scanner
	watcher *fsnotify.Watcher
	roots   map[string]models.Classification
}

// NewWatcher creates a watcher over the given roots. Each root maps to the
// classification its files are cached under.
func NewWatcher(s *Scanner, roots map[string]models.Classification) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{scanner: s, watcher: fsw, roots: roots}

	go w.watchFiles()

	for root := range roots {
		if err := w.addDirectoryTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
		s.logger.WithField("root", root).Info("File watcher started")
	}

	return w, nil
}

// addDirectoryTree recursively adds root and its subdirectories.
func (w *Watcher) addDirectoryTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// watchFiles selects on watcher channels and dispatches events.
func (w *Watcher) watchFiles() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.scanner.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleEvent applies filtering and delegates creation/removal actions.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	fileName := filepath.Base(event.Name)
	if strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, ".tmp") {
		return
	}

	class, matched := w.classify(event.Name)

	switch {
	case event.Has(fsnotify.Create) && matched:
		go func(name string) {
			time.Sleep(500 * time.Millisecond) // let the file finish writing
			w.handleNewFile(name, class)
		}(event.Name)

	case event.Has(fsnotify.Remove) && matched:
		go w.handleRemovedFile(event.Name)

	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
			w.scanner.logger.WithField("directory", event.Name).Info("Watching new directory")
		}
	}
}

// classify finds the root containing the path and checks its extension set.
func (w *Watcher) classify(path string) (models.Classification, bool) {
	for root, class := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if class.Matches(path) {
			return class, true
		}
	}
	return "", false
}

func (w *Watcher) handleNewFile(path string, class models.Classification) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	mtime := float64(st.ModTime().UnixNano()) / 1e9

	allowNoMeta, err := w.scanner.db.BoolSetting(database.SettingAllowNoMetadata)
	if err != nil {
		w.scanner.logger.WithError(err).Error("Failed to read allow_no_metadata setting")
		return
	}

	if w.scanner.scanFile(path, mtime, class, allowNoMeta) == scanUpserted {
		w.scanner.logger.WithField("file_path", path).Info("Cached new file")
	}
}

func (w *Watcher) handleRemovedFile(path string) {
	removed, err := w.scanner.db.RemoveTrackByPath(path)
	if err != nil || !removed {
		return
	}
	w.scanner.logger.WithField("file_path", path).Info("Removed vanished file from cache")
}

// Stop closes the watcher (idempotent).
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}
