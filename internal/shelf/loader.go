package shelf

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	filePrefix = "shelf_"
	fileSuffix = ".json"
)

// FileName is the layout file name for a stop.
func FileName(stopID string) string {
	return filePrefix + stopID + fileSuffix
}

func stopIDFromFile(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	return id, id != ""
}

// Loader reads per-stop layout files from a directory and caches them
// until the file changes.
type Loader struct {
	dir    string
	logger *slog.Logger

	// readFile is swapped in tests.
	readFile func(string) ([]byte, error)

	mu    sync.RWMutex
	cache map[string]Layout
	// gen counts invalidations per stop; a read only fills the cache when
	// no invalidation happened while it was in flight.
	gen map[string]uint64
}

func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:      dir,
		logger:   logger.With("component", "shelf"),
		readFile: os.ReadFile,
		cache:    make(map[string]Layout),
		gen:      make(map[string]uint64),
	}
}

func (l *Loader) Dir() string { return l.dir }

func (l *Loader) Load(stopID string) (Layout, error) {
	stopID = strings.TrimSpace(stopID)
	l.mu.RLock()
	cached, ok := l.cache[stopID]
	gen := l.gen[stopID]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := l.readFile(filepath.Join(l.dir, FileName(stopID)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Layout{}, fmt.Errorf("%w: stop %q", ErrLayoutNotFound, stopID)
		}
		return Layout{}, fmt.Errorf("read shelf layout for stop %q: %w", stopID, err)
	}
	layout, err := ParseLayout(data)
	if err != nil {
		return Layout{}, fmt.Errorf("stop %q: %w", stopID, err)
	}
	layout.StopID = stopID

	l.mu.Lock()
	if l.gen[stopID] == gen {
		l.cache[stopID] = layout
	}
	l.mu.Unlock()
	return layout, nil
}

func (l *Loader) Invalidate(stopID string) {
	l.mu.Lock()
	delete(l.cache, stopID)
	l.gen[stopID]++
	l.mu.Unlock()
}

// Watch drops cached layouts whose files change and blocks until ctx is
// done. The directory is created if needed.
func (l *Loader) Watch(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("ensure layout dir %s: %w", l.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			stopID, ok := stopIDFromFile(event.Name)
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.Invalidate(stopID)
				l.logger.Debug("shelf layout changed", "stop_id", stopID, "op", event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}
