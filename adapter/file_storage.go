package storefront

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const fileSuffix = ".json"

// FileStorage keeps one owner-only file per key under basePath.
// Writes go through a temp file and a rename so readers never see a partial value.
// Changes made by other processes on the same directory are reported through Subscribe.
type FileStorage struct {
	basePath string
	logger   *slog.Logger
	events   *Emitter[StorageEvent]

	mu   sync.Mutex
	seen map[string]string // last value written or observed per key

	watcher *fsnotify.Watcher
	done    chan struct{}
	closeMu sync.Once
}

// NewFileStorage creates the directory if needed and starts watching it.
// An empty basePath uses TOKEN_STORAGE_PATH, then "data".
func NewFileStorage(basePath string, logger *slog.Logger) (*FileStorage, error) {
	if logger == nil {
		logger = DiscardLogger()
	}
	if basePath == "" {
		basePath = os.Getenv("TOKEN_STORAGE_PATH")
	}
	if basePath == "" {
		basePath = "data"
	}

	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(basePath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch storage directory: %w", err)
	}

	fs := &FileStorage{
		basePath: basePath,
		logger:   logger,
		events:   NewEmitter[StorageEvent]("storage", logger),
		seen:     make(map[string]string),
		watcher:  watcher,
		done:     make(chan struct{}),
	}

	fs.seedSeen()
	go fs.watch()
	return fs, nil
}

// seedSeen records values already on disk so their later removal is reported
func (f *FileStorage) seedSeen() {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.basePath, name))
		if err != nil {
			continue
		}
		f.seen[strings.TrimSuffix(name, fileSuffix)] = string(data)
	}
}

func (f *FileStorage) path(key string) string {
	return filepath.Join(f.basePath, key+fileSuffix)
}

// Get reads the value for key
func (f *FileStorage) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read storage file: %w", err)
	}
	return string(data), true, nil
}

// Set writes value for key with owner-only permissions
func (f *FileStorage) Set(_ context.Context, key, value string) error {
	tmp, err := os.CreateTemp(f.basePath, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write storage file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod storage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close storage file: %w", err)
	}

	f.mu.Lock()
	f.seen[key] = value
	f.mu.Unlock()

	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace storage file: %w", err)
	}
	return nil
}

// Remove deletes the file for key; missing files are not an error
func (f *FileStorage) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.seen, key)
	f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete storage file: %w", err)
	}
	return nil
}

func (f *FileStorage) Subscribe(fn func(StorageEvent)) func() {
	return f.events.Subscribe(fn)
}

// Close stops the directory watcher
func (f *FileStorage) Close() error {
	var err error
	f.closeMu.Do(func() {
		close(f.done)
		err = f.watcher.Close()
	})
	return err
}

func (f *FileStorage) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handleFSEvent(ev)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("Storage watcher error",
				"function", "FileStorage.watch",
				"error", err)
		}
	}
}

func (f *FileStorage) handleFSEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return
	}
	key := strings.TrimSuffix(name, fileSuffix)

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, err := os.Stat(ev.Name); err == nil {
			return // replaced in place, the Create event carries the new value
		}
		f.mu.Lock()
		_, known := f.seen[key]
		delete(f.seen, key)
		f.mu.Unlock()

		// only report removals of values this handle knew about and did not remove itself
		if known {
			f.events.Emit(StorageEvent{Key: key, Op: StorageRemove, Origin: "file"})
		}
		return
	}

	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		data, err := os.ReadFile(ev.Name)
		if err != nil {
			return
		}
		value := string(data)

		f.mu.Lock()
		prev, known := f.seen[key]
		if known && prev == value {
			f.mu.Unlock()
			return
		}
		f.seen[key] = value
		f.mu.Unlock()

		f.events.Emit(StorageEvent{Key: key, Op: StorageSet, Value: value, Origin: "file"})
	}
}
