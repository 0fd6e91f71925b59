package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	lockRetry    = 10 * time.Millisecond
	staleLockAge = 30 * time.Second
)

// FileStore keeps one file per key in a directory. Writes go through a temp
// file and a rename so readers never see partial content. Hidden files (temp
// files and lock files) are never reported as keys.
type FileStore struct {
	dir    string
	logger *zap.Logger

	notifier *notifier
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
}

// NewFileStore creates dir if needed and starts watching it. If fsnotify is
// unavailable the store still works and watchers rely on polling.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, fmt.Errorf("mailbox directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create mailbox directory: %w", err)
	}

	s := &FileStore{
		dir:      dir,
		logger:   logger.With(zap.String("component", "mailbox.file")),
		notifier: newNotifier(),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watcher unavailable, using polling", zap.Error(err))
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		s.logger.Warn("cannot watch mailbox directory, using polling", zap.Error(err))
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// Dir returns the mailbox directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.notifier.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			s.notifier.notify(name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("watcher error", zap.Error(err))
		}
	}
}

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key), nil
}

// Put takes the key's lock so it cannot interleave with an Update.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	if err := writeAtomic(s.dir, path, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.notifier.notify(key)
	return nil
}

// writeAtomic writes data to a hidden temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.notifier.notify(key)
	return nil
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list mailbox: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Update serializes writers with an exclusive lock file next to the key.
func (s *FileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	cur, err := os.ReadFile(path)
	exists := true
	if errors.Is(err, fs.ErrNotExist) {
		cur, exists = nil, false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	next, err := fn(cur, exists)
	switch {
	case errors.Is(err, ErrKeepKey):
		return nil
	case errors.Is(err, ErrDeleteKey):
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	case err != nil:
		return err
	default:
		if err := writeAtomic(s.dir, path, next); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	s.notifier.notify(key)
	return nil
}

func (s *FileStore) lock(ctx context.Context, key string) (func(), error) {
	lockPath := filepath.Join(s.dir, ".lock-"+key)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		// A holder that died mid-update leaves its lock behind.
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			s.logger.Warn("removing stale lock", zap.String("key", key))
			os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

func (s *FileStore) Watch(ctx context.Context, key string) <-chan struct{} {
	return s.notifier.subscribe(ctx, key)
}

func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notifier.close()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
