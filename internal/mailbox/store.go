// Package mailbox implements the slot-based message exchange between the
// orchestrator and its workers, and the SharedState document they all merge into.
//
// Everything sits on a Store: a small key-value interface with atomic writes,
// atomic read-modify-write and best-effort change notifications. Backends are
// a directory of files, a SQLite database, Redis, or process memory.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/config"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("mailbox: key not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("mailbox: store closed")
	// ErrInvalidKey is returned for keys a backend cannot represent.
	ErrInvalidKey = errors.New("mailbox: invalid key")

	// ErrDeleteKey, returned by an UpdateFunc, removes the key instead of
	// writing a new value. Update then returns nil.
	ErrDeleteKey = errors.New("mailbox: delete key")
	// ErrKeepKey, returned by an UpdateFunc, leaves the key as it is.
	// Update then returns nil.
	ErrKeepKey = errors.New("mailbox: keep key")
)

// UpdateFunc computes the next value of a key from its current one.
// exists is false when the key is absent. Returning ErrDeleteKey or
// ErrKeepKey selects those outcomes; any other error aborts the update.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is the storage primitive shared by the orchestrator and workers.
type Store interface {
	// Put atomically creates or replaces key.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value of key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Update performs an atomic read-modify-write of key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Watch returns a channel that receives a value whenever key may have
	// changed. Notifications can be coalesced or missed, so callers re-check
	// the key and keep a polling fallback. The channel is closed when ctx is
	// done or the store is closed.
	Watch(ctx context.Context, key string) <-chan struct{}
	// Close releases the store.
	Close() error
}

// Open creates the store selected by cfg.
func Open(ctx context.Context, cfg config.MailboxConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Dir, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.PollInterval, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := NewRedisStore(ctx, client, cfg.RedisPrefix, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown mailbox backend %q", cfg.Backend)
	}
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
