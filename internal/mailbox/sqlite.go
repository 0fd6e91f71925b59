package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

const sqliteUpsert = `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// SQLiteStore keeps entries in a single kv table. Several processes can share
// the database file; commits from other connections are noticed by polling
// PRAGMA data_version.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	notifier *notifier
	cancel   context.CancelFunc
	pollDone chan struct{}

	closeOnce sync.Once
}

// NewSQLiteStore opens or creates the database at path. pollInterval sets how
// often foreign commits are checked; zero disables cross-process notifications.
func NewSQLiteStore(path string, pollInterval time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:       db,
		path:     path,
		logger:   logger.With(zap.String("component", "mailbox.sqlite")),
		notifier: newNotifier(),
		cancel:   cancel,
		pollDone: make(chan struct{}),
	}

	if pollInterval > 0 {
		go s.pollChanges(ctx, pollInterval)
	} else {
		close(s.pollDone)
	}
	return s, nil
}

// pollChanges wakes all watchers whenever another connection commits.
func (s *SQLiteStore) pollChanges(ctx context.Context, interval time.Duration) {
	defer close(s.pollDone)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.logger.Warn("change polling disabled", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var version int64
		if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("data_version poll failed", zap.Error(err))
			}
			continue
		}
		if last != 0 && version != last {
			s.notifier.notifyAll()
		}
		last = version
	}
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.notifier.notify(key)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE key = ?", key).Scan(&n); err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.notifier.notify(key)
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key",
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Update runs fn inside a BEGIN IMMEDIATE transaction so concurrent writers,
// in this process or another, are serialized by SQLite's write lock.
func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var cur []byte
	exists := true
	err = conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	next, err := fn(cur, exists)
	switch {
	case errors.Is(err, ErrKeepKey):
		return nil
	case errors.Is(err, ErrDeleteKey):
		if _, err := conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	case err != nil:
		return err
	default:
		if next == nil {
			next = []byte{}
		}
		if _, err := conn.ExecContext(ctx, sqliteUpsert, key, next); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true

	s.notifier.notify(key)
	return nil
}

func (s *SQLiteStore) Watch(ctx context.Context, key string) <-chan struct{} {
	return s.notifier.subscribe(ctx, key)
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.pollDone
		s.notifier.close()
		err = s.db.Close()
	})
	return err
}
