package mailbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps entries in process memory. It only connects workers that
// run in the same process as the orchestrator.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	notifier *notifier
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		notifier: newNotifier(),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.data[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	s.notifier.notify(key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.data[key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	_, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	if existed {
		s.notifier.notify(key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	cur, ok := s.data[key]
	next, err := fn(append([]byte(nil), cur...), ok)
	switch {
	case errors.Is(err, ErrKeepKey):
		s.mu.Unlock()
		return nil
	case errors.Is(err, ErrDeleteKey):
		delete(s.data, key)
	case err != nil:
		s.mu.Unlock()
		return err
	default:
		s.data[key] = append([]byte(nil), next...)
	}
	s.mu.Unlock()
	s.notifier.notify(key)
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, key string) <-chan struct{} {
	return s.notifier.subscribe(ctx, key)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notifier.close()
	return nil
}
