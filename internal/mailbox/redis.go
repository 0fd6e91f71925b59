package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxUpdateRetries = 50

// RedisStore keeps entries as plain Redis strings under a key prefix.
// Every write is announced on the <prefix>events channel so watchers in other
// processes wake up without polling.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	channel string
	logger  *zap.Logger

	notifier *notifier
	pubsub   *redis.PubSub

	closeOnce sync.Once
}

// NewRedisStore wraps client. The store owns client and closes it on Close.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, prefix string, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s := &RedisStore{
		client:   client,
		prefix:   prefix,
		channel:  prefix + "events",
		logger:   logger.With(zap.String("component", "mailbox.redis")),
		notifier: newNotifier(),
	}

	s.pubsub = client.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		s.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	go s.listen()

	return s, nil
}

func (s *RedisStore) listen() {
	for msg := range s.pubsub.Channel() {
		s.notifier.notify(msg.Payload)
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) announce(ctx context.Context, key string) {
	s.notifier.notify(key)
	if err := s.client.Publish(ctx, s.channel, key).Err(); err != nil {
		s.logger.Debug("publish failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Update uses WATCH/MULTI optimistic locking and retries on conflict.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := s.key(key)
	changed := false
	txf := func(tx *redis.Tx) error {
		changed = false
		cur, err := tx.Get(ctx, k).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			cur, exists = nil, false
		} else if err != nil {
			return err
		}

		next, err := fn(cur, exists)
		remove := errors.Is(err, ErrDeleteKey)
		if errors.Is(err, ErrKeepKey) {
			return nil
		}
		if err != nil && !remove {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if remove {
				pipe.Del(ctx, k)
			} else {
				pipe.Set(ctx, k, next, 0)
			}
			return nil
		})
		changed = err == nil
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			if changed {
				s.announce(ctx, key)
			}
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: gave up after %d conflicting attempts", key, maxUpdateRetries)
}

func (s *RedisStore) Watch(ctx context.Context, key string) <-chan struct{} {
	return s.notifier.subscribe(ctx, key)
}

func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notifier.close()
		if perr := s.pubsub.Close(); perr != nil {
			err = perr
		}
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
