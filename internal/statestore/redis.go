package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// txRetries bounds the optimistic-lock retry loop. Contention on a
	// single turn record is brief; running out of retries is reported as
	// an error rather than spinning.
	txRetries = 16

	keyPrefix     = "parlor:kv:"
	channelPrefix = "parlor:ev:"
)

// RedisStore implements Store on a Redis instance: WATCH/MULTI optimistic
// transactions for compare-and-apply, pub/sub for push subscriptions, and
// the TIME command as the authoritative clock.
type RedisStore struct {
	rdb *redis.Client
}

// wireEvent is the pub/sub payload. Value is omitted for deletions.
type wireEvent struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, keyPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: redis get %q: %w", path, err)
	}
	return v, nil
}

func (s *RedisStore) Put(ctx context.Context, path string, value []byte) error {
	if err := s.rdb.Set(ctx, keyPrefix+path, value, 0).Err(); err != nil {
		return fmt.Errorf("statestore: redis set %q: %w", path, err)
	}
	return s.publish(ctx, path, value)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.rdb.Del(ctx, keyPrefix+path).Err(); err != nil {
		return fmt.Errorf("statestore: redis del %q: %w", path, err)
	}
	return s.publish(ctx, path, nil)
}

// Transact runs fn under WATCH on the path's key and commits the result in
// a MULTI pipeline. A concurrent write to the key fails the EXEC and the
// whole attempt is retried with the fresh value.
func (s *RedisStore) Transact(ctx context.Context, path string, fn TxnFunc) ([]byte, error) {
	key := keyPrefix + path
	var applied []byte

	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			cur = nil
		} else if err != nil {
			return err
		}

		now, err := s.ServerNow(ctx)
		if err != nil {
			return err
		}

		next, err := fn(cur, now)
		if err != nil {
			return err
		}
		applied = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			payload, merr := json.Marshal(wireEvent{Path: path, Value: next})
			if merr != nil {
				return merr
			}
			pipe.Publish(ctx, channelPrefix+path, payload)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return applied, nil
	}
	return nil, fmt.Errorf("statestore: redis transact %q: retries exhausted", path)
}

// Subscribe delivers a SCAN snapshot of the prefix followed by live pub/sub
// pushes. Snapshot and stream may overlap; per the store contract that is an
// at-least-once duplicate, not an error.
func (s *RedisStore) Subscribe(ctx context.Context, prefix string) (<-chan Event, error) {
	ps := s.rdb.PSubscribe(ctx, channelPrefix+prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("statestore: redis subscribe %q: %w", prefix, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		iter := s.rdb.Scan(ctx, 0, keyPrefix+prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			v, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			select {
			case out <- Event{Path: key[len(keyPrefix):], Value: v}:
			case <-ctx.Done():
				return
			}
		}

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var we wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
					continue
				}
				select {
				case out <- Event{Path: we.Path, Value: we.Value}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ServerNow asks Redis for its own clock so every client shares one
// authority regardless of local skew.
func (s *RedisStore) ServerNow(ctx context.Context) (time.Time, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("statestore: redis time: %w", err)
	}
	return t, nil
}

func (s *RedisStore) publish(ctx context.Context, path string, value []byte) error {
	payload, err := json.Marshal(wireEvent{Path: path, Value: value})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, channelPrefix+path, payload).Err()
}
