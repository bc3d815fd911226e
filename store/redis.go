package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/burntcarrot/otpad/commons"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "otpad:history:"

// RedisStore keeps each document's history in a Redis list.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at addr.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Append(ctx context.Context, documentID string, commit commons.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return err
	}
	key := s.key(documentID)

	// WATCH makes the length check and the push a single transaction.
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if err := checkNext(int(n), commit); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Load(ctx context.Context, documentID string) ([]commons.Commit, error) {
	values, err := s.client.LRange(ctx, s.key(documentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", documentID, err)
	}

	history := make([]commons.Commit, 0, len(values))
	for _, v := range values {
		var c commons.Commit
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, err
		}
		history = append(history, c)
	}
	return history, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ HistoryStore = (*RedisStore)(nil)
