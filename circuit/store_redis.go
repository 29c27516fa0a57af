package circuit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/c360/semgate/errors"
)

// RedisStore keeps all records in one hash, one field per service.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, opts *redis.Options, hashKey string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"RedisStore", "NewRedisStore", fmt.Sprintf("ping %s", opts.Addr))
	}
	return &RedisStore{client: client, key: hashKey}, nil
}

func (s *RedisStore) Load(ctx context.Context) (map[string]State, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "Load", "read hash")
	}

	states := make(map[string]State, len(fields))
	for field, raw := range fields {
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%s: %w: %v", field, errors.ErrDataCorrupted, err),
				"RedisStore", "Load", "decode state")
		}
		states[field] = st
	}
	return states, nil
}

func (s *RedisStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WrapFatal(err, "RedisStore", "Save", "encode state")
	}
	if err := s.client.HSet(ctx, s.key, st.Service, data).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Save", fmt.Sprintf("hset %s", st.Service))
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.key, key).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Delete", fmt.Sprintf("hdel %s", key))
	}
	return nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
