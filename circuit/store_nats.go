package circuit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/natsclient"
)

// KVStore keeps one JetStream key-value entry per service, so several gateway
// instances can share breaker state.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore opens (or creates) bucket through client.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "semgate circuit breaker state",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", fmt.Sprintf("open bucket %s", bucket))
	}
	return NewKVStoreFromBucket(kv), nil
}

// NewKVStoreFromBucket wraps an already opened bucket.
func NewKVStoreFromBucket(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Load(ctx context.Context) (map[string]State, error) {
	states := make(map[string]State)

	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return states, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Load", "list keys")
	}

	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "Load", fmt.Sprintf("get %s", key))
		}
		var st State
		if err := json.Unmarshal(entry.Value(), &st); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%s: %w: %v", key, errors.ErrDataCorrupted, err),
				"KVStore", "Load", "decode state")
		}
		states[key] = st
	}
	return states, nil
}

func (s *KVStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WrapFatal(err, "KVStore", "Save", "encode state")
	}
	if _, err := s.kv.Put(ctx, st.Service, data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", fmt.Sprintf("put %s", st.Service))
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "KVStore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Close is a no-op; the connection belongs to the natsclient.
func (s *KVStore) Close() error { return nil }
