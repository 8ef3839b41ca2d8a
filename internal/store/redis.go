package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisNamespace is the base prefix isolating this agent's keys inside
// a shared Redis instance.
const RedisNamespace = "guardagent"

// RulesUpdatedChannel is the pub/sub channel a RedisStore publishes to
// whenever the handler caches a new DynamicRules document, so sibling
// agent processes sharing the same Redis instance can react without
// each polling the management service independently.
func RulesUpdatedChannel(namespace string) string {
	if namespace == "" {
		namespace = RedisNamespace
	}
	return namespace + ":agent:rules-updated"
}

// RedisStore implements Store over a redis.Client, namespacing every key
// under "{namespace}:agent:".
type RedisStore struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
}

func NewRedisStore(rdb *redis.Client, namespace string, logger *zap.Logger) *RedisStore {
	if namespace == "" {
		namespace = RedisNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, namespace: namespace, logger: logger.Named("store.redis")}
}

func (s *RedisStore) fullKey(key string) string {
	return s.namespace + ":agent:" + key
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.rdb.Set(ctx, s.fullKey(key), value, ttl).Err()
	return wrap("set", err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, s.fullKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.rdb.Del(ctx, s.fullKey(key)).Err()
	return wrap("delete", err)
}

// Keys lists keys under prefix using SCAN rather than the blocking KEYS
// command, so a large overflow backlog never stalls the shared Redis
// instance.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.fullKey(prefix) + "*"
	full := s.namespace + ":agent:"

	var out []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, wrap("keys", err)
		}
		for _, k := range batch {
			out = append(out, k[len(full):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Size(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.StrLen(ctx, s.fullKey(key)).Result()
	if err != nil {
		return 0, wrap("size", err)
	}
	return n, nil
}

// PublishRulesUpdated broadcasts a newly cached DynamicRules document
// (already JSON-serialised by the caller) to sibling agent processes.
func (s *RedisStore) PublishRulesUpdated(ctx context.Context, rulesJSON string) error {
	err := s.rdb.Publish(ctx, RulesUpdatedChannel(s.namespace), rulesJSON).Err()
	return wrap("publish", err)
}

// SubscribeRulesUpdated returns a channel of raw DynamicRules JSON
// documents published by any agent sharing this Redis instance. The
// subscription runs until ctx is cancelled.
func (s *RedisStore) SubscribeRulesUpdated(ctx context.Context) <-chan string {
	out := make(chan string)
	pubsub := s.rdb.Subscribe(ctx, RulesUpdatedChannel(s.namespace))

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
