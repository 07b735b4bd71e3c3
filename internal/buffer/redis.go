package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/validation"
)

// Redis defaults.
const (
	DefaultNamespace = config.DefaultBufferNamespace
	DefaultTTL       = config.DefaultBufferTTL

	scanCount = 256
)

// RedisStore keeps the buffer in redis under <namespace>:<group>:<tag> with
// a TTL. A tag that is not refreshed within the TTL silently disappears from
// snapshots, so the TTL must exceed the slowest expected publish interval.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	owned     bool
}

// DialRedis connects to the configured server and verifies it answers.
func DialRedis(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis buffer: %w", errors.NewMissingField("buffer.redis.addr"))
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w: %w", cfg.Redis.Addr, errors.ErrConnectionFailed, err)
	}

	s := NewRedisStore(client, cfg.Namespace, cfg.TTL)
	s.owned = true
	log.Info("redis buffer connected", "addr", cfg.Redis.Addr, "namespace", s.namespace, "ttl", s.ttl)
	return s, nil
}

// NewRedisStore wraps an existing client. Empty namespace and zero TTL take
// the defaults.
func NewRedisStore(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, namespace: namespace, ttl: ttl}
}

func (s *RedisStore) key(group, tag string) string {
	return s.namespace + ":" + group + ":" + tag
}

func (s *RedisStore) groupPattern(group string) string {
	return validation.SafeGlobPrefix(s.namespace + ":" + group + ":")
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, smp Sample) error {
	if err := validateKey(smp.Group, smp.Tag); err != nil {
		return err
	}
	data, err := json.Marshal(Record{
		Group:     smp.Group,
		Tag:       smp.Tag,
		Value:     smp.Value,
		UpdatedAt: observedAt(smp),
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(smp.Group, smp.Tag), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w: %w", smp.Group, smp.Tag, errors.ErrStorageUnavailable, err)
	}
	return nil
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context, group string) (schema.Record, error) {
	records, err := s.Records(ctx, group)
	if err != nil {
		return nil, err
	}
	return snapshotOf(records), nil
}

// Records implements Store. Keys that expire between SCAN and MGET are
// skipped.
func (s *RedisStore) Records(ctx context.Context, group string) ([]Record, error) {
	if err := validation.ValidateGroup(group); err != nil {
		return nil, err
	}

	keys, err := s.scan(ctx, group)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for start := 0; start < len(keys); start += scanCount {
		end := min(start+scanCount, len(keys))
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget %s: %w: %w", group, errors.ErrStorageUnavailable, err)
		}
		for i, raw := range vals {
			str, ok := raw.(string)
			if !ok {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(str), &rec); err != nil {
				log.Warn("undecodable buffered record", "key", keys[start+i], "error", err)
				continue
			}
			records = append(records, rec)
		}
	}

	sortRecords(records)
	return records, nil
}

func (s *RedisStore) scan(ctx context.Context, group string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.groupPattern(group), scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w: %w", group, errors.ErrStorageUnavailable, err)
	}
	return keys, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, group string) error {
	keys, err := s.scan(ctx, group)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w: %w", group, errors.ErrStorageUnavailable, err)
	}
	return nil
}

// DropKey implements Store.
func (s *RedisStore) DropKey(ctx context.Context, group, tag string) error {
	if err := s.client.Del(ctx, s.key(group, tag)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w: %w", group, tag, errors.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements Store. Clients passed to NewRedisStore are left open.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
