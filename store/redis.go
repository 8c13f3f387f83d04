package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	durable "github.com/goliatone/go-durable"
)

// RedisStore keeps each instance snapshot as a JSON string, each generation
// as a list of JSON events, and an index of instance ids in a sorted set
// scored by creation time. Appends use WATCH/MULTI for optimistic checks.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption customizes RedisStore.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix overrides the default "durable" key prefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore builds a store over client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "durable"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, inst *durable.Instance, events []durable.Event) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	next, seqd, err := prepareCreate(inst, events)
	if err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	encoded, err := encodeEvents(seqd)
	if err != nil {
		return err
	}

	key := s.instanceKey(next.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return existsError(next.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if len(encoded) > 0 {
				pipe.RPush(ctx, s.eventsKey(next.ID, next.Generation), encoded...)
			}
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(next.CreatedAt.UnixNano()),
				Member: next.ID,
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return existsError(next.ID)
	}
	return err
}

func (s *RedisStore) Load(ctx context.Context, id string) (*durable.Instance, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	id = strings.TrimSpace(id)
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*durable.Instance, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.instanceKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var out []*durable.Instance
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		inst, err := decodeInstance(raw)
		if err != nil {
			return nil, err
		}
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *RedisStore) Append(ctx context.Context, req AppendRequest) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("redis store not configured")
	}
	if err := req.validate(); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(req.InstanceID)
	key := s.instanceKey(id)

	var version int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Version != req.ExpectedVersion {
			return conflictError(id, req.ExpectedVersion, current.Version)
		}
		next, events := req.apply(current)
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		encoded, err := encodeEvents(events)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if len(encoded) > 0 {
				pipe.RPush(ctx, s.eventsKey(id, next.Generation), encoded...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		version = next.Version
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, conflictError(id, req.ExpectedVersion, -1)
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *RedisStore) Read(ctx context.Context, id string) ([]durable.Event, error) {
	inst, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ReadGeneration(ctx, inst.ID, inst.Generation)
}

func (s *RedisStore) ReadGeneration(ctx context.Context, id string, generation int) ([]durable.Event, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	values, err := s.client.LRange(ctx, s.eventsKey(strings.TrimSpace(id), generation), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]durable.Event, 0, len(values))
	for _, raw := range values {
		var evt durable.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, client redisGetter, id string) (*durable.Instance, error) {
	raw, err := client.Get(ctx, s.instanceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(raw)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) instanceKey(id string) string {
	return s.prefix + ":instance:" + id
}

func (s *RedisStore) eventsKey(id string, generation int) string {
	return s.prefix + ":events:" + id + ":" + strconv.Itoa(generation)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":instances"
}

func encodeEvents(events []durable.Event) ([]any, error) {
	out := make([]any, 0, len(events))
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return nil, err
		}
		out = append(out, string(data))
	}
	return out, nil
}
