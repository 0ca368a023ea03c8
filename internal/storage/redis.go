package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"fieldops/internal/model"
)

const eventLogLimit = 1000

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis accepts either a redis:// URL or a bare host:port address.
func NewRedis(dsn, prefix string) (CacheStore, error) {
	opts := &redis.Options{Addr: dsn}
	if strings.Contains(dsn, "://") {
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		opts = parsed
	}
	if prefix == "" {
		prefix = "fieldops:snapshot:"
	}
	return &redisStore{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (s *redisStore) Init(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) Get(ctx context.Context, buildingID string) (model.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+buildingID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *redisStore) Put(ctx context.Context, buildingID string, snap model.Snapshot) error {
	data, err := encodeSnapshot(buildingID, snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+buildingID, data, 0).Err()
}

// SaveEvent keeps the most recent events in a capped list.
func (s *redisStore) SaveEvent(ctx context.Context, evt model.EscalationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := s.eventsKey()
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, eventLogLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) eventsKey() string {
	return strings.TrimSuffix(s.prefix, "snapshot:") + "events"
}
