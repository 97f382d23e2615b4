package agentsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "voxroom:agent:"
	redisIndexKey  = "voxroom:agent_rooms"
)

// RedisStore keeps one JSON document per room plus a set of known rooms.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Load(ctx context.Context, roomName string) (AgentSession, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+roomName).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return AgentSession{}, ErrStoreNotFound
		}
		return AgentSession{}, fmt.Errorf("load agent session: %w", err)
	}
	var sess AgentSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return AgentSession{}, fmt.Errorf("decode agent session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess AgentSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode agent session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+sess.RoomName, raw, 0)
	pipe.SAdd(ctx, redisIndexKey, sess.RoomName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save agent session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, roomName string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKeyPrefix+roomName)
	pipe.SRem(ctx, redisIndexKey, roomName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]AgentSession, error) {
	rooms, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent rooms: %w", err)
	}
	sort.Strings(rooms)
	out := make([]AgentSession, 0, len(rooms))
	for _, room := range rooms {
		sess, err := s.Load(ctx, room)
		if errors.Is(err, ErrStoreNotFound) {
			// Index entry outlived its document; drop it.
			_ = s.client.SRem(ctx, redisIndexKey, room).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
