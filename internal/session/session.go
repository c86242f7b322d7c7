package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/agent/core"
)

const carryKeyPrefix = "session:carry:"

// Connect opens a Redis client from storage config and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Host, cfg.Port, err)
	}
	return client, nil
}

// Store persists the carried turn fragment (current lead, current proposal)
// per session id, so consecutive turns of one conversation share focus.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Get returns the carried fragment for a session. An unknown session id is
// not an error, it yields an empty carry.
func (s *Store) Get(ctx context.Context, sessionID string) (core.Carry, error) {
	var carry core.Carry
	val, err := s.rdb.Get(ctx, carryKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return carry, nil
	}
	if err != nil {
		return carry, err
	}
	if err := json.Unmarshal([]byte(val), &carry); err != nil {
		// A corrupt fragment should not block the turn.
		s.logger.Printf("dropping unreadable carry for session %s: %v", sessionID, err)
		return core.Carry{}, nil
	}
	return carry, nil
}

// Put stores the fragment produced by a turn, refreshing the session TTL.
func (s *Store) Put(ctx context.Context, sessionID string, carry core.Carry) error {
	data, err := json.Marshal(carry)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, carryKeyPrefix+sessionID, data, s.ttl).Err()
}

// Clear drops the fragment for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, carryKeyPrefix+sessionID).Err()
}
