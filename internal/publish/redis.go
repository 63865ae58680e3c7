package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeo-scada/s7/internal/config"
)

// RedisSink stores the latest message of each channel under
// <prefix>:<device>:<channel>, keeps an optional capped history list
// under the same key with a ":history" suffix and announces every change
// on <prefix>:changes.
type RedisSink struct {
	cfg config.RedisConfig

	mu     sync.RWMutex
	client *redis.Client
}

func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	return &RedisSink{cfg: cfg}
}

func (s *RedisSink) Name() string { return "redis" }

// Key returns the key holding the latest message of a channel.
func (s *RedisSink) Key(msg Message) string {
	return joinKey(":", s.cfg.KeyPrefix, msg.Device, msg.Channel)
}

// ChangesChannel returns the pub/sub channel for change notifications.
func (s *RedisSink) ChangesChannel() string {
	return joinKey(":", s.cfg.KeyPrefix, "changes")
}

func (s *RedisSink) Start(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         s.cfg.Address,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis connect %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("redis: not started")
	}

	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	key := s.Key(msg)
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		if n := s.cfg.HistoryLength; n > 0 {
			pipe.LPush(ctx, key+":history", payload)
			pipe.LTrim(ctx, key+":history", 0, int64(n-1))
		}
		pipe.Publish(ctx, s.ChangesChannel(), payload)
		return nil
	})
	return err
}

func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
