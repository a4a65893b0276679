// Package runner implements the external job-dispatch boundary: the
// orchestrator enqueues generation work here and subscribes to the remote
// worker's status feed. The runner is best-effort and untrusted; this core
// never performs the work locally in its place.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"dayspark/internal/orchestrator"
	"dayspark/pkg/logx"
)

type Config struct {
	RedisURL  string
	KeyPrefix string // defaults to "dayspark:"
}

// Redis hands dispatches to a Redis-backed worker pool: the dispatch record
// is stored under a per-id key and its id pushed onto the work queue in one
// pipeline. Status updates come back on a pub/sub channel.
type Redis struct {
	client *redis.Client
	log    logx.Logger

	keyPrefix  string
	queueKey   string
	updatesKey string
}

// NewRedis creates the runner and verifies the connection.
func NewRedis(cfg Config, log logx.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "dayspark:"
	}
	return &Redis{
		client:     client,
		log:        log,
		keyPrefix:  prefix,
		queueKey:   prefix + "queue:dispatch",
		updatesKey: prefix + "updates",
	}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) dispatchKey(id string) string {
	return r.keyPrefix + "dispatch:" + id
}

// Enqueue stores the dispatch record and pushes its id onto the work queue
// atomically. An error here means the runner did not accept the job; the
// orchestrator treats that as a terminal dispatch failure.
func (r *Redis) Enqueue(ctx context.Context, d orchestrator.Dispatch) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.dispatchKey(d.ID), data, 0)
	pipe.LPush(ctx, r.queueKey, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}

	r.log.Debug("dispatch enqueued", logx.String("dispatch_id", d.ID), logx.String("key", d.Key.String()))
	return nil
}

// Subscribe pumps the remote status feed into fn until the returned stop
// function is called or ctx ends. The subscription is scoped: callers tie
// stop to their shutdown so no observer leaks past the orchestrator's
// lifetime. Malformed feed entries are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context, fn func(orchestrator.Update)) (stop func(), err error) {
	sub := r.client.Subscribe(ctx, r.updatesKey)
	// Force the subscription to be established before returning so callers
	// never miss updates published right after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to updates: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range sub.Channel() {
			var u orchestrator.Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				r.log.Warn("malformed status update skipped", logx.Err(err))
				continue
			}
			fn(u)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Close()
			wg.Wait()
		})
	}, nil
}
