// Package redis provides the optional retry-request queue. Operators
// or external tooling push retry requests onto a Redis list; the
// worker drains it and hands each request to the retry coordinator.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docflow-io/docflow/internal/health"
	"github.com/docflow-io/docflow/internal/recovery"
)

const retryQueueKey = "docflow:retry_requests"

// Client wraps Redis operations for the retry queue.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

type retryRequest struct {
	Last      bool   `json:"last,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
}

// PushRetryRequest enqueues a retry request for the drain loop.
func (c *Client) PushRetryRequest(ctx context.Context, scope recovery.Scope) error {
	payload, err := json.Marshal(retryRequest{
		Last:      scope.Last,
		SessionID: scope.SessionID,
		FilePath:  scope.FilePath,
	})
	if err != nil {
		return fmt.Errorf("failed to encode retry request: %w", err)
	}
	if err := c.rdb.LPush(ctx, retryQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("lpush failed: %w", err)
	}
	return nil
}

// Next pops the oldest retry request, reporting found=false on an
// empty queue. It implements recovery.RequestSource.
func (c *Client) Next(ctx context.Context) (recovery.Scope, bool, error) {
	raw, err := c.rdb.RPop(ctx, retryQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return recovery.Scope{}, false, nil
	}
	if err != nil {
		return recovery.Scope{}, false, fmt.Errorf("rpop failed: %w", err)
	}

	var req retryRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return recovery.Scope{}, false, fmt.Errorf("invalid retry request payload: %w", err)
	}
	return recovery.Scope{
		Last:      req.Last,
		SessionID: req.SessionID,
		FilePath:  req.FilePath,
	}, true, nil
}

// QueueDepth returns the number of pending retry requests.
func (c *Client) QueueDepth(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, retryQueueKey).Result()
}

// HealthSnapshot implements health.Provider.
func (c *Client) HealthSnapshot(ctx context.Context) health.Component {
	comp := health.Component{Name: "redis", Status: health.StatusHealthy}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		comp.Status = health.StatusDegraded
		comp.Details = map[string]any{"error": err.Error()}
		return comp
	}

	if depth, err := c.QueueDepth(pingCtx); err == nil {
		comp.Details = map[string]any{"retry_queue_depth": depth}
	}
	return comp
}
