// Package redis wraps the Redis client used for platform relays and status
// snapshots.
//
// Graceful fallback: a nil or disconnected *Client turns every operation into
// a no-op returning zero values instead of blocking the hub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	KeyRelay  = "livehub:relay:"  // Platform relay channels
	KeyStatus = "livehub:status:" // Hub status snapshots
)

// ErrUnavailable is returned by operations that need a live connection.
var ErrUnavailable = errors.New("redis unavailable")

// Config holds Redis connection settings.
type Config struct {
	URL      string `json:"url"` // redis://host:port
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// Client is a Redis connection with graceful fallback.
type Client struct {
	mu        sync.RWMutex
	rdb       *redis.Client
	connected bool
}

// Open connects to Redis. An empty URL yields a nil client and no error.
func Open(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		log.Println("[Redis] URL not configured, skipping init")
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Println("[Redis] ✅ Connected")
	return &Client{rdb: rdb, connected: true}, nil
}

// Close closes the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		c.rdb.Close()
		c.rdb = nil
		c.connected = false
		log.Println("[Redis] Connection closed")
	}
}

func (c *Client) client() *redis.Client {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connected {
		return c.rdb
	}
	return nil
}

// IsAvailable reports whether the client is connected.
func (c *Client) IsAvailable() bool { return c.client() != nil }

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	rdb := c.client()
	if rdb == nil {
		return ErrUnavailable
	}
	return rdb.Ping(ctx).Err()
}

// Publish sends a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	rdb := c.client()
	if rdb == nil {
		return ErrUnavailable
	}
	return rdb.Publish(ctx, channel, payload).Err()
}

// Listen subscribes to a pub/sub channel. The returned channel is closed when
// ctx is cancelled or the subscription breaks.
func (c *Client) Listen(ctx context.Context, channel string) (<-chan []byte, error) {
	rdb := c.client()
	if rdb == nil {
		return nil, ErrUnavailable
	}
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// --- Cache operations (with graceful fallback) ---

// CacheSet writes a string value with TTL. Returns false on failure.
func (c *Client) CacheSet(ctx context.Context, key, value string, ttl time.Duration) bool {
	rdb := c.client()
	if rdb == nil {
		return false
	}
	if err := rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("[Redis] cache_set failed (%s): %v", key, err)
		return false
	}
	return true
}

// CacheSetJSON writes a JSON-serialized value with TTL.
func (c *Client) CacheSetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[Redis] cache_set_json marshal failed (%s): %v", key, err)
		return false
	}
	return c.CacheSet(ctx, key, string(data), ttl)
}

// RelayKey returns the pub/sub channel for a platform room.
func RelayKey(platform, roomID string) string {
	return fmt.Sprintf("%s%s:%s", KeyRelay, platform, roomID)
}

// StatusKey returns the key of a hub instance's status snapshot.
func StatusKey(instanceID string) string {
	return KeyStatus + instanceID
}
