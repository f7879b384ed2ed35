// Package platform ingests chat from live-streaming and messaging platforms
// and feeds it into the hub as ordinary text input.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrMalformedPayload = errors.New("malformed platform payload")
	ErrNotRunning       = errors.New("adapter not running")
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrAdapterExists    = errors.New("adapter already configured")
	ErrAdapterNotFound  = errors.New("adapter not found")
	ErrNoWebhook        = errors.New("adapter does not accept webhook payloads")
	ErrInvalidConfig    = errors.New("invalid platform config")
)

// AdapterError is reported through Sink.Fail. A fatal error stops the
// adapter until it is explicitly started again.
type AdapterError struct {
	Platform string
	Err      error
	Fatal    bool
}

func (e *AdapterError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s adapter %s error: %v", e.Platform, kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NormalizedMessage is one chat message in platform-neutral form.
type NormalizedMessage struct {
	Platform       string    `json:"platform"`
	ExternalUserID string    `json:"externalUserId"`
	DisplayName    string    `json:"displayName"`
	Content        string    `json:"content"`
	RoomID         string    `json:"roomId"`
	UserLevel      int       `json:"userLevel,omitempty"`
	IsVIP          bool      `json:"isVip"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Config describes one platform room to ingest.
type Config struct {
	Platform    string            `json:"platform"`
	RoomID      string            `json:"roomId"`
	Credentials map[string]string `json:"credentials,omitempty"`
	WebhookURL  string            `json:"webhookUrl,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// ID returns the adapter identifier, "<platform>_<room>".
func (c Config) ID() string {
	return c.Platform + "_" + c.RoomID
}

// Credential returns a credential value or def.
func (c Config) Credential(key, def string) string {
	if v := c.Credentials[key]; v != "" {
		return v
	}
	return def
}

// Sink receives what an adapter produces.
type Sink interface {
	Deliver(msg NormalizedMessage)
	Fail(err error)
}

// Adapter is a connection to one platform room.
type Adapter interface {
	Platform() string

	// Start begins ingestion and returns once the adapter is running.
	// Background work stops when ctx is cancelled or Stop is called.
	Start(ctx context.Context, sink Sink) error

	Stop()

	IsRunning() bool
}

// PayloadHandler is implemented by adapters fed through the webhook endpoint.
type PayloadHandler interface {
	HandlePayload(data []byte) error
}

// Replier is implemented by adapters that can answer a user directly.
type Replier interface {
	Reply(ctx context.Context, externalUserID, text string) error
}

// Listener subscribes to a pub/sub channel.
type Listener interface {
	Listen(ctx context.Context, channel string) (<-chan []byte, error)
}

// Deps are shared resources handed to adapter factories.
type Deps struct {
	Listener Listener
}

// Factory builds an adapter for a config.
type Factory func(cfg Config, deps Deps) (Adapter, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory makes a platform available to Manager.Add.
func RegisterFactory(platform string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[platform] = f
}

func lookupFactory(platform string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[platform]
	return f, ok
}

// Platforms lists registered platform names.
func Platforms() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterFactory("douyin", webhookFactory(ParseDouyin))
	RegisterFactory("bilibili", webhookFactory(ParseBilibili))
	RegisterFactory("youtube", webhookFactory(ParseYouTube))
	RegisterFactory("websocket", newWSRelay)
	RegisterFactory("redis", newRedisRelay)
	RegisterFactory("telegram", newTelegram)
}

// RetryPolicy controls reconnect backoff for relay adapters.
type RetryPolicy struct {
	MaxAttempts int           // Consecutive failures before the error turns fatal
	Initial     time.Duration // First delay
	Max         time.Duration // Delay cap
	Multiplier  float64
}

// DefaultRetryPolicy is used when a config does not override it.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Initial:     500 * time.Millisecond,
	Max:         30 * time.Second,
	Multiplier:  2,
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// wait sleeps for the backoff of attempt or until ctx is done.
func (p RetryPolicy) wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(p.Backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func retryPolicyFor(cfg Config) RetryPolicy {
	p := DefaultRetryPolicy
	if v := cfg.Credential("retry_attempts", ""); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			p.MaxAttempts = n
		}
	}
	if v := cfg.Credential("retry_initial", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			p.Initial = d
		}
	}
	return p
}
