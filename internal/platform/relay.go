package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dayuer/livehub/internal/redis"
)

// connectFunc opens one relay stream. The channel closes when the stream
// ends.
type connectFunc func(ctx context.Context) (<-chan []byte, error)

// relayAdapter consumes a stream of danmaku-format frames produced by an
// external collector, reconnecting with backoff.
type relayAdapter struct {
	cfg     Config
	source  string
	policy  RetryPolicy
	connect connectFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRelay(cfg Config, connect connectFunc) *relayAdapter {
	return &relayAdapter{
		cfg:     cfg,
		source:  cfg.Credential("source", cfg.Platform),
		policy:  retryPolicyFor(cfg),
		connect: connect,
	}
}

func (a *relayAdapter) Platform() string { return a.cfg.Platform }

func (a *relayAdapter) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx, sink, a.done)
	return nil
}

func (a *relayAdapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	done := a.done
	a.mu.Unlock()
	<-done
}

func (a *relayAdapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *relayAdapter) run(ctx context.Context, sink Sink, done chan struct{}) {
	defer close(done)
	id := a.cfg.ID()
	attempts := 0
	for {
		frames, err := a.connect(ctx)
		if err == nil {
			log.Printf("[Platform] 🔗 Relay %s connected", id)
			attempts = 0
			a.consume(ctx, sink, frames)
			if ctx.Err() != nil {
				return
			}
			err = errors.New("relay stream closed")
		}
		if ctx.Err() != nil {
			return
		}

		attempts++
		if attempts >= a.policy.MaxAttempts {
			log.Printf("[Platform] ❌ Relay %s giving up after %d attempts: %v", id, attempts, err)
			a.mu.Lock()
			a.running = false
			a.cancel()
			a.mu.Unlock()
			sink.Fail(&AdapterError{Platform: a.cfg.Platform, Err: err, Fatal: true})
			return
		}
		log.Printf("[Platform] ⚠️ Relay %s attempt %d failed: %v", id, attempts, err)
		sink.Fail(&AdapterError{Platform: a.cfg.Platform, Err: err})
		if !a.policy.wait(ctx, attempts) {
			return
		}
	}
}

func (a *relayAdapter) consume(ctx context.Context, sink Sink, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			msgs, err := parseDanmaku(data, a.cfg, a.source)
			if err != nil {
				log.Printf("[Platform] ⚠️ Relay %s dropped frame: %v", a.cfg.ID(), err)
				continue
			}
			for _, m := range msgs {
				sink.Deliver(m)
			}
		}
	}
}

// newWSRelay dials a websocket collector at cfg.WebhookURL (or the "url"
// credential). A "token" credential is sent as a Bearer header.
func newWSRelay(cfg Config, _ Deps) (Adapter, error) {
	url := cfg.WebhookURL
	if url == "" {
		url = cfg.Credential("url", "")
	}
	if url == "" {
		return nil, fmt.Errorf("websocket relay %s: url not configured", cfg.ID())
	}
	header := http.Header{}
	if token := cfg.Credential("token", ""); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return newRelay(cfg, func(ctx context.Context) (<-chan []byte, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}

		out := make(chan []byte)
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		go func() {
			defer close(out)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("[Platform] ⚠️ Relay read: %v", err)
					}
					conn.Close()
					return
				}
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}), nil
}

// newRedisRelay subscribes to a pub/sub channel, by default
// livehub:relay:<platform>:<room>.
func newRedisRelay(cfg Config, deps Deps) (Adapter, error) {
	if deps.Listener == nil {
		return nil, fmt.Errorf("redis relay %s: redis not configured", cfg.ID())
	}
	channel := cfg.Credential("channel", redis.RelayKey(cfg.Credential("source", cfg.Platform), cfg.RoomID))
	return newRelay(cfg, func(ctx context.Context) (<-chan []byte, error) {
		return deps.Listener.Listen(ctx, channel)
	}), nil
}
