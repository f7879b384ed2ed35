package platform

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// webhookAdapter is fed by the hub's webhook endpoint; it has no
// connection of its own.
type webhookAdapter struct {
	cfg   Config
	parse Parser

	mu      sync.RWMutex
	sink    Sink
	running bool
	run     uint64 // Incremented by every Start
	stop    context.CancelFunc
}

func webhookFactory(parse Parser) Factory {
	return func(cfg Config, _ Deps) (Adapter, error) {
		return &webhookAdapter{cfg: cfg, parse: parse}, nil
	}
}

func (a *webhookAdapter) Platform() string { return a.cfg.Platform }

func (a *webhookAdapter) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.sink = sink
	a.running = true
	a.run++
	a.stop = cancel
	run := a.run
	// Ends this run only; a later Start must not be torn down by it.
	context.AfterFunc(ctx, func() { a.stopRun(run) })
	log.Printf("[Platform] ✅ %s webhook ready for room %s", a.cfg.Platform, a.cfg.RoomID)
	return nil
}

func (a *webhookAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.stopLocked()
	}
}

func (a *webhookAdapter) stopRun(run uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running && a.run == run {
		a.stopLocked()
	}
}

func (a *webhookAdapter) stopLocked() {
	a.running = false
	a.sink = nil
	a.stop()
}

func (a *webhookAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// HandlePayload parses a native payload and delivers its messages.
func (a *webhookAdapter) HandlePayload(data []byte) error {
	a.mu.RLock()
	sink, running := a.sink, a.running
	a.mu.RUnlock()
	if !running {
		return fmt.Errorf("%w: %s", ErrNotRunning, a.cfg.ID())
	}

	msgs, err := a.parse(data, a.cfg)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		sink.Deliver(m)
	}
	return nil
}
