package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscriber mailbox capacity.
const DefaultQueueSize = 1024

var (
	ErrRouterClosed  = errors.New("router closed")
	ErrDuplicateName = errors.New("subscriber already registered")
	ErrNoKinds       = errors.New("subscriber must register at least one kind")
	ErrNilHandler    = errors.New("nil handler")
)

// Publisher is anything envelopes can be published to. *Router implements it.
type Publisher interface {
	Publish(env Envelope)
}

// Handler consumes one envelope. Handlers for a single subscriber are never
// run concurrently.
type Handler func(ctx context.Context, env Envelope)

// SubscriberStats reports one subscriber's counters.
type SubscriberStats struct {
	Kinds     []Kind `json:"kinds"`
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type subscription struct {
	name    string
	kinds   []Kind
	handler Handler
	box     *Mailbox[Envelope]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Uint64
}

// Router fans envelopes out to subscribers by payload kind.
// Publish never blocks on a slow subscriber.
type Router struct {
	mu        sync.RWMutex
	subs      map[string]*subscription
	byKind    map[Kind][]*subscription
	queueSize int
	closed    bool
}

// NewRouter creates a router whose subscribers buffer up to queueSize
// envelopes each.
func NewRouter(queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Router{
		subs:      make(map[string]*subscription),
		byKind:    make(map[Kind][]*subscription),
		queueSize: queueSize,
	}
}

// Register adds a named subscriber for the given kinds and starts its
// delivery goroutine.
func (r *Router) Register(name string, h Handler, kinds ...Kind) error {
	if h == nil {
		return ErrNilHandler
	}
	if len(kinds) == 0 {
		return ErrNoKinds
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if _, ok := r.subs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		name:    name,
		kinds:   dedupKinds(kinds),
		handler: h,
		box:     NewMailbox[Envelope](r.queueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.subs[name] = s
	for _, k := range s.kinds {
		r.byKind[k] = append(r.byKind[k], s)
	}

	go r.deliver(s)
	log.Printf("[Router] Registered %s for %v", name, s.kinds)
	return nil
}

// Unregister removes a subscriber. Envelopes still queued for it are
// discarded. Unknown names are ignored.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	s, ok := r.subs[name]
	if ok {
		r.detach(s)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	s.box.Close()
	<-s.done
	log.Printf("[Router] Unregistered %s", name)
}

// detach removes s from the indexes. Caller holds r.mu.
func (r *Router) detach(s *subscription) {
	delete(r.subs, s.name)
	for _, k := range s.kinds {
		list := r.byKind[k]
		for i, other := range list {
			if other == s {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.byKind, k)
		} else {
			r.byKind[k] = list
		}
	}
}

// Publish enqueues env for every subscriber of its kind.
func (r *Router) Publish(env Envelope) {
	kind := env.Kind()
	if kind == "" {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, s := range r.byKind[kind] {
		if evicted, _ := s.box.Put(env); evicted {
			log.Printf("[Router] ⚠️ %s mailbox full, dropped oldest envelope (total dropped: %d)",
				s.name, s.box.Dropped())
		}
	}
}

// Close stops every subscriber and waits for in-flight handlers to return.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[string]*subscription)
	r.byKind = make(map[Kind][]*subscription)
	r.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		s.box.Close()
	}
	for _, s := range subs {
		<-s.done
	}
	log.Printf("[Router] Closed (%d subscribers)", len(subs))
}

// Stats returns counters keyed by subscriber name.
func (r *Router) Stats() map[string]SubscriberStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]SubscriberStats, len(r.subs))
	for name, s := range r.subs {
		out[name] = SubscriberStats{
			Kinds:     append([]Kind(nil), s.kinds...),
			Queued:    s.box.Len(),
			Delivered: s.delivered.Load(),
			Dropped:   s.box.Dropped(),
		}
	}
	return out
}

func (r *Router) deliver(s *subscription) {
	defer close(s.done)
	for {
		env, ok := s.box.Get(s.ctx.Done())
		if !ok || s.ctx.Err() != nil {
			return
		}
		r.invoke(s, env)
	}
}

func (r *Router) invoke(s *subscription, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Router] ❌ %s panicked on %s %s: %v", s.name, env.Kind(), env.ID, rec)
		}
	}()
	s.handler(s.ctx, env)
	s.delivered.Add(1)
}

func dedupKinds(kinds []Kind) []Kind {
	seen := make(map[Kind]bool, len(kinds))
	out := make([]Kind, 0, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
