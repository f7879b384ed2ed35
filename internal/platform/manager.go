package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dayuer/livehub/internal/bus"
)

// identityNamespace seeds the UUIDv5 session IDs of ingested users.
var identityNamespace = uuid.MustParse("6f1c1f0e-5d2a-4c47-9a0e-3b8f2d7c9e41")

// SessionFor returns the session ID of a platform user. It is stable across
// restarts.
func SessionFor(platform, externalUserID string) string {
	return uuid.NewSHA1(identityNamespace, []byte(platform+"\x00"+externalUserID)).String()
}

// ManagerConfig tunes ingestion.
type ManagerConfig struct {
	IdleTimeout time.Duration // Identities silent this long are ended (default 30m)
	Language    string        // Language tag for ingested text (default zh-CN)
}

// AdapterStatus is the health of one adapter.
type AdapterStatus struct {
	Platform string `json:"platform"`
	RoomID   string `json:"roomId"`
	Enabled  bool   `json:"enabled"`
	Running  bool   `json:"running"`
	Error    string `json:"error,omitempty"`
	Received uint64 `json:"received"`
	Refused  uint64 `json:"refused"`
}

type entry struct {
	cfg     Config
	adapter Adapter
	cancel  context.CancelFunc
	err     error
	fatal   bool

	starting bool // Start is in progress outside the lock
	aborted  bool // Stop arrived while starting

	received atomic.Uint64
	refused  atomic.Uint64
}

type identity struct {
	configID    string
	platform    string
	externalID  string
	userID      string
	displayName string
	lastSeen    time.Time
}

// Manager owns platform adapters and turns their messages into envelopes.
type Manager struct {
	cfg  ManagerConfig
	pub  bus.Publisher
	deps Deps
	now  func() time.Time

	mu      sync.RWMutex
	base    context.Context
	entries map[string]*entry

	idMu       sync.Mutex
	identities map[string]*identity // sessionID -> identity
}

// NewManager creates an ingestion manager publishing to pub.
func NewManager(cfg ManagerConfig, pub bus.Publisher, deps Deps) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.Language == "" {
		cfg.Language = "zh-CN"
	}
	return &Manager{
		cfg:        cfg,
		pub:        pub,
		deps:       deps,
		now:        time.Now,
		base:       context.Background(),
		entries:    make(map[string]*entry),
		identities: make(map[string]*identity),
	}
}

// Register subscribes to generated responses so adapters that can answer
// users directly get the reply.
func (m *Manager) Register(r *bus.Router) error {
	return r.Register("platform", m.onResponse, bus.KindResponseGenerated)
}

// Add builds an adapter for cfg and returns its ID. It does not start it.
func (m *Manager) Add(cfg Config) (string, error) {
	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	cfg.RoomID = strings.TrimSpace(cfg.RoomID)
	if cfg.RoomID == "" {
		return "", fmt.Errorf("%w: room id is required", ErrInvalidConfig)
	}
	factory, ok := lookupFactory(cfg.Platform)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}

	id := cfg.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrAdapterExists, id)
	}
	adapter, err := factory(cfg, m.deps)
	if err != nil {
		return "", err
	}
	m.entries[id] = &entry{cfg: cfg, adapter: adapter}
	log.Printf("[Platform] Added %s", id)
	return id, nil
}

// Remove stops and forgets an adapter.
func (m *Manager) Remove(id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	log.Printf("[Platform] Removed %s", id)
	return nil
}

// Start starts an adapter. Starting a running adapter, or one already
// starting, is a no-op; starting an adapter stopped by a fatal error clears
// the error. The adapter's own Start may block on the network, so it runs
// without the manager lock.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	if e.starting {
		m.mu.Unlock()
		return nil
	}
	if e.cancel != nil {
		if e.adapter.IsRunning() {
			m.mu.Unlock()
			return nil
		}
		e.cancel()
		e.cancel = nil
	}
	e.starting = true
	e.aborted = false
	ctx, cancel := context.WithCancel(m.base)
	m.mu.Unlock()

	err := e.adapter.Start(ctx, &entrySink{m: m, id: id})

	m.mu.Lock()
	e.starting = false
	aborted := e.aborted
	if err == nil && !aborted {
		e.cancel = cancel
		e.err = nil
		e.fatal = false
	} else if err != nil {
		e.err = err
		var ae *AdapterError
		e.fatal = errors.As(err, &ae) && ae.Fatal
	}
	m.mu.Unlock()

	switch {
	case err != nil:
		cancel()
		log.Printf("[Platform] ❌ Start %s: %v", id, err)
		return fmt.Errorf("start %s: %w", id, err)
	case aborted:
		e.adapter.Stop()
		cancel()
		log.Printf("[Platform] Stopped %s while it was starting", id)
		return nil
	}
	log.Printf("[Platform] ✅ Started %s", id)
	return nil
}

// Stop stops an adapter. Stopping a stopped adapter is a no-op.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	cancel := e.cancel
	e.cancel = nil
	if e.starting {
		e.aborted = true
	}
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	e.adapter.Stop()
	cancel()
	log.Printf("[Platform] Stopped %s", id)
	return nil
}

// StartAll starts every enabled adapter. ctx bounds the lifetime of all
// adapters started afterwards.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.cfg.Enabled {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		m.Start(id)
	}
}

// StopAll stops every adapter.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// Adapter returns the adapter with the given ID.
func (m *Manager) Adapter(id string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Configs lists adapter configs with credentials removed.
func (m *Manager) Configs() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, 0, len(m.entries))
	for _, e := range m.entries {
		c := e.cfg
		c.Credentials = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Status returns the health of every adapter.
func (m *Manager) Status() map[string]AdapterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]AdapterStatus, len(m.entries))
	for id, e := range m.entries {
		st := AdapterStatus{
			Platform: e.cfg.Platform,
			RoomID:   e.cfg.RoomID,
			Enabled:  e.cfg.Enabled,
			Running:  e.cancel != nil && e.adapter.IsRunning(),
			Received: e.received.Load(),
			Refused:  e.refused.Load(),
		}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out[id] = st
	}
	return out
}

// HandlePayload hands a webhook payload to the adapter with the given ID.
func (m *Manager) HandlePayload(id string, data []byte) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	h, ok := e.adapter.(PayloadHandler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWebhook, id)
	}
	if err := h.HandlePayload(data); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			log.Printf("[Platform] ⚠️ Malformed payload for %s: %v", id, err)
		}
		return err
	}
	return nil
}

// entrySink routes one adapter's output back into the manager.
type entrySink struct {
	m  *Manager
	id string
}

func (s *entrySink) Deliver(msg NormalizedMessage) { s.m.deliver(s.id, msg) }
func (s *entrySink) Fail(err error)                { s.m.fail(s.id, err) }

func (m *Manager) deliver(id string, msg NormalizedMessage) {
	m.mu.RLock()
	e, ok := m.entries[id]
	live := ok && (e.cancel != nil || e.starting) && !e.fatal
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !live {
		e.refused.Add(1)
		log.Printf("[Platform] ⚠️ Refused message from stopped adapter %s", id)
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	e.received.Add(1)

	if msg.Platform == "" {
		msg.Platform = e.cfg.Platform
	}
	sessionID := SessionFor(msg.Platform, msg.ExternalUserID)
	userID := msg.Platform + "_" + msg.ExternalUserID

	m.idMu.Lock()
	ident, seen := m.identities[sessionID]
	if !seen {
		ident = &identity{
			configID:   id,
			platform:   msg.Platform,
			externalID: msg.ExternalUserID,
			userID:     userID,
		}
		m.identities[sessionID] = ident
	}
	ident.configID = id
	ident.displayName = msg.DisplayName
	ident.lastSeen = m.now()
	m.idMu.Unlock()

	if !seen {
		m.pub.Publish(bus.NewEnvelope(sessionID, userID, bus.UserConnected{
			SessionID: sessionID,
			UserID:    userID,
			Source:    msg.Platform,
		}))
	}
	m.pub.Publish(bus.NewEnvelope(sessionID, userID, bus.TextInput{
		Text:     msg.Content,
		Language: m.cfg.Language,
		Source:   msg.Platform,
	}))
}

func (m *Manager) fail(id string, err error) {
	var ae *AdapterError
	fatal := errors.As(err, &ae) && ae.Fatal

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.err = err
	var cancel context.CancelFunc
	if fatal {
		e.fatal = true
		cancel = e.cancel
		e.cancel = nil
	}
	m.mu.Unlock()

	if !fatal {
		log.Printf("[Platform] ⚠️ %s: %v", id, err)
		return
	}
	log.Printf("[Platform] ❌ %s stopped: %v", id, err)
	if cancel != nil {
		cancel()
		go e.adapter.Stop()
	}
}

// SweepIdle ends ingested identities that have been silent longer than
// the idle timeout and returns how many were ended.
func (m *Manager) SweepIdle(now time.Time) int {
	var ended []*identity
	var sessions []string
	m.idMu.Lock()
	for sid, ident := range m.identities {
		if now.Sub(ident.lastSeen) >= m.cfg.IdleTimeout {
			ended = append(ended, ident)
			sessions = append(sessions, sid)
			delete(m.identities, sid)
		}
	}
	m.idMu.Unlock()

	for i, ident := range ended {
		m.pub.Publish(bus.NewEnvelope(sessions[i], ident.userID, bus.UserDisconnected{
			SessionID: sessions[i],
			UserID:    ident.userID,
			Reason:    "idle",
		}))
	}
	if len(ended) > 0 {
		log.Printf("[Platform] Ended %d idle identities", len(ended))
	}
	return len(ended)
}

// IdentityCount returns the number of active ingested identities.
func (m *Manager) IdentityCount() int {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return len(m.identities)
}

func (m *Manager) onResponse(ctx context.Context, env bus.Envelope) {
	resp, ok := env.Payload.(bus.ResponseGenerated)
	if !ok {
		return
	}
	m.idMu.Lock()
	ident, ok := m.identities[env.SessionID]
	var configID, externalID string
	if ok {
		configID, externalID = ident.configID, ident.externalID
	}
	m.idMu.Unlock()
	if !ok {
		return
	}

	adapter, ok := m.Adapter(configID)
	if !ok {
		return
	}
	replier, ok := adapter.(Replier)
	if !ok {
		return
	}
	if err := replier.Reply(ctx, externalID, resp.Response); err != nil {
		log.Printf("[Platform] ⚠️ Reply via %s failed: %v", configID, err)
	}
}
