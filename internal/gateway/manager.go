// Package gateway maps live client connections to sessions: it turns
// inbound frames into envelopes and writes the digital human's output back
// to the connection that owns each session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dayuer/livehub/internal/bus"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrSessionInUse        = errors.New("session is attached to another connection")
)

// FrameKind distinguishes text from binary transport frames.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

func (k FrameKind) String() string {
	if k == FrameBinary {
		return "binary"
	}
	return "text"
}

// Sink is the write side of one transport connection. WriteFrame is only
// called from a single goroutine per connection.
type Sink interface {
	WriteFrame(kind FrameKind, data []byte) error
	Close() error
}

// Config tunes the connection manager.
type Config struct {
	OutboundQueue int           // Queued outbound frames per connection (default 256)
	MaxAudioBytes int           // Largest accepted audio payload (default 4 MiB)
	AudioFormat   string        // Assumed when no audio_input header precedes a binary frame
	SampleRate    int           // Assumed sample rate (default 16000)
	ResumeWindow  time.Duration // How long a detached session can be resumed (default 10m)
}

type outFrame struct {
	kind FrameKind
	data []byte
}

// audioHeader describes the binary frame that follows it.
type audioHeader struct {
	format     string
	sampleRate int
}

type handle struct {
	connID      string
	sessionID   string
	userID      string
	connectedAt time.Time
	sink        Sink
	out         *bus.Mailbox[outFrame]
	done        chan struct{}

	mu      sync.Mutex
	pending *audioHeader

	inbound  atomic.Uint64
	outbound atomic.Uint64
}

type detached struct {
	userID string
	at     time.Time
}

// Manager owns the connection ↔ session mapping.
type Manager struct {
	cfg Config
	pub bus.Publisher

	mu        sync.RWMutex
	handles   map[string]*handle            // connID -> handle
	bySession map[string]map[string]*handle // sessionID -> connID -> handle
	detached  map[string]detached           // resumable sessions

	connects    atomic.Uint64
	disconnects atomic.Uint64
	malformed   atomic.Uint64
}

// NewManager creates a connection manager publishing to pub.
func NewManager(cfg Config, pub bus.Publisher) *Manager {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 256
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 4 << 20
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pcm"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = 10 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		pub:       pub,
		handles:   make(map[string]*handle),
		bySession: make(map[string]map[string]*handle),
		detached:  make(map[string]detached),
	}
}

// Register subscribes the manager to the outbound event kinds.
func (m *Manager) Register(r *bus.Router) error {
	return r.Register("gateway", m.OnOutboundEvent,
		bus.KindResponseGenerated,
		bus.KindSpeechGenerated,
		bus.KindAnimationTriggered,
	)
}

// OnConnect registers a connection and returns its session ID. A resume ID
// reattaches a recently detached session of the same user; any other resume
// ID is ignored and a new session is created.
func (m *Manager) OnConnect(connID, userID, resumeID string, sink Sink) (string, error) {
	if userID == "" {
		userID = "anonymous"
	}

	m.mu.Lock()
	if _, ok := m.handles[connID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}

	sessionID := ""
	if resumeID != "" {
		if len(m.bySession[resumeID]) > 0 {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrSessionInUse, resumeID)
		}
		if d, ok := m.detached[resumeID]; ok && d.userID == userID && time.Since(d.at) < m.cfg.ResumeWindow {
			sessionID = resumeID
			delete(m.detached, resumeID)
		} else {
			log.Printf("[Gateway] ⚠️ Cannot resume session %s for %s, starting a new one", resumeID, userID)
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	h := &handle{
		connID:      connID,
		sessionID:   sessionID,
		userID:      userID,
		connectedAt: time.Now(),
		sink:        sink,
		out:         bus.NewMailbox[outFrame](m.cfg.OutboundQueue),
		done:        make(chan struct{}),
	}
	m.handles[connID] = h
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[string]*handle)
	}
	m.bySession[sessionID][connID] = h
	m.mu.Unlock()

	go m.writeLoop(h)

	m.connects.Add(1)
	log.Printf("[Gateway] 🔗 Connection %s started for user %s, session %s", connID, userID, sessionID)
	m.pub.Publish(bus.NewEnvelope(sessionID, userID, bus.UserConnected{
		SessionID: sessionID,
		UserID:    userID,
		Source:    "client",
	}))
	return sessionID, nil
}

// Send queues a raw frame for a connection.
func (m *Manager) Send(connID string, kind FrameKind, data []byte) error {
	m.mu.RLock()
	h, ok := m.handles[connID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	m.enqueue(h, outFrame{kind: kind, data: data})
	return nil
}

func (m *Manager) enqueue(h *handle, f outFrame) {
	if evicted, ok := h.out.Put(f); ok && evicted {
		log.Printf("[Gateway] ⚠️ Outbound queue full for %s, dropped oldest frame", h.connID)
	}
}

func (m *Manager) writeLoop(h *handle) {
	for {
		f, ok := h.out.Get(h.done)
		if !ok {
			return
		}
		if err := h.sink.WriteFrame(f.kind, f.data); err != nil {
			m.OnDisconnect(h.connID, fmt.Errorf("write: %w", err))
			return
		}
		h.outbound.Add(1)
	}
}

// OnInboundFrame parses one frame from a connection and publishes the
// resulting input. Malformed frames are answered with an error frame and
// never published.
func (m *Manager) OnInboundFrame(connID string, kind FrameKind, raw []byte) error {
	m.mu.RLock()
	h, ok := m.handles[connID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	h.inbound.Add(1)

	if kind == FrameBinary {
		return m.onAudio(h, raw)
	}

	msg, err := ParseInbound(raw)
	if err != nil {
		return m.reject(h, err.Error())
	}

	switch msg.Type {
	case TypeTextInput:
		m.pub.Publish(bus.NewEnvelope(h.sessionID, h.userID, bus.TextInput{
			Text:     msg.Content,
			Language: msg.Language,
			Source:   "client",
		}))
	case TypeAudioInput:
		hdr := &audioHeader{format: msg.Format, sampleRate: msg.SampleRate}
		if hdr.format == "" {
			hdr.format = m.cfg.AudioFormat
		}
		if hdr.sampleRate <= 0 {
			hdr.sampleRate = m.cfg.SampleRate
		}
		h.mu.Lock()
		h.pending = hdr
		h.mu.Unlock()
	case TypePing:
		m.enqueue(h, outFrame{kind: FrameText, data: EncodeControl(TypePong, nil)})
	}
	return nil
}

func (m *Manager) onAudio(h *handle, data []byte) error {
	if len(data) == 0 {
		return m.reject(h, "empty audio payload")
	}
	if len(data) > m.cfg.MaxAudioBytes {
		return m.reject(h, fmt.Sprintf("audio payload too large (%d > %d bytes)", len(data), m.cfg.MaxAudioBytes))
	}

	h.mu.Lock()
	hdr := h.pending
	h.pending = nil
	h.mu.Unlock()
	if hdr == nil {
		hdr = &audioHeader{format: m.cfg.AudioFormat, sampleRate: m.cfg.SampleRate}
	}

	m.pub.Publish(bus.NewEnvelope(h.sessionID, h.userID, bus.AudioInput{
		Data:       append([]byte(nil), data...),
		Format:     hdr.format,
		SampleRate: hdr.sampleRate,
	}))
	return nil
}

func (m *Manager) reject(h *handle, reason string) error {
	m.malformed.Add(1)
	log.Printf("[Gateway] ⚠️ Malformed frame from %s: %s", h.connID, reason)
	m.enqueue(h, outFrame{kind: FrameText, data: EncodeError(reason)})
	return fmt.Errorf("%w: %s", ErrMalformedFrame, reason)
}

// OnOutboundEvent writes an output envelope to every connection attached
// to its session.
func (m *Manager) OnOutboundEvent(_ context.Context, env bus.Envelope) {
	frame, err := EncodeOutbound(env)
	if err != nil {
		log.Printf("[Gateway] ❌ Cannot encode %s: %v", env.Kind(), err)
		return
	}

	m.mu.RLock()
	targets := make([]*handle, 0, len(m.bySession[env.SessionID]))
	for _, h := range m.bySession[env.SessionID] {
		targets = append(targets, h)
	}
	m.mu.RUnlock()

	for _, h := range targets {
		m.enqueue(h, outFrame{kind: FrameText, data: frame})
	}
}

// OnDisconnect removes a connection. Only the first call for a connection
// has any effect; it reports whether this call was that one.
func (m *Manager) OnDisconnect(connID string, cause error) bool {
	m.mu.Lock()
	h, ok := m.handles[connID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.handles, connID)
	if conns := m.bySession[h.sessionID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.bySession, h.sessionID)
			m.detached[h.sessionID] = detached{userID: h.userID, at: time.Now()}
		}
	}
	m.mu.Unlock()

	close(h.done)
	h.out.Close()
	if err := h.sink.Close(); err != nil {
		log.Printf("[Gateway] ⚠️ Close %s: %v", connID, err)
	}

	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}
	m.disconnects.Add(1)
	log.Printf("[Gateway] 🔌 Connection %s ended for user %s, session %s (%s)", connID, h.userID, h.sessionID, reason)
	m.pub.Publish(bus.NewEnvelope(h.sessionID, h.userID, bus.UserDisconnected{
		SessionID: h.sessionID,
		UserID:    h.userID,
		Reason:    reason,
	}))
	return true
}

// CloseAll disconnects every connection.
func (m *Manager) CloseAll(cause error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.OnDisconnect(id, cause)
	}
}

// SweepDetached forgets detached sessions that can no longer be resumed.
func (m *Manager) SweepDetached(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, d := range m.detached {
		if now.Sub(d.at) >= m.cfg.ResumeWindow {
			delete(m.detached, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	ConnID      string    `json:"connId"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Inbound     uint64    `json:"inbound"`
	Outbound    uint64    `json:"outbound"`
	Queued      int       `json:"queued"`
	Dropped     uint64    `json:"dropped"`
}

// Sessions lists live connections, oldest first.
func (m *Manager) Sessions() []ConnectionInfo {
	m.mu.RLock()
	out := make([]ConnectionInfo, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, ConnectionInfo{
			ConnID:      h.connID,
			SessionID:   h.sessionID,
			UserID:      h.userID,
			ConnectedAt: h.connectedAt,
			Inbound:     h.inbound.Load(),
			Outbound:    h.outbound.Load(),
			Queued:      h.out.Len(),
			Dropped:     h.out.Dropped(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stats returns counters for status output.
func (m *Manager) Stats() map[string]any {
	return map[string]any{
		"connections": m.Count(),
		"connects":    m.connects.Load(),
		"disconnects": m.disconnects.Load(),
		"malformed":   m.malformed.Load(),
	}
}
