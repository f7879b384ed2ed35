// Package agent implements the digital human's response unit: it owns every
// session's conversation state, turns admitted input into replies through a
// pluggable generator, and publishes responses, animations and speech.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dayuer/livehub/internal/bus"
	"github.com/dayuer/livehub/internal/lane"
	"github.com/dayuer/livehub/internal/providers"
	"github.com/dayuer/livehub/internal/session"
	"github.com/dayuer/livehub/internal/utils"
)

// FallbackModel is stamped on replies the generator did not produce.
const FallbackModel = "fallback"

// endedTTL is how long an ended session ID keeps refusing late input. It
// also bounds how long a session created by input alone, with no
// UserConnected, survives once idle.
const endedTTL = 10 * time.Minute

// Fallback replies.
const (
	ReplyGeneratorFailed = "Sorry, I couldn't come up with a reply just now. Please try again."
	ReplyBusy            = "I'm still answering your previous messages. Please wait a moment."
	ReplyNoAudio         = "I can't listen to voice messages yet. Please type your message instead."
	ReplyNotHeard        = "Sorry, I couldn't make out that voice message. Could you type it instead?"
	ReplySessionEnded    = "This conversation has ended. Please reconnect to continue."
)

// Config configures a Unit.
type Config struct {
	Persona          session.Persona
	MaxHistory       int           // Turns kept per session (default 50)
	GenerateTimeout  time.Duration // Per-reply deadline (default 30s)
	MaxConcurrent    int           // Concurrent generator calls (default 8)
	MaxPending       int           // Queued events per session (default 32)
	SessionRetention time.Duration // Keep disconnected sessions this long; 0 removes at once
}

// Unit is the response unit. Events for one session are processed one at a
// time, in order; different sessions run concurrently.
type Unit struct {
	id  string
	cfg Config

	gen         providers.Generator
	synth       providers.Synthesizer
	transcriber providers.Transcriber
	animate     Animator

	pub      bus.Publisher
	sessions *session.Store
	lanes    *lane.Manager
	sem      *semaphore.Weighted

	endedMu sync.Mutex
	ended   map[string]time.Time // Session ID -> when it ended

	replies   atomic.Uint64
	fallbacks atomic.Uint64
	latency   *latencyStats
}

// Option customizes a Unit.
type Option func(*Unit)

// WithSynthesizer enables speech output for every reply.
func WithSynthesizer(s providers.Synthesizer) Option {
	return func(u *Unit) { u.synth = s }
}

// WithTranscriber enables audio input.
func WithTranscriber(t providers.Transcriber) Option {
	return func(u *Unit) { u.transcriber = t }
}

// WithAnimator replaces the default KeywordAnimator.
func WithAnimator(a Animator) Option {
	return func(u *Unit) {
		if a == nil {
			a = NoAnimation
		}
		u.animate = a
	}
}

// NewUnit creates a response unit publishing to pub.
func NewUnit(cfg Config, gen providers.Generator, pub bus.Publisher, opts ...Option) *Unit {
	if cfg.Persona.Name == "" {
		cfg.Persona = session.DefaultPersona()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = session.DefaultMaxHistory
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 32
	}
	if gen == nil {
		gen = providers.Echo{}
	}

	u := &Unit{
		id:       uuid.NewString(),
		cfg:      cfg,
		gen:      gen,
		animate:  KeywordAnimator,
		pub:      pub,
		sessions: session.NewStore(),
		lanes:    lane.NewManager(lane.ManagerConfig{MaxPending: cfg.MaxPending}),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ended:    make(map[string]time.Time),
		latency:  newLatencyStats(time.Minute),
	}
	for _, opt := range opts {
		opt(u)
	}
	log.Printf("[Agent] DigitalHuman '%s' started with ID: %s (model %s)", cfg.Persona.Name, u.id, gen.Model())
	return u
}

// Register subscribes the unit to session lifecycle and admitted input.
func (u *Unit) Register(r *bus.Router) error {
	return r.Register("agent", u.Handle,
		bus.KindUserConnected,
		bus.KindUserDisconnected,
		bus.KindTextAdmitted,
		bus.KindAudioInput,
	)
}

// Handle queues env on its session's lane. Lifecycle events and the busy
// reply for rejected input go to the lane's reserve, so they stay ordered
// behind input already queued for the session.
func (u *Unit) Handle(_ context.Context, env bus.Envelope) {
	key := laneKey(env)
	switch env.Payload.(type) {
	case bus.UserConnected, bus.UserDisconnected:
		if err := u.lanes.SubmitReserved(key, func(ctx context.Context) { u.process(ctx, env) }); err != nil {
			log.Printf("[Agent] ⚠️ Lane for %s unavailable, applying %s directly: %v", key, env.Kind(), err)
			u.process(context.Background(), env)
		}
		return
	}

	err := u.lanes.Submit(key, func(ctx context.Context) { u.process(ctx, env) })
	if err == nil {
		return
	}
	log.Printf("[Agent] ⚠️ Session %s overloaded, rejecting %s: %v", key, env.Kind(), err)
	if err := u.lanes.SubmitReserved(key, func(context.Context) { u.fallback(env, ReplyBusy) }); err != nil {
		u.fallback(env, ReplyBusy)
	}
}

func laneKey(env bus.Envelope) string {
	if env.SessionID != "" {
		return env.SessionID
	}
	return "user:" + env.UserID
}

func (u *Unit) process(ctx context.Context, env bus.Envelope) {
	switch p := env.Payload.(type) {
	case bus.UserConnected:
		u.connect(env, p)
	case bus.UserDisconnected:
		u.disconnect(p)
	case bus.TextAdmitted:
		u.OnInput(ctx, env, p.Text)
	case bus.AudioInput:
		u.onAudio(ctx, env, p)
	}
}

func (u *Unit) connect(env bus.Envelope, p bus.UserConnected) {
	id := p.SessionID
	if id == "" {
		id = env.SessionID
	}
	userID := p.UserID
	if userID == "" {
		userID = env.UserID
	}
	u.endedMu.Lock()
	delete(u.ended, id)
	u.endedMu.Unlock()

	s, created := u.sessions.GetOrCreate(id, func() *session.Session {
		s := session.New(id, userID, u.cfg.Persona, u.cfg.MaxHistory)
		s.Source = p.Source
		return s
	})
	if created {
		log.Printf("[Agent] Created new session %s for user %s", id, userID)
		return
	}
	s.SetConnected(true)
	log.Printf("[Agent] Resumed session %s for user %s", id, userID)
}

func (u *Unit) disconnect(p bus.UserDisconnected) {
	s, ok := u.sessions.Get(p.SessionID)
	if !ok {
		return
	}
	if u.cfg.SessionRetention <= 0 {
		u.end(p.SessionID)
		log.Printf("[Agent] Removed session %s for user %s", p.SessionID, s.UserID)
		return
	}
	s.SetConnected(false)
	log.Printf("[Agent] Session %s for user %s detached (%s)", p.SessionID, s.UserID, p.Reason)
}

// end removes a session and remembers its ID so late input cannot bring it
// back.
func (u *Unit) end(id string) {
	u.sessions.Remove(id)
	u.endedMu.Lock()
	u.ended[id] = time.Now()
	u.endedMu.Unlock()
}

func (u *Unit) hasEnded(id string) bool {
	u.endedMu.Lock()
	defer u.endedMu.Unlock()
	_, ok := u.ended[id]
	return ok
}

// session returns the session for env. Input that arrives with no prior
// UserConnected creates a detached session the idle sweep can reclaim.
// Input for an ended session returns false.
func (u *Unit) session(env bus.Envelope) (*session.Session, bool) {
	id := laneKey(env)
	if s, ok := u.sessions.Get(id); ok {
		return s, true
	}
	if u.hasEnded(id) {
		return nil, false
	}
	s, created := u.sessions.GetOrCreate(id, func() *session.Session {
		s := session.New(id, env.UserID, u.cfg.Persona, u.cfg.MaxHistory)
		s.SetConnected(false)
		return s
	})
	if created {
		log.Printf("[Agent] Created session %s for user %s on first input", id, env.UserID)
	}
	return s, true
}

// OnInput answers one admitted message. It always publishes exactly one
// ResponseGenerated for the input, falling back when generation fails.
func (u *Unit) OnInput(ctx context.Context, env bus.Envelope, text string) {
	s, ok := u.session(env)
	if !ok {
		log.Printf("[Agent] Session %s already ended, not reopening it for late input", laneKey(env))
		u.fallback(env, ReplySessionEnded)
		return
	}
	s.AddTurn(session.RoleUser, text)
	log.Printf("[Agent] Processing text input for session %s: %s", s.ID, utils.Truncate(text, 80, ""))

	gctx, cancel := context.WithTimeout(ctx, u.cfg.GenerateTimeout)
	defer cancel()

	resp, err := u.generate(gctx, s)
	if err != nil {
		log.Printf("[Agent] ❌ Generation failed for session %s: %v", s.ID, err)
		u.fallback(env, ReplyGeneratorFailed)
		return
	}

	s.AddTurn(session.RoleAssistant, resp.Text)
	u.replies.Add(1)
	u.pub.Publish(env.Derive(bus.ResponseGenerated{
		Response:   resp.Text,
		Model:      resp.Model,
		TokensUsed: resp.TokensUsed,
	}))

	for _, anim := range u.animate(resp.Text) {
		u.pub.Publish(env.Derive(anim))
	}

	if u.synth != nil {
		u.speak(gctx, env, s, resp.Text)
	}
}

func (u *Unit) generate(ctx context.Context, s *session.Session) (providers.Response, error) {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		return providers.Response{}, fmt.Errorf("wait for generator slot: %w", err)
	}
	defer u.sem.Release(1)

	start := time.Now()
	resp, err := u.gen.Generate(ctx, providers.Request{
		SessionID: s.ID,
		UserID:    s.UserID,
		Persona:   s.Persona,
		History:   s.History(),
	})
	u.latency.Record(time.Since(start), err != nil)
	if err != nil {
		return providers.Response{}, err
	}
	if resp.Text == "" {
		return providers.Response{}, providers.ErrEmptyResponse
	}
	if resp.Model == "" {
		resp.Model = u.gen.Model()
	}
	return resp, nil
}

func (u *Unit) speak(ctx context.Context, env bus.Envelope, s *session.Session, text string) {
	speech, err := u.synth.Synthesize(ctx, text, s.Persona.Voice)
	if errors.Is(err, providers.ErrSpeechUnsupported) {
		return
	}
	if err != nil {
		log.Printf("[Agent] ⚠️ Speech synthesis failed for session %s: %v", s.ID, err)
		return
	}
	u.pub.Publish(env.Derive(bus.SpeechGenerated{
		Text:   text,
		Voice:  speech.Voice,
		Format: speech.Format,
		Audio:  speech.Audio,
	}))
}

// onAudio transcribes audio and feeds the text back through admission
// control as ordinary TextInput.
func (u *Unit) onAudio(ctx context.Context, env bus.Envelope, a bus.AudioInput) {
	log.Printf("[Agent] Received audio input of %d bytes for session %s", len(a.Data), env.SessionID)
	if u.transcriber == nil {
		u.fallback(env, ReplyNoAudio)
		return
	}

	tctx, cancel := context.WithTimeout(ctx, u.cfg.GenerateTimeout)
	defer cancel()

	text, err := u.transcriber.Transcribe(tctx, a.Data, a.Format, a.SampleRate)
	if err == nil && text == "" {
		err = errors.New("empty transcription")
	}
	if err != nil {
		log.Printf("[Agent] ❌ Transcription failed for session %s: %v", env.SessionID, err)
		u.fallback(env, ReplyNotHeard)
		return
	}
	u.pub.Publish(env.Derive(bus.TextInput{Text: text, Source: "transcription"}))
}

func (u *Unit) fallback(env bus.Envelope, reply string) {
	u.fallbacks.Add(1)
	u.pub.Publish(env.Derive(bus.ResponseGenerated{Response: reply, Model: FallbackModel}))
}

// SweepIdle removes disconnected sessions idle longer than the retention
// period, or than endedTTL when nothing is retained. Removal runs on each
// session's lane so it cannot interleave with input still being processed.
// Returns the number of sessions scheduled.
func (u *Unit) SweepIdle(now time.Time) int {
	u.endedMu.Lock()
	for id, at := range u.ended {
		if now.Sub(at) >= endedTTL {
			delete(u.ended, id)
		}
	}
	u.endedMu.Unlock()

	retention := u.cfg.SessionRetention
	if retention <= 0 {
		retention = endedTTL
	}
	cutoff := now.Add(-retention)
	scheduled := 0
	for _, id := range u.sessions.Idle(cutoff) {
		id := id
		err := u.lanes.Submit(id, func(context.Context) {
			s, ok := u.sessions.Get(id)
			if !ok || s.Connected() || !s.LastActive().Before(cutoff) {
				return
			}
			u.end(id)
			log.Printf("[Agent] Expired idle session %s for user %s", id, s.UserID)
		})
		if err == nil {
			scheduled++
		}
	}
	return scheduled
}

// Session returns a snapshot of one session.
func (u *Unit) Session(id string) (session.Info, []session.Turn, bool) {
	s, ok := u.sessions.Get(id)
	if !ok {
		return session.Info{}, nil, false
	}
	return s.Info(), s.History(), true
}

// Sessions lists all sessions.
func (u *Unit) Sessions() []session.Info {
	return u.sessions.List()
}

// SessionCount returns the number of live sessions held.
func (u *Unit) SessionCount() int {
	return u.sessions.Len()
}

// Info describes the digital human.
type Info struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Persona        session.Persona `json:"persona"`
	Model          string          `json:"model"`
	ActiveSessions int             `json:"activeSessions"`
	Replies        uint64          `json:"replies"`
	Fallbacks      uint64          `json:"fallbacks"`
	AvgLatencyMs   int64           `json:"avgLatencyMs"`   // Over the last minute
	MaxLatencyMs   int64           `json:"maxLatencyMs"`   // Over the last minute
	RecentCalls    int64           `json:"recentCalls"`    // Generator calls in the last minute
	RecentFailures int64           `json:"recentFailures"` // Of which failed or timed out
	Lanes          map[string]any  `json:"lanes"`
}

// String renders Info on one line.
func (i Info) String() string {
	return fmt.Sprintf("DigitalHuman: %s (ID: %s), Active sessions: %d", i.Name, i.ID, i.ActiveSessions)
}

// Info returns the unit's identity and counters.
func (u *Unit) Info() Info {
	lat := u.latency.Summary()
	return Info{
		ID:             u.id,
		Name:           u.cfg.Persona.Name,
		Persona:        u.cfg.Persona,
		Model:          u.gen.Model(),
		ActiveSessions: u.sessions.Len(),
		Replies:        u.replies.Load(),
		Fallbacks:      u.fallbacks.Load(),
		AvgLatencyMs:   lat.AvgMs,
		MaxLatencyMs:   lat.MaxMs,
		RecentCalls:    lat.Calls,
		RecentFailures: lat.Failures,
		Lanes:          u.lanes.Stats(),
	}
}

// Stop cancels in-flight work and waits for lanes to drain.
func (u *Unit) Stop() {
	u.lanes.Stop()
	u.lanes.Wait()
}
