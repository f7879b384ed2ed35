// Package hub assembles the router, admission stage, response unit,
// connection manager and ingestion manager into one running process.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dayuer/livehub/internal/agent"
	"github.com/dayuer/livehub/internal/bus"
	"github.com/dayuer/livehub/internal/config"
	"github.com/dayuer/livehub/internal/gateway"
	"github.com/dayuer/livehub/internal/platform"
	"github.com/dayuer/livehub/internal/providers"
	"github.com/dayuer/livehub/internal/redis"
	"github.com/dayuer/livehub/internal/server"
	"github.com/dayuer/livehub/internal/session"
	"github.com/dayuer/livehub/internal/validator"
)

// rateStateTTL is how long a user's rate-limit history is kept after their
// last message.
const rateStateTTL = 10 * time.Minute

// statusTTL bounds the status snapshot written to redis.
const statusTTL = 5 * time.Minute

// Hub owns every component of a running livehub instance.
type Hub struct {
	cfg        config.Config
	instanceID string
	gen        providers.Generator

	Router    *bus.Router
	Validator *validator.Validator
	Generator *providers.DynamicGenerator
	Agent     *agent.Unit
	Gateway   *gateway.Manager
	Platforms *platform.Manager
	Redis     *redis.Client
	Server    *server.Server

	cron     *cron.Cron
	stopOnce sync.Once
}

// Option customizes a Hub.
type Option func(*Hub)

// WithGenerator replaces the generator built from the provider config.
func WithGenerator(g providers.Generator) Option {
	return func(h *Hub) { h.gen = g }
}

// WithInstanceID sets the instance ID reported by /health.
func WithInstanceID(id string) Option {
	return func(h *Hub) { h.instanceID = id }
}

// New builds every component from cfg. Nothing runs until Run or Start.
func New(cfg config.Config, opts ...Option) (*Hub, error) {
	h := &Hub{cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	if h.instanceID == "" {
		h.instanceID = "livehub-" + uuid.NewString()[:8]
	}

	// 1. Router
	h.Router = bus.NewRouter(cfg.Router.QueueSize)

	// 2. Admission
	rules := validator.DefaultRules()
	if cfg.Validation.RulesFile != "" {
		loaded, err := validator.LoadRules(cfg.Validation.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading rules: %w", err)
		}
		rules = loaded
	}
	h.Validator = validator.New(rules)
	if err := validator.NewStage(h.Validator, h.Router).Register(h.Router); err != nil {
		return nil, err
	}

	// 3. Generator
	if h.gen == nil {
		gen, err := providers.Build(providerConfig(cfg.Provider))
		if err != nil {
			return nil, fmt.Errorf("building provider %q: %w", cfg.Provider.Name, err)
		}
		h.gen = gen
	}
	h.Generator = providers.NewDynamicGenerator(h.gen)

	// 4. Response unit
	var unitOpts []agent.Option
	if cfg.Agent.Animations {
		unitOpts = append(unitOpts, agent.WithAnimator(agent.KeywordAnimator))
	} else {
		unitOpts = append(unitOpts, agent.WithAnimator(agent.NoAnimation))
	}
	if cfg.Provider.Speech {
		if _, ok := h.gen.(providers.Synthesizer); !ok {
			log.Printf("[Hub] ⚠️ Speech enabled but %s cannot synthesize, replies stay text-only until a speaking provider is swapped in", h.gen.Model())
		}
		// Resolved per reply so a provider swap also changes the voice backend.
		unitOpts = append(unitOpts, agent.WithSynthesizer(h.Generator))
	}
	h.Agent = agent.NewUnit(agentConfig(cfg.Agent), h.Generator, h.Router, unitOpts...)
	if err := h.Agent.Register(h.Router); err != nil {
		return nil, err
	}

	// 5. Client connections
	h.Gateway = gateway.NewManager(gateway.Config{
		OutboundQueue: cfg.Gateway.OutboundQueue,
		MaxAudioBytes: cfg.Gateway.MaxAudioBytes,
		AudioFormat:   cfg.Gateway.AudioFormat,
		SampleRate:    cfg.Gateway.SampleRate,
		ResumeWindow:  cfg.Gateway.ResumeWindow.D(),
	}, h.Router)
	if err := h.Gateway.Register(h.Router); err != nil {
		return nil, err
	}

	// 6. Redis (optional)
	rc, err := redis.Open(cfg.Redis)
	if err != nil {
		log.Printf("[Hub] ⚠️ Redis unavailable, relays and status snapshots disabled: %v", err)
	}
	h.Redis = rc

	// 7. Platform ingestion
	var deps platform.Deps
	if h.Redis != nil {
		deps.Listener = h.Redis
	}
	h.Platforms = platform.NewManager(platform.ManagerConfig{
		IdleTimeout: cfg.Ingestion.IdleTimeout.D(),
		Language:    cfg.Ingestion.Language,
	}, h.Router, deps)
	if err := h.Platforms.Register(h.Router); err != nil {
		return nil, err
	}
	for _, pc := range cfg.Platforms {
		if _, err := h.Platforms.Add(pc); err != nil {
			log.Printf("[Hub] ⚠️ Skipping platform %s: %v", pc.ID(), err)
		}
	}

	// 8. HTTP surface
	h.Server = server.NewServer(server.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		APIKey:      cfg.Server.APIKey,
		InstanceID:  h.instanceID,
		Router:      h.Router,
		Gateway:     h.Gateway,
		Platforms:   h.Platforms,
		Validator:   h.Validator,
		Agent:       h.Agent,
		Generator:   h.Generator,
		ExtraHealth: h.redisHealth,
	})

	// 9. Housekeeping
	h.cron = cron.New()
	schedule := cfg.Sweep.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := h.cron.AddFunc(schedule, func() { h.Sweep(time.Now()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return h, nil
}

// InstanceID returns the ID this hub reports.
func (h *Hub) InstanceID() string { return h.instanceID }

// Start starts enabled platform adapters and the sweep scheduler. It does
// not serve HTTP.
func (h *Hub) Start(ctx context.Context) {
	h.Platforms.StartAll(ctx)
	h.cron.Start()
	log.Printf("[Hub] ✅ %s started (%s)", h.instanceID, h.Agent.Info())
}

// Run starts the hub and serves HTTP until ctx is cancelled or the server
// fails, then stops everything.
func (h *Hub) Run(ctx context.Context) error {
	h.Start(ctx)
	defer h.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Server.Start(gctx)
	})
	if h.Redis != nil {
		g.Go(func() error {
			h.snapshotLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stop shuts the hub down: clients first, then adapters, the response
// unit and finally the router.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		<-h.cron.Stop().Done()
		h.Server.Stop()
		h.Platforms.StopAll()
		h.Agent.Stop()
		h.Router.Close()
		h.Redis.Close()
		log.Printf("[Hub] Stopped %s", h.instanceID)
	})
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Sessions   int `json:"sessions"`
	Detached   int `json:"detached"`
	Identities int `json:"identities"`
	RateState  int `json:"rateState"`
}

// Sweep ends idle platform identities and expires retained sessions,
// detached connections and stale rate-limit state.
func (h *Hub) Sweep(now time.Time) SweepResult {
	res := SweepResult{
		Identities: h.Platforms.SweepIdle(now),
		Detached:   h.Gateway.SweepDetached(now),
		Sessions:   h.Agent.SweepIdle(now),
		RateState:  h.Validator.PruneIdle(rateStateTTL),
	}
	if res != (SweepResult{}) {
		log.Printf("[Hub] Swept %d identities, %d detached, %d sessions, %d rate entries",
			res.Identities, res.Detached, res.Sessions, res.RateState)
	}
	return res
}

// Status is the snapshot published to redis.
type Status struct {
	InstanceID  string                            `json:"instanceId"`
	Model       string                            `json:"model"`
	Connections int                               `json:"connections"`
	Sessions    int                               `json:"sessions"`
	Platforms   map[string]platform.AdapterStatus `json:"platforms"`
	UpdatedAt   time.Time                         `json:"updatedAt"`
}

// Status returns the current snapshot.
func (h *Hub) Status() Status {
	return Status{
		InstanceID:  h.instanceID,
		Model:       h.Generator.Model(),
		Connections: h.Gateway.Count(),
		Sessions:    h.Agent.SessionCount(),
		Platforms:   h.Platforms.Status(),
		UpdatedAt:   time.Now().UTC(),
	}
}

func (h *Hub) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(statusTTL / 5)
	defer ticker.Stop()
	for {
		h.Redis.CacheSetJSON(ctx, redis.StatusKey(h.instanceID), h.Status(), statusTTL)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) redisHealth(ctx context.Context) map[string]any {
	if !h.Redis.IsAvailable() {
		return map[string]any{"redis": "disabled"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Redis.Ping(ctx); err != nil {
		return map[string]any{"redis": "error: " + err.Error()}
	}
	return map[string]any{"redis": "connected"}
}

func providerConfig(pc config.ProviderConfig) providers.OpenAIConfig {
	return providers.OpenAIConfig{
		Provider:    pc.Name,
		APIKey:      pc.APIKey,
		APIBase:     pc.APIBase,
		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		SpeechModel: pc.SpeechModel,
		MaxRetries:  pc.MaxRetries,
		ContextSize: pc.ContextSize,
	}
}

func agentConfig(ac config.AgentConfig) agent.Config {
	persona := session.DefaultPersona()
	if ac.Name != "" {
		persona.Name = ac.Name
	}
	if ac.Personality != "" {
		persona.Personality = ac.Personality
	}
	if ac.Voice != "" {
		persona.Voice = ac.Voice
	}
	if ac.Language != "" {
		persona.Language = ac.Language
	}
	return agent.Config{
		Persona:          persona,
		MaxHistory:       ac.MaxHistory,
		GenerateTimeout:  ac.GenerateTimeout.D(),
		MaxConcurrent:    ac.MaxConcurrent,
		MaxPending:       ac.MaxPending,
		SessionRetention: ac.SessionRetention.D(),
	}
}
