// Package server exposes the hub over HTTP: client WebSocket sessions,
// platform webhooks, health, and the admin API for platforms, admission
// rules and the response generator.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dayuer/livehub/internal/agent"
	"github.com/dayuer/livehub/internal/bus"
	"github.com/dayuer/livehub/internal/gateway"
	"github.com/dayuer/livehub/internal/platform"
	"github.com/dayuer/livehub/internal/providers"
	"github.com/dayuer/livehub/internal/validator"
)

// Version is reported by the info and health endpoints.
const Version = "1.0.0"

// maxWebhookBody bounds platform webhook payloads.
const maxWebhookBody = 1 << 20

// Server is the hub's HTTP API server.
type Server struct {
	host       string
	port       int
	apiKey     string
	instanceID string

	router    *bus.Router
	gateway   *gateway.Manager
	platforms *platform.Manager
	validator *validator.Validator
	agent     *agent.Unit
	generator *providers.DynamicGenerator
	health    func(ctx context.Context) map[string]any

	startTime time.Time
	mux       *http.ServeMux
	srv       *http.Server
}

// ServerConfig configures the Server.
type ServerConfig struct {
	Host       string
	Port       int
	APIKey     string
	InstanceID string

	Router    *bus.Router
	Gateway   *gateway.Manager
	Platforms *platform.Manager
	Validator *validator.Validator
	Agent     *agent.Unit
	Generator *providers.DynamicGenerator // nil disables the provider swap route

	// ExtraHealth adds fields to /health, e.g. dependency checks.
	ExtraHealth func(ctx context.Context) map[string]any
}

// NewServer creates a new HTTP API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	s := &Server{
		host:       cfg.Host,
		port:       cfg.Port,
		apiKey:     cfg.APIKey,
		instanceID: cfg.InstanceID,
		router:     cfg.Router,
		gateway:    cfg.Gateway,
		platforms:  cfg.Platforms,
		validator:  cfg.Validator,
		agent:      cfg.Agent,
		generator:  cfg.Generator,
		health:     cfg.ExtraHealth,
		startTime:  time.Now(),
		mux:        http.NewServeMux(),
	}

	// Public
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/digital-human/info", s.handleInfo)
	s.mux.HandleFunc("GET /api/v1/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("POST /api/v1/platforms/{id}/events", s.handleWebhook)

	// Admin
	s.mux.HandleFunc("GET /api/v1/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("GET /api/v1/sessions", s.withAuth(s.handleSessions))
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.withAuth(s.handleSession))
	s.mux.HandleFunc("GET /api/v1/platforms", s.withAuth(s.handleListPlatforms))
	s.mux.HandleFunc("POST /api/v1/platforms", s.withAuth(s.handleAddPlatform))
	s.mux.HandleFunc("DELETE /api/v1/platforms/{id}", s.withAuth(s.handleRemovePlatform))
	s.mux.HandleFunc("POST /api/v1/platforms/{id}/start", s.withAuth(s.handleStartPlatform))
	s.mux.HandleFunc("POST /api/v1/platforms/{id}/stop", s.withAuth(s.handleStopPlatform))
	s.mux.HandleFunc("GET /api/v1/rules", s.withAuth(s.handleListRules))
	s.mux.HandleFunc("POST /api/v1/rules", s.withAuth(s.handleAddRule))
	s.mux.HandleFunc("PUT /api/v1/rules/{id}", s.withAuth(s.handleUpdateRule))
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}", s.withAuth(s.handleRemoveRule))
	s.mux.HandleFunc("GET /api/v1/provider", s.withAuth(s.handleGetProvider))
	s.mux.HandleFunc("PUT /api/v1/provider", s.withAuth(s.handleSwapProvider))

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("[Server] ✅ HTTP API → http://%s", addr)
	log.Printf("[Server] ✅ WebSocket → ws://%s/api/v1/ws/{user_id}", addr)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes client connections and shuts the server down gracefully.
func (s *Server) Stop() {
	if s.gateway != nil {
		s.gateway.CloseAll(fmt.Errorf("server shutdown"))
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

// --- Auth middleware ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- Public handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "healthy",
		"service":    "digital-human",
		"version":    Version,
		"instanceId": s.instanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
		"timestamp":  time.Now().UTC(),
	}
	if s.gateway != nil {
		resp["connections"] = s.gateway.Count()
	}
	if s.agent != nil {
		resp["sessions"] = s.agent.SessionCount()
	}
	if s.platforms != nil {
		resp["platforms"] = s.platforms.Status()
	}
	if s.health != nil {
		for k, v := range s.health(r.Context()) {
			resp[k] = v
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	name := "Digital Human Assistant"
	model := ""
	if s.agent != nil {
		info := s.agent.Info()
		name = info.Name
		model = info.Model
	}
	writeJSON(w, map[string]any{
		"name":    name,
		"version": Version,
		"model":   model,
		"capabilities": []string{
			"text_conversation",
			"audio_input",
			"text_to_speech",
			"animation_control",
		},
		"supported_languages": []string{"en", "zh-CN"},
		"platforms":           platform.Platforms(),
		"websocket_endpoint":  "/api/v1/ws/{user_id}",
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSONError(w, "websocket gateway disabled", http.StatusServiceUnavailable)
		return
	}
	s.gateway.ServeWS(w, r, r.PathValue("user_id"))
}

// --- Admin handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"instanceId": s.instanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
	}
	if s.router != nil {
		status["router"] = s.router.Stats()
	}
	if s.gateway != nil {
		status["gateway"] = s.gateway.Stats()
	}
	if s.validator != nil {
		status["validator"] = s.validator.Stats()
	}
	if s.agent != nil {
		status["agent"] = s.agent.Info()
	}
	if s.platforms != nil {
		status["platforms"] = s.platforms.Status()
		status["identities"] = s.platforms.IdentityCount()
	}
	writeJSON(w, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{}
	if s.agent != nil {
		resp["sessions"] = s.agent.Sessions()
	}
	if s.gateway != nil {
		resp["connections"] = s.gateway.Sessions()
	}
	writeJSON(w, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeJSONError(w, "agent disabled", http.StatusServiceUnavailable)
		return
	}
	info, history, ok := s.agent.Session(r.PathValue("id"))
	if !ok {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"session": info, "history": history})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSONStatus(w, map[string]string{"error": msg}, code)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
