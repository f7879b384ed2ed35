package server

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/dayuer/livehub/internal/platform"
	"github.com/dayuer/livehub/internal/providers"
	"github.com/dayuer/livehub/internal/validator"
)

// --- Platforms ---

func (s *Server) handleListPlatforms(w http.ResponseWriter, _ *http.Request) {
	if !s.requirePlatforms(w) {
		return
	}
	writeJSON(w, map[string]any{
		"platforms": s.platforms.Configs(),
		"status":    s.platforms.Status(),
		"available": platform.Platforms(),
	})
}

func (s *Server) handleAddPlatform(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlatforms(w) {
		return
	}
	var cfg platform.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeJSONError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.platforms.Add(cfg)
	if err != nil {
		writeJSONError(w, err.Error(), platformErrorCode(err))
		return
	}
	if cfg.Enabled {
		if err := s.platforms.Start(id); err != nil {
			writeJSONStatus(w, map[string]any{"id": id, "started": false, "error": err.Error()}, http.StatusCreated)
			return
		}
	}
	writeJSONStatus(w, map[string]any{"id": id, "started": cfg.Enabled}, http.StatusCreated)
}

func (s *Server) handleRemovePlatform(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlatforms(w) {
		return
	}
	if err := s.platforms.Remove(r.PathValue("id")); err != nil {
		writeJSONError(w, err.Error(), platformErrorCode(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleStartPlatform(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlatforms(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.platforms.Start(id); err != nil {
		writeJSONError(w, err.Error(), platformErrorCode(err))
		return
	}
	writeJSON(w, s.platforms.Status()[id])
}

func (s *Server) handleStopPlatform(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlatforms(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.platforms.Stop(id); err != nil {
		writeJSONError(w, err.Error(), platformErrorCode(err))
		return
	}
	writeJSON(w, s.platforms.Status()[id])
}

// handleWebhook receives a native platform payload. Malformed payloads are
// dropped with 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlatforms(w) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSONError(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.platforms.HandlePayload(r.PathValue("id"), body); err != nil {
		writeJSONError(w, err.Error(), platformErrorCode(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) requirePlatforms(w http.ResponseWriter) bool {
	if s.platforms == nil {
		writeJSONError(w, "platform ingestion disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func platformErrorCode(err error) int {
	switch {
	case errors.Is(err, platform.ErrAdapterNotFound):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrAdapterExists):
		return http.StatusConflict
	case errors.Is(err, platform.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, platform.ErrMalformedPayload),
		errors.Is(err, platform.ErrUnknownPlatform),
		errors.Is(err, platform.ErrInvalidConfig),
		errors.Is(err, platform.ErrNoWebhook):
		return http.StatusBadRequest
	}
	var ae *platform.AdapterError
	if errors.As(err, &ae) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// --- Rules ---

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	if !s.requireValidator(w) {
		return
	}
	writeJSON(w, map[string]any{"rules": s.validator.Rules()})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireValidator(w) {
		return
	}
	var rule validator.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		writeJSONError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validator.AddRule(rule); err != nil {
		writeJSONError(w, err.Error(), ruleErrorCode(err))
		return
	}
	log.Printf("[Server] Rule %s added", rule.ID)
	writeJSONStatus(w, rule, http.StatusCreated)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireValidator(w) {
		return
	}
	id := r.PathValue("id")
	var rule validator.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		writeJSONError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if rule.ID == "" {
		rule.ID = id
	}
	if err := s.validator.UpdateRule(id, rule); err != nil {
		writeJSONError(w, err.Error(), ruleErrorCode(err))
		return
	}
	log.Printf("[Server] Rule %s updated", id)
	writeJSON(w, rule)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireValidator(w) {
		return
	}
	if err := s.validator.RemoveRule(r.PathValue("id")); err != nil {
		writeJSONError(w, err.Error(), ruleErrorCode(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) requireValidator(w http.ResponseWriter) bool {
	if s.validator == nil {
		writeJSONError(w, "validator disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func ruleErrorCode(err error) int {
	switch {
	case errors.Is(err, validator.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, validator.ErrRuleExists):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// --- Provider ---

func (s *Server) handleGetProvider(w http.ResponseWriter, _ *http.Request) {
	if s.generator == nil {
		writeJSONError(w, "provider swap disabled", http.StatusServiceUnavailable)
		return
	}
	resp := map[string]any{"model": s.generator.Model()}
	if o, ok := s.generator.Inner().(*providers.OpenAI); ok {
		resp["provider"] = o.Provider()
		resp["contextGuard"] = o.GuardStats()
	} else {
		resp["provider"] = providers.EchoModel
	}
	writeJSON(w, resp)
}

// providerRequest is the body of PUT /api/v1/provider.
type providerRequest struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"apiKey,omitempty"`
	APIBase     string  `json:"apiBase,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

func (s *Server) handleSwapProvider(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		writeJSONError(w, "provider swap disabled", http.StatusServiceUnavailable)
		return
	}
	var req providerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	gen, err := providers.Build(providers.OpenAIConfig{
		Provider:    req.Provider,
		APIKey:      req.APIKey,
		APIBase:     req.APIBase,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.generator.Swap(gen)
	log.Printf("[Server] 🔄 Generator switched to %s", gen.Model())
	writeJSON(w, map[string]any{"model": gen.Model()})
}
