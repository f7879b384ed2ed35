// Package contextguard keeps a conversation inside the model's context
// window: it estimates the prompt size before each request and drops the
// oldest turns when the estimate crosses the trim threshold.
package contextguard

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/dayuer/livehub/internal/session"
)

// Action describes the pre-check result.
type Action string

const (
	ActionPass    Action = "pass"    // Token usage OK
	ActionWarn    Action = "warn"    // Approaching limit
	ActionTrimmed Action = "trimmed" // Oldest turns were dropped
)

// Result holds the outcome of one check.
type Result struct {
	Action        Action
	TokenEstimate int
	TokenLimit    int
	Ratio         float64
	Dropped       int
}

// ModelTokenLimits maps model names to their context window sizes.
var ModelTokenLimits = map[string]int{
	// DeepSeek
	"deepseek-chat":     64_000,
	"deepseek-reasoner": 64_000,
	// OpenAI
	"gpt-4o":      128_000,
	"gpt-4o-mini": 128_000,
	"gpt-4-turbo": 128_000,
	"gpt-4.1":     1_000_000,
	// ZhipuAI
	"glm-4": 128_000,
	// Moonshot
	"moonshot-v1-8k":   8_000,
	"moonshot-v1-32k":  32_000,
	"moonshot-v1-128k": 128_000,
	// Qwen
	"qwen-plus":  128_000,
	"qwen-turbo": 128_000,
	// Default
	"_default": 64_000,
}

// GetModelLimit returns the token limit for a model. A "provider/" prefix
// is ignored; unknown models get the default.
func GetModelLimit(model string) int {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if limit, ok := ModelTokenLimits[model]; ok {
		return limit
	}
	best, limit := 0, ModelTokenLimits["_default"]
	for k, v := range ModelTokenLimits {
		if strings.HasPrefix(model, k) && len(k) > best {
			best, limit = len(k), v
		}
	}
	return limit
}

// EstimateTokens estimates the token count of some text. Uses a rough
// heuristic of bytes / 2, which overestimates English and slightly
// overestimates CJK (3 bytes ≈ 1.5 tokens).
func EstimateTokens(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += len(t)
	}
	return total / 2
}

func estimateTurns(turns []session.Turn) int {
	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	return total / 2
}

// Config holds guard thresholds.
type Config struct {
	Limit     int     // Context window override; 0 looks the model up
	WarnRatio float64 // 0.70 → log warning
	TrimRatio float64 // 0.80 → drop oldest turns until below
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WarnRatio: 0.70,
		TrimRatio: 0.80,
	}
}

// Guard checks prompts against the context window. It is safe for
// concurrent use.
type Guard struct {
	cfg Config

	checks   atomic.Int64
	warnings atomic.Int64
	trims    atomic.Int64
}

// NewGuard creates a new context guard.
func NewGuard(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.WarnRatio <= 0 {
		cfg.WarnRatio = def.WarnRatio
	}
	if cfg.TrimRatio <= 0 {
		cfg.TrimRatio = def.TrimRatio
	}
	return &Guard{cfg: cfg}
}

// Fit returns the suffix of history that, together with the system prompt,
// stays under the trim threshold. The newest turn is always kept. The
// input slice is not modified.
func (g *Guard) Fit(model, system string, history []session.Turn) ([]session.Turn, Result) {
	g.checks.Add(1)

	limit := g.cfg.Limit
	if limit <= 0 {
		limit = GetModelLimit(model)
	}
	fixed := EstimateTokens(system)
	estimate := fixed + estimateTurns(history)
	res := Result{
		Action:        ActionPass,
		TokenEstimate: estimate,
		TokenLimit:    limit,
		Ratio:         float64(estimate) / float64(limit),
	}

	budget := int(float64(limit) * g.cfg.TrimRatio)
	if estimate >= budget && len(history) > 1 {
		kept := history
		for len(kept) > 1 && estimate >= budget {
			estimate -= len(kept[0].Content) / 2
			kept = kept[1:]
		}
		res.Dropped = len(history) - len(kept)
		res.Action = ActionTrimmed
		res.TokenEstimate = fixed + estimateTurns(kept)
		res.Ratio = float64(res.TokenEstimate) / float64(limit)
		g.trims.Add(1)
		log.Printf("[ContextGuard] 🟡 Trimmed %d turns for %s (%d/%d tokens)", res.Dropped, model, res.TokenEstimate, limit)
		return kept, res
	}

	if res.Ratio >= g.cfg.WarnRatio {
		res.Action = ActionWarn
		g.warnings.Add(1)
		log.Printf("[ContextGuard] 🟠 WARN %.0f%% (%d/%d) for %s", res.Ratio*100, estimate, limit, model)
	}
	return history, res
}

// Stats returns guard statistics.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"totalChecks":  g.checks.Load(),
		"warningCount": g.warnings.Load(),
		"trimCount":    g.trims.Load(),
	}
}
