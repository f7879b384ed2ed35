// Package config handles configuration loading, saving, and schema definition.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dayuer/livehub/internal/platform"
	"github.com/dayuer/livehub/internal/redis"
)

// Config is the top-level livehub configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Server     ServerConfig      `json:"server"`
	Gateway    GatewayConfig     `json:"gateway"`
	Router     RouterConfig      `json:"router"`
	Agent      AgentConfig       `json:"agent"`
	Provider   ProviderConfig    `json:"provider"`
	Validation ValidationConfig  `json:"validation"`
	Ingestion  IngestionConfig   `json:"ingestion"`
	Platforms  []platform.Config `json:"platforms,omitempty"`
	Redis      redis.Config      `json:"redis"`
	Sweep      SweepConfig       `json:"sweep"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	APIKey string `json:"apiKey,omitempty"` // Bearer key for admin routes (LIVEHUB_API_KEY)
}

// GatewayConfig holds client connection settings.
type GatewayConfig struct {
	OutboundQueue int      `json:"outboundQueue,omitempty"`
	MaxAudioBytes int      `json:"maxAudioBytes,omitempty"`
	AudioFormat   string   `json:"audioFormat,omitempty"`
	SampleRate    int      `json:"sampleRate,omitempty"`
	ResumeWindow  Duration `json:"resumeWindow,omitempty"`
}

// RouterConfig holds event router settings.
type RouterConfig struct {
	QueueSize int `json:"queueSize,omitempty"` // Per-subscriber mailbox capacity
}

// AgentConfig holds the digital human's persona and limits.
type AgentConfig struct {
	Name             string   `json:"name,omitempty"`
	Personality      string   `json:"personality,omitempty"`
	Voice            string   `json:"voice,omitempty"`
	Language         string   `json:"language,omitempty"`
	MaxHistory       int      `json:"maxHistory,omitempty"`
	GenerateTimeout  Duration `json:"generateTimeout,omitempty"`
	MaxConcurrent    int      `json:"maxConcurrent,omitempty"`
	MaxPending       int      `json:"maxPending,omitempty"`
	SessionRetention Duration `json:"sessionRetention,omitempty"` // Keep history after disconnect
	Animations       bool     `json:"animations"`
}

// ProviderConfig selects the response generator.
type ProviderConfig struct {
	Name        string  `json:"name,omitempty"` // "echo" or an OpenAI-compatible provider
	APIKey      string  `json:"apiKey,omitempty"`
	APIBase     string  `json:"apiBase,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxRetries  int     `json:"maxRetries,omitempty"`
	Speech      bool    `json:"speech,omitempty"` // Synthesize replies
	SpeechModel string  `json:"speechModel,omitempty"`
	ContextSize int     `json:"contextSize,omitempty"` // Context window override for history trimming
}

// ValidationConfig points at the admission rules.
type ValidationConfig struct {
	RulesFile string `json:"rulesFile,omitempty"` // YAML; empty uses the built-in rules
}

// IngestionConfig holds platform ingestion settings.
type IngestionConfig struct {
	IdleTimeout Duration `json:"idleTimeout,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// SweepConfig schedules housekeeping.
type SweepConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron spec, e.g. "@every 1m"
}

// Duration is a time.Duration that reads "90s" or nanoseconds from JSON and
// writes the string form.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// DefaultPort is the HTTP port used when neither file, flag nor env sets one.
const DefaultPort = 8080

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: DefaultPort,
		},
		Gateway: GatewayConfig{
			OutboundQueue: 256,
			MaxAudioBytes: 4 << 20,
			AudioFormat:   "pcm",
			SampleRate:    16000,
			ResumeWindow:  Duration(10 * time.Minute),
		},
		Router: RouterConfig{
			QueueSize: 1024,
		},
		Agent: AgentConfig{
			Name:            "Maya",
			Voice:           "default",
			Language:        "en",
			MaxHistory:      50,
			GenerateTimeout: Duration(30 * time.Second),
			MaxConcurrent:   8,
			MaxPending:      32,
			Animations:      true,
		},
		Provider: ProviderConfig{
			Name:        "echo",
			MaxTokens:   512,
			Temperature: 0.7,
			MaxRetries:  2,
		},
		Ingestion: IngestionConfig{
			IdleTimeout: Duration(30 * time.Minute),
			Language:    "zh-CN",
		},
		Sweep: SweepConfig{
			Schedule: "@every 1m",
		},
	}
}
