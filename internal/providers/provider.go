package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dayuer/livehub/internal/contextguard"
	"github.com/dayuer/livehub/internal/session"
)

// ErrMissingAPIKey is returned when no key is configured or found in the
// environment.
var ErrMissingAPIKey = errors.New("missing API key")

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	Provider    string // registry name; detected from key/base/model when empty
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	SpeechModel string // used by the synthesizer
	MaxRetries  int
	ContextSize int // context window override; 0 looks the model up
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client      openai.Client
	spec        *ProviderSpec
	model       string
	maxTokens   int
	temperature float64
	speechModel string
	guard       *contextguard.Guard
}

// NewOpenAI resolves endpoint, key and model and builds a client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	spec := Detect(cfg.Provider, cfg.APIKey, cfg.APIBase, cfg.Model)

	apiKey := cfg.APIKey
	if apiKey == "" && spec != nil && spec.EnvKey != "" {
		apiKey = os.Getenv(spec.EnvKey)
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	apiBase := cfg.APIBase
	if apiBase == "" && spec != nil {
		apiBase = spec.DefaultAPIBase
	}

	model := cfg.Model
	if model == "" && spec != nil {
		model = spec.DefaultModel
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(apiBase, "/")+"/"))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	speechModel := cfg.SpeechModel
	if speechModel == "" {
		speechModel = string(openai.SpeechModelTTS1)
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		spec:        spec,
		model:       spec.ResolveModel(model),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		speechModel: speechModel,
		guard:       contextguard.NewGuard(contextguard.Config{Limit: cfg.ContextSize}),
	}, nil
}

// Model returns the model sent with every request.
func (o *OpenAI) Model() string { return o.model }

// Provider returns the display label of the detected endpoint.
func (o *OpenAI) Provider() string {
	if o.spec == nil {
		return "custom"
	}
	return o.spec.Label()
}

// GuardStats reports how often history had to be trimmed to fit the model.
func (o *OpenAI) GuardStats() map[string]any { return o.guard.Stats() }

// Generate sends the persona and history as a chat completion.
func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	history, _ := o.guard.Fit(o.model, SystemPrompt(req.Persona), req.History)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: BuildMessages(req.Persona, history),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.maxTokens))
	}
	if o.temperature > 0 {
		params.Temperature = openai.Float(o.temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = o.model
	}
	return Response{
		Text:       resp.Choices[0].Message.Content,
		Model:      model,
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}

// Synthesize renders text with the speech endpoint as mp3.
func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	if voice == "" || voice == "default" {
		voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.speechModel),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return Speech{}, fmt.Errorf("speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Speech{}, fmt.Errorf("read speech: %w", err)
	}
	return Speech{Audio: audio, Format: "mp3", Voice: voice}, nil
}

// BuildMessages renders the persona as a system prompt followed by the
// history in order.
func BuildMessages(p session.Persona, history []session.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if prompt := SystemPrompt(p); prompt != "" {
		msgs = append(msgs, openai.SystemMessage(prompt))
	}
	for _, t := range history {
		switch t.Role {
		case session.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case session.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		}
	}
	return msgs
}

// SystemPrompt describes the persona to the model.
func SystemPrompt(p session.Persona) string {
	var sb strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&sb, "You are %s, a digital human talking to viewers in real time.", p.Name)
	}
	if p.Personality != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Personality)
	}
	if p.Language != "" && sb.Len() > 0 {
		fmt.Fprintf(&sb, "\nReply in the user's language; default to %s.", p.Language)
	}
	if sb.Len() > 0 {
		sb.WriteString("\nKeep replies short and conversational.")
	}
	return sb.String()
}

// Build returns the generator named by cfg.Provider: the echo generator for
// "" or "echo", otherwise an OpenAI-compatible client.
func Build(cfg OpenAIConfig) (Generator, error) {
	if cfg.Provider == "" || cfg.Provider == EchoModel {
		return Echo{}, nil
	}
	return NewOpenAI(cfg)
}
