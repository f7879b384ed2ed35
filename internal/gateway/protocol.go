package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dayuer/livehub/internal/bus"
)

// Client protocol message types.
const (
	TypeTextInput  = "text_input"
	TypeAudioInput = "audio_input"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeSession    = "session"
	TypeError      = "error"
)

// Inbound is a parsed client text frame.
type Inbound struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Language   string `json:"language,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// ParseInbound decodes a client text frame. A frame that is not a JSON
// object is taken as plain text input.
func ParseInbound(raw []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Inbound{}, errors.New("empty frame")
	}
	if trimmed[0] != '{' {
		return Inbound{Type: TypeTextInput, Content: string(trimmed)}, nil
	}

	var msg Inbound
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Inbound{}, fmt.Errorf("invalid JSON: %v", err)
	}
	switch msg.Type {
	case TypeTextInput:
		if strings.TrimSpace(msg.Content) == "" {
			return Inbound{}, errors.New("text_input requires content")
		}
	case TypeAudioInput:
		if msg.SampleRate < 0 {
			return Inbound{}, errors.New("audio_input sample_rate must be positive")
		}
	case TypePing:
	case "":
		return Inbound{}, errors.New("missing type")
	default:
		return Inbound{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}

// outbound is the wire shape of every server-to-client frame.
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type responseData struct {
	Response   string    `json:"response"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type speechData struct {
	Text      string    `json:"text"`
	Voice     string    `json:"voice"`
	Format    string    `json:"format,omitempty"`
	Audio     []byte    `json:"audio,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type animationData struct {
	AnimationType string         `json:"animation_type"`
	Duration      float64        `json:"duration,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// EncodeOutbound renders an output envelope as a client frame.
func EncodeOutbound(env bus.Envelope) ([]byte, error) {
	var msg outbound
	switch p := env.Payload.(type) {
	case bus.ResponseGenerated:
		msg = outbound{Type: string(bus.KindResponseGenerated), Data: responseData{
			Response:   p.Response,
			Model:      p.Model,
			TokensUsed: p.TokensUsed,
			Timestamp:  env.Timestamp,
		}}
	case bus.SpeechGenerated:
		msg = outbound{Type: string(bus.KindSpeechGenerated), Data: speechData{
			Text:      p.Text,
			Voice:     p.Voice,
			Format:    p.Format,
			Audio:     p.Audio,
			Timestamp: env.Timestamp,
		}}
	case bus.AnimationTriggered:
		msg = outbound{Type: string(bus.KindAnimationTriggered), Data: animationData{
			AnimationType: p.AnimationType,
			Duration:      p.Duration,
			Parameters:    p.Parameters,
			Timestamp:     env.Timestamp,
		}}
	default:
		return nil, fmt.Errorf("no client frame for %q", env.Kind())
	}
	return json.Marshal(msg)
}

// EncodeError renders an error frame.
func EncodeError(message string) []byte {
	return EncodeControl(TypeError, map[string]string{"message": message})
}

// EncodeControl renders a frame with an arbitrary type and data.
func EncodeControl(typ string, data any) []byte {
	b, err := json.Marshal(outbound{Type: typ, Data: data})
	if err != nil {
		b, _ = json.Marshal(outbound{Type: TypeError, Data: map[string]string{"message": err.Error()}})
	}
	return b
}
