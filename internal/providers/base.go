// Package providers defines the pluggable generation backends used by the
// agent: text generation, speech synthesis and speech transcription.
package providers

import (
	"context"
	"errors"

	"github.com/dayuer/livehub/internal/session"
)

// ErrEmptyResponse is returned when a backend answers with no content.
var ErrEmptyResponse = errors.New("empty response")

// ErrSpeechUnsupported is returned when the active backend cannot synthesize.
var ErrSpeechUnsupported = errors.New("speech synthesis not supported")

// Request is one generation call: the persona plus the session history,
// whose last turn is the input being answered.
type Request struct {
	SessionID string
	UserID    string
	Persona   session.Persona
	History   []session.Turn
}

// LastInput returns the content of the most recent user turn.
func (r Request) LastInput() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == session.RoleUser {
			return r.History[i].Content
		}
	}
	return ""
}

// Response is a generated reply.
type Response struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// Generator produces a reply for a session.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
	// Model returns the model identifier reported in responses.
	Model() string
}

// Speech is synthesized audio.
type Speech struct {
	Audio  []byte
	Format string
	Voice  string
}

// Synthesizer turns reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string, sampleRate int) (string, error)
}
