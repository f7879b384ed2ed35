// Package bus provides the event envelope and the in-process router that
// decouples producers (connections, platform adapters) from consumers
// (admission control, the response unit, outbound delivery).
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the payload variant carried by an Envelope.
// Subscribers register for a set of kinds.
type Kind string

const (
	KindUserConnected      Kind = "user_connected"
	KindUserDisconnected   Kind = "user_disconnected"
	KindTextInput          Kind = "text_input"
	KindTextAdmitted       Kind = "text_admitted"
	KindAudioInput         Kind = "audio_input"
	KindResponseGenerated  Kind = "llm_response"
	KindSpeechGenerated    Kind = "tts_response"
	KindAnimationTriggered Kind = "animation"
)

// Payload is the closed set of envelope variants.
type Payload interface {
	Kind() Kind
}

// Envelope is a routed event: metadata plus a typed payload.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	// CausedBy is the ID of the envelope this one was derived from.
	CausedBy string  `json:"caused_by,omitempty"`
	Payload  Payload `json:"payload"`
}

// NewEnvelope stamps a payload with a fresh ID and timestamp.
func NewEnvelope(sessionID, userID string, p Payload) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		SessionID: sessionID,
		UserID:    userID,
		Payload:   p,
	}
}

// Derive creates a new envelope for the same session and user, linked back
// to e through CausedBy.
func (e Envelope) Derive(p Payload) Envelope {
	out := NewEnvelope(e.SessionID, e.UserID, p)
	out.CausedBy = e.ID
	return out
}

// Kind returns the payload kind, or "" for an empty envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// UserConnected announces a new or resumed session.
type UserConnected struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	// Source is "client" for direct sessions or the platform name for
	// ingested identities.
	Source string `json:"source,omitempty"`
}

// UserDisconnected ends a session's live presence.
type UserDisconnected struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason,omitempty"`
}

// TextInput is raw text from a client or a platform, before admission control.
type TextInput struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Source   string `json:"source,omitempty"`
}

// TextAdmitted is a TextInput that passed admission control.
type TextAdmitted struct {
	TextInput
}

// AudioInput carries a binary audio payload received out of band.
type AudioInput struct {
	Data       []byte `json:"-"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// ResponseGenerated is a textual reply for a session.
type ResponseGenerated struct {
	Response   string `json:"response"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// SpeechGenerated is synthesized audio for a reply.
type SpeechGenerated struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Format string `json:"format,omitempty"`
	Audio  []byte `json:"audio,omitempty"`
}

// AnimationTriggered asks the avatar to play an animation.
type AnimationTriggered struct {
	AnimationType string         `json:"animation_type"`
	Duration      float64        `json:"duration,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

func (UserConnected) Kind() Kind      { return KindUserConnected }
func (UserDisconnected) Kind() Kind   { return KindUserDisconnected }
func (TextInput) Kind() Kind          { return KindTextInput }
func (TextAdmitted) Kind() Kind       { return KindTextAdmitted }
func (AudioInput) Kind() Kind         { return KindAudioInput }
func (ResponseGenerated) Kind() Kind  { return KindResponseGenerated }
func (SpeechGenerated) Kind() Kind    { return KindSpeechGenerated }
func (AnimationTriggered) Kind() Kind { return KindAnimationTriggered }
