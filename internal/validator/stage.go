package validator

import (
	"context"
	"log"

	"github.com/dayuer/livehub/internal/bus"
)

// WarnModel is the model name stamped on responses produced by a Warn verdict.
const WarnModel = "validation_system"

// Stage sits between raw TextInput and the agent. Admitted text is
// republished as TextAdmitted; warnings go straight back to the session.
type Stage struct {
	v   *Validator
	pub bus.Publisher
}

// NewStage creates an admission stage.
func NewStage(v *Validator, pub bus.Publisher) *Stage {
	return &Stage{v: v, pub: pub}
}

// Register subscribes the stage to TextInput on r.
func (s *Stage) Register(r *bus.Router) error {
	return r.Register("validator", s.Handle, bus.KindTextInput)
}

// Handle screens one TextInput envelope.
func (s *Stage) Handle(_ context.Context, env bus.Envelope) {
	in, ok := env.Payload.(bus.TextInput)
	if !ok {
		return
	}

	verdict := s.v.Validate(env.UserID, in.Text)
	switch verdict.Action {
	case ActionIgnore:
		log.Printf("[Validator] Ignored input from %s (session %s): %s", userOrAnonymous(env.UserID), env.SessionID, verdict.Reason)
	case ActionWarn:
		s.pub.Publish(env.Derive(bus.ResponseGenerated{
			Response: "⚠️ " + verdict.Reason,
			Model:    WarnModel,
		}))
	default:
		s.pub.Publish(env.Derive(bus.TextAdmitted{TextInput: in}))
	}
}

func userOrAnonymous(id string) string {
	if id == "" {
		return "anonymous"
	}
	return id
}
