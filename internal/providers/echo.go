package providers

import (
	"context"
	"fmt"
)

// EchoModel is the model name reported by the echo generator.
const EchoModel = "echo"

// Echo answers every input by repeating it. It needs no network and is the
// default when no backend is configured.
type Echo struct{}

// Model returns EchoModel.
func (Echo) Model() string { return EchoModel }

// Generate introduces the persona and quotes the last input back.
func (Echo) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	name := req.Persona.Name
	if name == "" {
		name = "your assistant"
	}
	return Response{
		Text:  fmt.Sprintf("Hello! I'm %s, and I received your message: '%s'", name, req.LastInput()),
		Model: EchoModel,
	}, nil
}
