package providers

import (
	"context"
	"sync"
)

// DynamicGenerator wraps a Generator with hot-swap support.
//
// In-flight Generate calls finish on the old generator; calls made after
// Swap use the new one.
type DynamicGenerator struct {
	mu    sync.RWMutex
	inner Generator
}

// NewDynamicGenerator creates a DynamicGenerator wrapping initial.
func NewDynamicGenerator(initial Generator) *DynamicGenerator {
	return &DynamicGenerator{inner: initial}
}

// Generate delegates to the current generator.
func (d *DynamicGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	return d.Inner().Generate(ctx, req)
}

// Model returns the current generator's model.
func (d *DynamicGenerator) Model() string {
	return d.Inner().Model()
}

// Swap replaces the inner generator.
func (d *DynamicGenerator) Swap(g Generator) {
	d.mu.Lock()
	d.inner = g
	d.mu.Unlock()
}

// Inner returns the current generator.
func (d *DynamicGenerator) Inner() Generator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inner
}

// Synthesize delegates to the current generator when it can speak.
func (d *DynamicGenerator) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	if s, ok := d.Inner().(Synthesizer); ok {
		return s.Synthesize(ctx, text, voice)
	}
	return Speech{}, ErrSpeechUnsupported
}
