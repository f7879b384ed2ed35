package agent

import (
	"strings"

	"github.com/dayuer/livehub/internal/bus"
)

// Animator maps a generated reply to avatar animations. It must be safe
// for concurrent use.
type Animator func(reply string) []bus.AnimationTriggered

// NoAnimation never animates.
func NoAnimation(string) []bus.AnimationTriggered { return nil }

// KeywordAnimator picks one gesture and one facial expression from simple
// punctuation and greeting cues in the reply.
func KeywordAnimator(reply string) []bus.AnimationTriggered {
	gesture := "talk"
	switch {
	case strings.Contains(reply, "Hello") || strings.Contains(reply, "Hi") ||
		strings.Contains(reply, "你好"):
		gesture = "wave"
	case strings.ContainsAny(reply, "?？"):
		gesture = "thinking"
	}

	emotion := "friendly"
	switch {
	case strings.ContainsAny(reply, "!！"):
		emotion = "excited"
	case strings.ContainsAny(reply, "?？"):
		emotion = "curious"
	}

	return []bus.AnimationTriggered{
		{
			AnimationType: gesture,
			Duration:      2.0,
			Parameters:    map[string]any{"intensity": 0.8, "loop": false},
		},
		{
			AnimationType: "expression_" + emotion,
			Duration:      3.0,
			Parameters:    map[string]any{"emotion": emotion, "strength": 0.7},
		},
	}
}
