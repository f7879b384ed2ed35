// Package validator implements admission control for inbound text: an
// ordered list of rules (length bound, keyword blacklist, per-user rate
// limit) evaluated against every message before it reaches the agent.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/livehub/internal/utils"
)

// RuleKind selects how a rule is evaluated.
type RuleKind string

const (
	KindLength    RuleKind = "length"
	KindBlacklist RuleKind = "blacklist"
	KindRateLimit RuleKind = "rate_limit"
)

// Action is the verdict outcome.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionIgnore Action = "ignore"
	ActionWarn   Action = "warn"
)

// Policy defaults.
const (
	DefaultMinLength   = 1
	DefaultMaxLength   = 200
	DefaultMaxMessages = 10
	DefaultWindow      = time.Minute
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
	ErrInvalidRule  = errors.New("invalid rule")
)

// Params holds the settings for every rule kind; each kind reads only its own.
type Params struct {
	MinLength   int           `json:"minLength,omitempty" yaml:"min_length,omitempty"`
	MaxLength   int           `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
	Words       []string      `json:"words,omitempty" yaml:"words,omitempty"`
	MaxMessages int           `json:"maxMessages,omitempty" yaml:"max_messages,omitempty"`
	Window      Window        `json:"window,omitempty" yaml:"window,omitempty"`
}

// Window is a rate-limit window. It reads "60s" or nanoseconds from JSON
// and YAML and writes the string form.
type Window time.Duration

// D returns the value as a time.Duration.
func (w Window) D() time.Duration { return time.Duration(w) }

func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(w).String())
}

func (w *Window) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*w = Window(time.Duration(x))
	case string:
		return w.parse(x)
	default:
		return fmt.Errorf("invalid window %s", b)
	}
	return nil
}

func (w Window) MarshalYAML() (any, error) {
	return time.Duration(w).String(), nil
}

func (w *Window) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*w = Window(time.Duration(n))
		return nil
	}
	return w.parse(node.Value)
}

func (w *Window) parse(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid window %q: %w", s, err)
	}
	*w = Window(d)
	return nil
}

// Rule is one admission check.
type Rule struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Kind    RuleKind `json:"kind" yaml:"kind"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Params  Params   `json:"params" yaml:"params"`
	// Action overrides the verdict a length or rate-limit violation
	// produces. Blacklist hits always warn.
	Action Action `json:"action,omitempty" yaml:"action,omitempty"`
}

// Check reports whether r is well-formed.
func (r Rule) Check() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	switch r.Kind {
	case KindLength:
		if r.Params.MinLength < 0 || (r.Params.MaxLength > 0 && r.Params.MaxLength < r.Params.MinLength) {
			return fmt.Errorf("%w: %s: bad length bounds [%d,%d]", ErrInvalidRule, r.ID, r.Params.MinLength, r.Params.MaxLength)
		}
	case KindBlacklist:
	case KindRateLimit:
		if r.Params.MaxMessages < 0 || r.Params.Window < 0 {
			return fmt.Errorf("%w: %s: negative rate limit", ErrInvalidRule, r.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidRule, r.ID, r.Kind)
	}
	switch r.Action {
	case "", ActionIgnore, ActionWarn:
	default:
		return fmt.Errorf("%w: %s: unsupported action %q", ErrInvalidRule, r.ID, r.Action)
	}
	return nil
}

// Verdict is the outcome of evaluating a message.
type Verdict struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	RuleID string `json:"ruleId,omitempty"`
}

func Allow() Verdict                { return Verdict{Action: ActionAllow} }
func Ignore(reason string) Verdict  { return Verdict{Action: ActionIgnore, Reason: reason} }
func Warn(reason string) Verdict    { return Verdict{Action: ActionWarn, Reason: reason} }
func (v Verdict) Allowed() bool     { return v.Action == ActionAllow || v.Action == "" }

// DefaultRules returns the stock rule set: length 1-200, a small keyword
// blacklist, and 10 messages per minute.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "length_filter",
			Name:    "长度过滤",
			Kind:    KindLength,
			Enabled: true,
			Params:  Params{MinLength: DefaultMinLength, MaxLength: DefaultMaxLength},
		},
		{
			ID:      "blacklist",
			Name:    "敏感词黑名单",
			Kind:    KindBlacklist,
			Enabled: true,
			Params:  Params{Words: []string{"垃圾", "骗子", "广告", "刷单"}},
		},
		{
			ID:      "rate_limit",
			Name:    "频率限制",
			Kind:    KindRateLimit,
			Enabled: true,
			Params:  Params{MaxMessages: DefaultMaxMessages, Window: Window(DefaultWindow)},
		},
	}
}

// ruleFile is the YAML layout accepted by LoadRules.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an ordered rule list from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule document and checks every rule.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if err := r.Check(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
		}
		seen[r.ID] = true
	}
	return f.Rules, nil
}

// SaveRules writes rules to a YAML file in the layout LoadRules reads.
func SaveRules(path string, rules []Rule) error {
	data, err := yaml.Marshal(ruleFile{Rules: rules})
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return utils.WriteFile(path, data, 0644)
}
