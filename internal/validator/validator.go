package validator

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Stats counts verdicts since start.
type Stats struct {
	Allowed    uint64 `json:"allowed"`
	Ignored    uint64 `json:"ignored"`
	Warned     uint64 `json:"warned"`
	Rules      int    `json:"rules"`
	TrackedIDs int    `json:"trackedUsers"`
}

// userWindow holds one user's accepted-message timestamps per rate-limit rule.
type userWindow struct {
	mu     sync.Mutex
	byRule map[string][]time.Time
	dead   bool // Removed from the map; writers must load a fresh window
}

// Validator evaluates messages against a rule set that can be changed at
// runtime. Evaluation reads an immutable snapshot; mutations swap it.
type Validator struct {
	rules   atomic.Pointer[[]Rule]
	writeMu sync.Mutex

	windows sync.Map // userID -> *userWindow

	now func() time.Time

	allowed atomic.Uint64
	ignored atomic.Uint64
	warned  atomic.Uint64
}

// New creates a validator. A nil rule slice installs DefaultRules.
func New(rules []Rule) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	v := &Validator{now: time.Now}
	v.store(rules)
	return v
}

// SetClock replaces the time source. Used by tests.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

func (v *Validator) store(rules []Rule) {
	snap := append([]Rule(nil), rules...)
	v.rules.Store(&snap)
}

func (v *Validator) snapshot() []Rule {
	if p := v.rules.Load(); p != nil {
		return *p
	}
	return nil
}

// Validate evaluates content from userID against the current rule set.
func (v *Validator) Validate(userID, content string) Verdict {
	verdict := v.Evaluate(userID, content, v.snapshot())
	switch verdict.Action {
	case ActionIgnore:
		v.ignored.Add(1)
	case ActionWarn:
		v.warned.Add(1)
	default:
		v.allowed.Add(1)
	}
	return verdict
}

// Evaluate runs rules in order, skipping disabled ones, and returns the
// first non-Allow verdict. Rate-limit windows are updated only by rate-limit
// rules that are actually reached and pass.
func (v *Validator) Evaluate(userID, content string, rules []Rule) Verdict {
	if userID == "" {
		userID = "anonymous"
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		var verdict Verdict
		switch r.Kind {
		case KindLength:
			verdict = checkLength(r, content)
		case KindBlacklist:
			verdict = checkBlacklist(r, content)
		case KindRateLimit:
			verdict = v.checkRate(r, userID)
		default:
			continue
		}
		if !verdict.Allowed() {
			verdict.RuleID = r.ID
			log.Printf("[Validator] Rule %s triggered for %s: %s %s", r.ID, userID, verdict.Action, verdict.Reason)
			return verdict
		}
	}
	return Allow()
}

func checkLength(r Rule, content string) Verdict {
	minLen, maxLen := r.Params.MinLength, r.Params.MaxLength
	if minLen == 0 && maxLen == 0 {
		minLen, maxLen = DefaultMinLength, DefaultMaxLength
	}
	n := utf8.RuneCountInString(content)
	switch {
	case n < minLen:
		return violation(r, ActionIgnore, fmt.Sprintf("message too short (%d < %d characters)", n, minLen))
	case maxLen > 0 && n > maxLen:
		return violation(r, ActionIgnore, fmt.Sprintf("message too long (%d > %d characters)", n, maxLen))
	}
	return Allow()
}

func checkBlacklist(r Rule, content string) Verdict {
	lower := strings.ToLower(content)
	for _, w := range r.Params.Words {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return Warn("contains blocked keyword: " + w)
		}
	}
	return Allow()
}

func (v *Validator) checkRate(r Rule, userID string) Verdict {
	limit, window := r.Params.MaxMessages, r.Params.Window.D()
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}

	uw := v.lockWindow(userID)
	defer uw.mu.Unlock()

	now := v.now()
	cutoff := now.Add(-window)

	stamps := uw.byRule[r.ID]
	keep := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	if len(keep) >= limit {
		uw.byRule[r.ID] = keep
		return violation(r, ActionIgnore, fmt.Sprintf("rate limit exceeded (%d per %s)", limit, window))
	}
	uw.byRule[r.ID] = append(keep, now)
	return Allow()
}

// lockWindow returns the user's live window with its mutex held.
func (v *Validator) lockWindow(userID string) *userWindow {
	for {
		val, _ := v.windows.LoadOrStore(userID, &userWindow{byRule: make(map[string][]time.Time)})
		uw := val.(*userWindow)
		uw.mu.Lock()
		if !uw.dead {
			return uw
		}
		uw.mu.Unlock()
	}
}

func violation(r Rule, def Action, reason string) Verdict {
	action := def
	if r.Action != "" {
		action = r.Action
	}
	return Verdict{Action: action, Reason: reason}
}

// Rules returns a copy of the current rule set in evaluation order.
func (v *Validator) Rules() []Rule {
	return append([]Rule(nil), v.snapshot()...)
}

// SetRules replaces the whole rule set.
func (v *Validator) SetRules(rules []Rule) error {
	for _, r := range rules {
		if err := r.Check(); err != nil {
			return err
		}
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.store(rules)
	log.Printf("[Validator] ✅ Installed %d rules", len(rules))
	return nil
}

// AddRule appends a rule at the end of the evaluation order.
func (v *Validator) AddRule(r Rule) error {
	if err := r.Check(); err != nil {
		return err
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	cur := v.snapshot()
	for _, existing := range cur {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
		}
	}
	v.store(append(append([]Rule(nil), cur...), r))
	log.Printf("[Validator] Added rule %s (%s)", r.ID, r.Kind)
	return nil
}

// UpdateRule replaces the rule with the given id in place.
func (v *Validator) UpdateRule(id string, r Rule) error {
	if r.ID == "" {
		r.ID = id
	}
	if err := r.Check(); err != nil {
		return err
	}
	return v.mutate(id, func(rules []Rule, i int) []Rule {
		rules[i] = r
		return rules
	})
}

// RemoveRule deletes the rule with the given id.
func (v *Validator) RemoveRule(id string) error {
	return v.mutate(id, func(rules []Rule, i int) []Rule {
		return append(rules[:i], rules[i+1:]...)
	})
}

// SetEnabled toggles a rule without changing its position.
func (v *Validator) SetEnabled(id string, enabled bool) error {
	return v.mutate(id, func(rules []Rule, i int) []Rule {
		rules[i].Enabled = enabled
		return rules
	})
}

func (v *Validator) mutate(id string, fn func(rules []Rule, i int) []Rule) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	rules := append([]Rule(nil), v.snapshot()...)
	for i := range rules {
		if rules[i].ID == id {
			v.store(fn(rules, i))
			log.Printf("[Validator] Rule %s changed", id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Forget drops a user's rate-limit history.
func (v *Validator) Forget(userID string) {
	if val, ok := v.windows.LoadAndDelete(userID); ok {
		uw := val.(*userWindow)
		uw.mu.Lock()
		uw.dead = true
		uw.mu.Unlock()
	}
}

// PruneIdle drops users with no timestamps newer than maxAge. Returns the
// number of users removed.
func (v *Validator) PruneIdle(maxAge time.Duration) int {
	cutoff := v.now().Add(-maxAge)
	removed := 0
	v.windows.Range(func(key, val any) bool {
		uw := val.(*userWindow)
		uw.mu.Lock()
		idle := true
		for _, stamps := range uw.byRule {
			if n := len(stamps); n > 0 && stamps[n-1].After(cutoff) {
				idle = false
				break
			}
		}
		if idle && v.windows.CompareAndDelete(key, uw) {
			uw.dead = true
			removed++
		}
		uw.mu.Unlock()
		return true
	})
	return removed
}

// Stats returns verdict counters.
func (v *Validator) Stats() Stats {
	tracked := 0
	v.windows.Range(func(_, _ any) bool {
		tracked++
		return true
	})
	return Stats{
		Allowed:    v.allowed.Load(),
		Ignored:    v.ignored.Load(),
		Warned:     v.warned.Load(),
		Rules:      len(v.snapshot()),
		TrackedIDs: tracked,
	}
}
