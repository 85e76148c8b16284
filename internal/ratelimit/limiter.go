// Package ratelimit implements a sliding-window request limiter keyed by
// (caller, endpoint). Admission and event recording happen under one lock
// so two concurrent admits cannot both take the last slot.
package ratelimit

import (
	"sync"
	"time"
)

// Rule is the per-endpoint window configuration.
type Rule struct {
	Max    int           `yaml:"max" mapstructure:"max"`
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

// DefaultRule applies to endpoints with no explicit configuration.
var DefaultRule = Rule{Max: 60, Window: time.Minute}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// Limiter is a sliding-window counter over timestamped admission events.
type Limiter struct {
	mu     sync.Mutex
	rules  map[string]Rule
	events map[string][]time.Time
	now    func() time.Time
}

// New creates a limiter with per-endpoint rules. Unlisted endpoints fall
// back to DefaultRule.
func New(rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = make(map[string]Rule)
	}
	return &Limiter{
		rules:  rules,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// WithNow fixes the clock for testing.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Rule returns the effective rule for an endpoint.
func (l *Limiter) Rule(endpoint string) Rule {
	if r, ok := l.rules[endpoint]; ok && r.Max > 0 && r.Window > 0 {
		return r
	}
	return DefaultRule
}

// Admit checks the (caller, endpoint) window and, when a slot is free,
// records the admission as part of the same critical section.
func (l *Limiter) Admit(caller, endpoint string) Decision {
	rule := l.Rule(endpoint)
	key := caller + "\x00" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rule.Window)

	// Drop events that slid out of the window.
	evs := l.events[key]
	kept := evs[:0]
	for _, t := range evs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rule.Max {
		// The oldest event in the window determines when a slot frees up.
		resetAt := kept[0].Add(rule.Window)
		l.events[key] = kept
		retry := resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{
			Allowed:    false,
			Limit:      rule.Max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	}

	kept = append(kept, now)
	l.events[key] = kept

	resetAt := kept[0].Add(rule.Window)
	return Decision{
		Allowed:   true,
		Limit:     rule.Max,
		Remaining: rule.Max - len(kept),
		ResetAt:   resetAt,
	}
}
