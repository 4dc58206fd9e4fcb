package ratelimit

import (
	"fmt"
	"time"
)

// Rule bounds one action to Max attempts per sliding Window.
type Rule struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Validate checks a rule is usable.
func (r Rule) Validate() error {
	if r.Max <= 0 {
		return fmt.Errorf("max must be positive, got %d", r.Max)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", r.Window)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Max, r.Window)
}

// window is the sliding log of attempt times for one key.
type window struct {
	hits []time.Time
}

// prune drops hits older than now-w.
func (w *window) prune(now time.Time, d time.Duration) {
	cutoff := now.Add(-d)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// take records an attempt at now if the rule allows it.
func (w *window) take(now time.Time, r Rule) Decision {
	w.prune(now, r.Window)
	if len(w.hits) >= r.Max {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.hits[0].Add(r.Window).Sub(now),
		}
	}
	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Remaining: r.Max - len(w.hits),
	}
}
