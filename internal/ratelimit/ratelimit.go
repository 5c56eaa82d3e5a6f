// Package ratelimit enforces per-user notification budgets over sliding
// windows of previously accepted spots.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"
)

// SotaSource is the source partitioned by UserLimits.SeparateSotaWatch.
const SotaSource = "sotawatch"

// Limit allows Count accepted spots per Interval seconds.
type Limit struct {
	Count    int   `json:"count" yaml:"count"`
	Interval int64 `json:"interval" yaml:"interval"`
}

func (l *Limit) window() int64 { return l.Interval * 1000 }

// UserLimits are the optional tiers configured by one user.
type UserLimits struct {
	General             *Limit `json:"limit,omitempty" yaml:"limit"`
	PerCallsign         *Limit `json:"limitPerCallsign,omitempty" yaml:"limitPerCallsign"`
	PerCallsignBandMode *Limit `json:"limitPerCallsignBandMode,omitempty" yaml:"limitPerCallsignBandMode"`
	PerCallsignFreqMode *Limit `json:"limitPerCallsignFreqMode,omitempty" yaml:"limitPerCallsignFreqMode"`
	// SeparateSotaWatch counts sotawatch spots apart from all other sources
	// in the frequency tier.
	SeparateSotaWatch bool `json:"limitSeparateSotaWatch,omitempty" yaml:"limitSeparateSotaWatch"`
}

// maxWindow is the widest configured interval in milliseconds, 0 if none.
func (u UserLimits) maxWindow() int64 {
	var m int64
	for _, l := range []*Limit{u.General, u.PerCallsign, u.PerCallsignBandMode, u.PerCallsignFreqMode} {
		if l != nil && l.window() > m {
			m = l.window()
		}
	}
	return m
}

// Spot is the part of a spot the limiter looks at.
type Spot struct {
	Callsign  string
	Band      string
	Frequency float64
	Mode      string
	Source    string
	// Simulated spots are operator tests and bypass limiting.
	Simulated bool
}

// Entry is one accepted spot in a user's history.
type Entry struct {
	Callsign  string  `json:"callsign"`
	Band      string  `json:"band,omitempty"`
	Frequency float64 `json:"frequency"`
	Mode      string  `json:"mode,omitempty"`
	Time      int64   `json:"time"` // unix milliseconds
	Source    string  `json:"source,omitempty"`
}

// Result is the decision for one spot.
type Result struct {
	LimitExceeded        bool
	GeneralLimitExceeded bool
}

type Options struct {
	MaxFrequencyDiff     float64
	MaxFrequencyDiffDigi float64
	DigiModes            []string
}

func DefaultOptions() Options {
	return Options{
		MaxFrequencyDiff:     0.0004,
		MaxFrequencyDiffDigi: 0.003,
		DigiModes: []string{"psk", "rtty", "jt", "msk", "ft8", "ft4", "js8call", "qra64", "iscat",
			"fsk441", "t10", "q65", "sstv", "varac", "olivia", "fst4"},
	}
}

// Limiter holds the accepted-spot history of every user. It is safe for
// concurrent use; checks for one user are serialized.
type Limiter struct {
	opts Options
	digi map[string]struct{}
	now  func() time.Time

	mu    sync.RWMutex
	users map[string]*history
}

type history struct {
	mu        sync.Mutex
	entries   []Entry
	maxWindow int64 // ms, from the limits seen on the last check
	// removed is set by PruneIdle once the history left l.users.
	removed bool
}

func New(opts Options) *Limiter {
	digi := make(map[string]struct{}, len(opts.DigiModes))
	for _, m := range opts.DigiModes {
		digi[strings.ToLower(m)] = struct{}{}
	}
	return &Limiter{opts: opts, digi: digi, now: time.Now, users: map[string]*history{}}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) user(id string) *history {
	l.mu.RLock()
	h, ok := l.users[id]
	l.mu.RUnlock()
	if ok {
		return h
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok = l.users[id]; !ok {
		h = &history{}
		l.users[id] = h
	}
	return h
}

// lockUser returns the user's live history, locked. A history pruned
// between lookup and locking is retried.
func (l *Limiter) lockUser(id string) *history {
	for {
		h := l.user(id)
		h.mu.Lock()
		if !h.removed {
			return h
		}
		h.mu.Unlock()
	}
}

// Check counts the user's history against every configured tier and
// records the spot when no tier is exceeded. A tier is exceeded when the
// number of matching entries inside its interval is at least its count.
func (l *Limiter) Check(userID string, s Spot, lim UserLimits) Result {
	if s.Simulated {
		return Result{}
	}
	h := l.lockUser(userID)
	defer h.mu.Unlock()

	now := l.now().UnixMilli()
	var general, perCall, perBandMode, freqSota, freqOther int
	for _, e := range h.entries {
		age := now - e.Time
		if lim.General != nil && age < lim.General.window() {
			general++
		}
		if e.Callsign != s.Callsign {
			continue
		}
		if lim.PerCallsign != nil && age < lim.PerCallsign.window() {
			perCall++
		}
		if lim.PerCallsignBandMode != nil && age < lim.PerCallsignBandMode.window() &&
			e.Band == s.Band && modesMatch(e.Mode, s.Mode) {
			perBandMode++
		}
		if lim.PerCallsignFreqMode != nil && age < lim.PerCallsignFreqMode.window() &&
			math.Abs(e.Frequency-s.Frequency) <= l.frequencyTolerance(e.Mode) && modesMatch(e.Mode, s.Mode) {
			if e.Source == SotaSource {
				freqSota++
			} else {
				freqOther++
			}
		}
	}

	perFreqMode := freqSota + freqOther
	if lim.SeparateSotaWatch {
		if s.Source == SotaSource {
			perFreqMode = freqSota
		} else {
			perFreqMode = freqOther
		}
	}

	var res Result
	switch {
	case exceeded(lim.General, general):
		res = Result{LimitExceeded: true, GeneralLimitExceeded: true}
	case exceeded(lim.PerCallsign, perCall),
		exceeded(lim.PerCallsignBandMode, perBandMode),
		exceeded(lim.PerCallsignFreqMode, perFreqMode):
		res = Result{LimitExceeded: true}
	}

	h.maxWindow = lim.maxWindow()
	h.prune(now)
	if !res.LimitExceeded && h.maxWindow > 0 {
		h.entries = append(h.entries, Entry{
			Callsign:  s.Callsign,
			Band:      s.Band,
			Frequency: s.Frequency,
			Mode:      s.Mode,
			Time:      now,
			Source:    s.Source,
		})
	}
	return res
}

func exceeded(l *Limit, n int) bool { return l != nil && n >= l.Count }

// modesMatch treats an unknown mode on either side as a match.
func modesMatch(a, b string) bool { return a == "" || b == "" || a == b }

func (l *Limiter) frequencyTolerance(mode string) float64 {
	if _, ok := l.digi[mode]; ok {
		return l.opts.MaxFrequencyDiffDigi
	}
	return l.opts.MaxFrequencyDiff
}

// prune drops entries at or beyond the widest window.
func (h *history) prune(now int64) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if now-e.Time < h.maxWindow {
			kept = append(kept, e)
		}
	}
	clear(h.entries[len(kept):])
	h.entries = kept
}

// PruneIdle prunes every history and forgets users left without entries.
// It returns the number of users remaining.
func (l *Limiter) PruneIdle() int {
	now := l.now().UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, h := range l.users {
		h.mu.Lock()
		h.prune(now)
		if len(h.entries) == 0 {
			h.removed = true
			delete(l.users, id)
		}
		h.mu.Unlock()
	}
	return len(l.users)
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}
