package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CounterStore persists accumulated counters.
type CounterStore interface {
	IncrementMatchCounts(ctx context.Context, byTrigger map[string]int64) error
	IncrementLimitExceeded(ctx context.Context, byUser map[string]int64) error
}

// Counters accumulates per-trigger match counts and per-user limit
// violations in memory between flushes.
type Counters struct {
	mu       sync.Mutex
	matches  map[string]int64
	exceeded map[string]int64
}

func NewCounters() *Counters {
	return &Counters{matches: map[string]int64{}, exceeded: map[string]int64{}}
}

func (c *Counters) Match(triggerIDs []string) {
	c.mu.Lock()
	for _, id := range triggerIDs {
		c.matches[id]++
	}
	c.mu.Unlock()
}

func (c *Counters) LimitExceeded(userID string) {
	c.mu.Lock()
	c.exceeded[userID]++
	c.mu.Unlock()
}

// Snapshot returns copies of the unflushed counters.
func (c *Counters) Snapshot() (matches, exceeded map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyCounts(c.matches), copyCounts(c.exceeded)
}

// Flush writes the accumulated counters to st. Counts that could not be
// written are kept for the next flush.
func (c *Counters) Flush(ctx context.Context, st CounterStore) error {
	c.mu.Lock()
	matches, exceeded := c.matches, c.exceeded
	c.matches, c.exceeded = map[string]int64{}, map[string]int64{}
	c.mu.Unlock()

	var errs []error
	if len(matches) > 0 {
		if err := st.IncrementMatchCounts(ctx, matches); err != nil {
			errs = append(errs, err)
			c.merge(matches, nil)
		}
	}
	if len(exceeded) > 0 {
		if err := st.IncrementLimitExceeded(ctx, exceeded); err != nil {
			errs = append(errs, err)
			c.merge(nil, exceeded)
		}
	}
	return errors.Join(errs...)
}

func (c *Counters) merge(matches, exceeded map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range matches {
		c.matches[k] += v
	}
	for k, v := range exceeded {
		c.exceeded[k] += v
	}
}

// Run flushes every interval and once more when ctx ends.
func (c *Counters) Run(ctx context.Context, st CounterStore, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.Flush(fctx, st); err != nil {
				log.Error().Err(err).Msg("final counter flush failed")
			}
			cancel()
			return
		case <-t.C:
			if err := c.Flush(ctx, st); err != nil {
				log.Error().Err(err).Msg("counter flush failed")
			}
		}
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
