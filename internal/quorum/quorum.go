// Package quorum withholds single-observer reports until enough distinct
// observers have reported the same key.
package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Options struct {
	// Quorum is the number of distinct observers required. Zero or one
	// emits every observation immediately.
	Quorum int
	// Window bounds how long an observation counts towards the quorum; a key
	// not observed for this long is forgotten.
	Window time.Duration
	// MaxAge bounds how old a held-back observation may be when it is emitted.
	MaxAge time.Duration
}

type observation[T any] struct {
	event    T
	observer string
	at       time.Time
	emitted  bool
}

type bucket[T any] struct {
	obs     []observation[T]
	touched time.Time
}

// Deduplicator is safe for concurrent use.
type Deduplicator[T any] struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket[T]
}

func New[T any](opts Options) *Deduplicator[T] {
	return &Deduplicator[T]{opts: opts, now: time.Now, buckets: map[string]*bucket[T]{}}
}

// WithClock replaces the time source; used by tests.
func (d *Deduplicator[T]) WithClock(now func() time.Time) *Deduplicator[T] {
	d.now = now
	return d
}

// Enabled reports whether observations are held back at all.
func (d *Deduplicator[T]) Enabled() bool { return d.opts.Quorum > 1 }

// Observe records that observer reported ev under key at time at, and returns
// the events released by this observation in arrival order. Once the number
// of distinct observers within the window reaches the quorum, every held-back
// event younger than MaxAge is released and reduced to a tombstone that
// keeps counting its observer until it leaves the window.
func (d *Deduplicator[T]) Observe(ev T, observer, key string, at time.Time) []T {
	if !d.Enabled() {
		return []T{ev}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	b, ok := d.buckets[key]
	if !ok || now.Sub(b.touched) >= d.opts.Window {
		b = &bucket[T]{}
		d.buckets[key] = b
	}
	b.touched = now
	b.obs = append(b.obs, observation[T]{event: ev, observer: observer, at: at})

	kept := b.obs[:0]
	observers := make(map[string]struct{}, len(b.obs))
	for _, o := range b.obs {
		if now.Sub(o.at) < d.opts.Window {
			kept = append(kept, o)
			observers[o.observer] = struct{}{}
		}
	}
	clear(b.obs[len(kept):])
	b.obs = kept

	if len(observers) < d.opts.Quorum {
		return nil
	}

	var out []T
	var zero T
	kept = b.obs[:0]
	for _, o := range b.obs {
		if o.emitted {
			kept = append(kept, o)
			continue
		}
		if now.Sub(o.at) < d.opts.MaxAge {
			out = append(out, o.event)
			kept = append(kept, observation[T]{event: zero, observer: o.observer, at: o.at, emitted: true})
		}
	}
	clear(b.obs[len(kept):])
	b.obs = kept
	return out
}

// Prune forgets keys not observed within the window and returns how many
// keys remain.
func (d *Deduplicator[T]) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, b := range d.buckets {
		if now.Sub(b.touched) >= d.opts.Window {
			delete(d.buckets, k)
		}
	}
	return len(d.buckets)
}

// Len returns the number of tracked keys.
func (d *Deduplicator[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}

// Run prunes every interval until ctx ends.
func (d *Deduplicator[T]) Run(ctx context.Context, name string, every time.Duration) {
	if !d.Enabled() || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := d.Prune()
			log.Debug().Str("source", name).Int("keys", n).Msg("quorum cache pruned")
		}
	}
}
