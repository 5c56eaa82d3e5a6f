package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"spot-alert-engine/internal/engine"
)

type worker struct {
	id     int
	m      Matcher
	inbox  chan Request
	reload chan struct{}

	reloading atomic.Bool
	// bg tracks reload goroutines so the pool can wait for them on Close.
	bg *sync.WaitGroup
}

// run serves requests until ctx ends. Reloads run beside matching; the
// engine publishes each new generation atomically.
func (w *worker) run(ctx context.Context, replies chan<- Reply, reloadEvery time.Duration) {
	var tick <-chan time.Time
	if reloadEvery > 0 {
		t := time.NewTicker(reloadEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.inbox:
			r := Reply{ID: req.ID}
			matches, err := w.m.Match(req.Query)
			if err != nil {
				r.Error = err.Error()
				log.Debug().Err(err).Int("worker", w.id).Uint64("id", req.ID).Msg("match failed")
			} else {
				if matches == nil {
					matches = []engine.MatchResult{}
				}
				r.Matches = matches
			}
			select {
			case replies <- r:
			case <-ctx.Done():
				return
			}
		case <-tick:
			w.reloadAsync(ctx)
		case <-w.reload:
			w.reloadAsync(ctx)
		}
	}
}

func (w *worker) reloadAsync(ctx context.Context) {
	if !w.reloading.CompareAndSwap(false, true) {
		return
	}
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer w.reloading.Store(false)
		if _, err := w.m.Reload(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int("worker", w.id).Msg("trigger reload failed; keeping previous generation")
		}
	}()
}
