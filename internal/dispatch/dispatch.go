// Package dispatch shards matching over a pool of independent engines and
// correlates their asynchronous replies with the original callers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/observability"
)

var (
	// ErrTimeout is passed to a callback whose worker did not reply in time.
	ErrTimeout = errors.New("match request timed out")
	// ErrClosed is passed to callbacks once the pool has been closed.
	ErrClosed = errors.New("dispatcher closed")
)

// Matcher is one worker's private trigger set.
type Matcher interface {
	Reload(ctx context.Context) (int, error)
	Match(query map[string]any) ([]engine.MatchResult, error)
}

// Callback receives the matches or the failure of one request.
type Callback func([]engine.MatchResult, error)

// Request and Reply are the messages exchanged with workers.
type Request struct {
	ID    uint64         `json:"id"`
	Query map[string]any `json:"query"`
}

type Reply struct {
	ID      uint64               `json:"id"`
	Matches []engine.MatchResult `json:"matches"`
	Error   string               `json:"error,omitempty"`
}

type Options struct {
	Workers            int
	ReloadInterval     time.Duration
	RequestTimeout     time.Duration
	PendingLogInterval time.Duration
	QueueSize          int
}

type pendingRequest struct {
	cb     Callback
	worker int
	timer  *time.Timer
}

// Pool owns N workers. Match is non-blocking apart from back-pressure on a
// full worker queue.
type Pool struct {
	opts    Options
	workers []*worker
	replies chan Reply

	mu      sync.Mutex
	nextID  uint64
	nextW   int
	pending map[uint64]*pendingRequest
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool whose worker i matches with newMatcher(i).
func New(opts Options, newMatcher func(i int) Matcher) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	p := &Pool{
		opts:    opts,
		replies: make(chan Reply, opts.QueueSize),
		pending: map[uint64]*pendingRequest{},
	}
	for i := 0; i < opts.Workers; i++ {
		p.workers = append(p.workers, &worker{
			id:     i,
			m:      newMatcher(i),
			inbox:  make(chan Request, opts.QueueSize),
			reload: make(chan struct{}, 1),
			bg:     &p.wg,
		})
	}
	return p
}

// Start loads the initial generation of every worker and starts them. It
// fails when any worker cannot load its triggers.
func (p *Pool) Start(ctx context.Context) error {
	if _, err := p.Reload(ctx); err != nil {
		return fmt.Errorf("initial trigger load: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.ctx, p.cancel = runCtx, cancel
	p.mu.Unlock()
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run(runCtx, p.replies, p.opts.ReloadInterval)
		}(w)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.receive(runCtx)
	}()
	if p.opts.PendingLogInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.logPending(runCtx)
		}()
	}
	log.Info().Int("workers", len(p.workers)).Msg("dispatcher started")
	return nil
}

// Match assigns query the next request id and the next worker in
// round-robin order. cb runs exactly once, on the reply goroutine, on a
// timer goroutine, or synchronously when the pool is closed.
func (p *Pool) Match(query map[string]any, cb Callback) {
	p.mu.Lock()
	if p.closed || p.ctx == nil {
		p.mu.Unlock()
		cb(nil, ErrClosed)
		return
	}
	p.nextID++
	id := p.nextID
	wi := p.nextW
	p.nextW = (p.nextW + 1) % len(p.workers)
	pr := &pendingRequest{cb: cb, worker: wi}
	if p.opts.RequestTimeout > 0 {
		pr.timer = time.AfterFunc(p.opts.RequestTimeout, func() { p.expire(id) })
	}
	p.pending[id] = pr
	n := len(p.pending)
	ctx := p.ctx
	p.mu.Unlock()
	observability.DispatchPending.Set(float64(n))

	select {
	case p.workers[wi].inbox <- Request{ID: id, Query: query}:
	case <-ctx.Done():
		if pr := p.take(id); pr != nil {
			pr.cb(nil, ErrClosed)
		}
	}
}

// MatchSync dispatches query and waits for its reply or ctx.
func (p *Pool) MatchSync(ctx context.Context, query map[string]any) ([]engine.MatchResult, error) {
	type result struct {
		matches []engine.MatchResult
		err     error
	}
	ch := make(chan result, 1)
	p.Match(query, func(m []engine.MatchResult, err error) { ch <- result{m, err} })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.matches, r.err
	}
}

// Reload reloads every worker concurrently and returns the trigger count of
// the first worker.
func (p *Pool) Reload(ctx context.Context) (int, error) {
	counts := make([]int, len(p.workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range p.workers {
		i, w := i, w
		g.Go(func() error {
			n, err := w.m.Reload(gctx)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return counts[0], nil
}

// RequestReload asks every worker to reload in the background. Requests
// made while a worker already has one queued are merged.
func (p *Pool) RequestReload() {
	for _, w := range p.workers {
		select {
		case w.reload <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of requests awaiting a reply.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) Workers() int { return len(p.workers) }

// Close stops the workers, waits for reloads in progress and fails every
// outstanding request with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	abandoned := p.pending
	p.pending = map[uint64]*pendingRequest{}
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	for _, pr := range abandoned {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.cb(nil, ErrClosed)
	}
	observability.DispatchPending.Set(0)
	log.Info().Int("abandoned", len(abandoned)).Msg("dispatcher stopped")
}

// take removes and returns the pending entry for id, or nil.
func (p *Pool) take(id uint64) *pendingRequest {
	p.mu.Lock()
	pr, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	n := len(p.pending)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	observability.DispatchPending.Set(float64(n))
	return pr
}

func (p *Pool) expire(id uint64) {
	pr := p.take(id)
	if pr == nil {
		return
	}
	observability.DispatchReplies.WithLabelValues("timeout").Inc()
	log.Warn().Uint64("id", id).Int("worker", pr.worker).Dur("timeout", p.opts.RequestTimeout).Msg("match request timed out")
	pr.cb(nil, ErrTimeout)
}

func (p *Pool) receive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.replies:
			p.deliver(r)
		}
	}
}

func (p *Pool) deliver(r Reply) {
	pr := p.take(r.ID)
	if pr == nil {
		observability.DispatchReplies.WithLabelValues("unknown").Inc()
		log.Error().Uint64("id", r.ID).Msg("reply for unknown request id")
		return
	}
	if r.Error != "" {
		observability.DispatchReplies.WithLabelValues("error").Inc()
		pr.cb(nil, errors.New(r.Error))
		return
	}
	observability.DispatchReplies.WithLabelValues("ok").Inc()
	pr.cb(r.Matches, nil)
}

func (p *Pool) logPending(ctx context.Context) {
	t := time.NewTicker(p.opts.PendingLogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info().Int("pending", p.Pending()).Msg("pending match requests")
		}
	}
}
