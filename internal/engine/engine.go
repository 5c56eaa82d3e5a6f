package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"spot-alert-engine/internal/cache"
	"spot-alert-engine/internal/condition"
	"spot-alert-engine/internal/observability"
	"spot-alert-engine/internal/storage"
)

// ErrNoGeneration is returned by Match before the first successful reload.
var ErrNoGeneration = errors.New("no trigger generation loaded")

// Source supplies the stored triggers and users of one reload pass.
type Source interface {
	LoadTriggers(ctx context.Context) ([]storage.TriggerRow, error)
	LoadUsers(ctx context.Context) ([]storage.UserRow, error)
}

// Engine owns the live trigger generation. Matching is lock-free; reloads
// build a complete successor and publish it with one atomic swap.
type Engine struct {
	name   string
	src    Source
	common []string
	snap   cache.Snapshot[generation]
	group  singleflight.Group
}

func NewEngine(name string, src Source, common []string) *Engine {
	if len(common) == 0 {
		common = condition.DefaultCommon()
	}
	return &Engine{name: name, src: src, common: append([]string(nil), common...)}
}

// Reload reads all triggers and users and publishes a new generation.
// Calls arriving while a reload is running wait for it and share its
// trigger count; the running reload is not cancelled by ctx.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	ch := e.group.DoChan("reload", func() (any, error) {
		return e.reload(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

func (e *Engine) reload(ctx context.Context) (int, error) {
	start := time.Now()
	rows, err := e.src.LoadTriggers(ctx)
	if err != nil {
		observability.ReloadsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("load triggers: %w", err)
	}
	users, err := e.src.LoadUsers(ctx)
	if err != nil {
		observability.ReloadsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("load users: %w", err)
	}

	g := buildGeneration(e.common, rows, users)
	e.snap.Store(g)

	observability.ReloadsTotal.WithLabelValues("ok").Inc()
	observability.TriggersLoaded.WithLabelValues(e.name).Set(float64(len(g.triggers)))
	log.Info().
		Str("engine", e.name).
		Int("triggers", len(g.triggers)).
		Int("always_scan", int(g.alwaysScan.GetCardinality())).
		Int("skipped", g.skipped).
		Dur("took", time.Since(start)).
		Msg("triggers loaded")
	return len(g.triggers), nil
}

// Count returns the number of triggers in the live generation.
func (e *Engine) Count() int {
	if g := e.snap.Load(); g != nil {
		return len(g.triggers)
	}
	return 0
}

// Match normalizes a wire query and evaluates it. Any failure during
// evaluation, including a panic, is returned as an error.
func (e *Engine) Match(raw map[string]any) (out []MatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.MatchErrors.Inc()
			out, err = nil, fmt.Errorf("match panic: %v", r)
		}
	}()
	q, err := condition.NormalizeQuery(raw)
	if err != nil {
		observability.MatchErrors.Inc()
		return nil, err
	}
	return e.MatchQuery(q)
}

// MatchQuery returns the matching triggers of q grouped by owning user.
func (e *Engine) MatchQuery(q condition.Query) ([]MatchResult, error) {
	g := e.snap.Load()
	if g == nil {
		return nil, ErrNoGeneration
	}
	start := time.Now()
	defer func() { observability.MatchDuration.Observe(time.Since(start).Seconds()) }()

	owner := q.Owner()
	byUser := map[string]*userMatch{}
	it := g.candidates(q).Iterator()
	for it.HasNext() {
		t := &g.triggers[it.Next()]
		if owner != "" && t.UserID != owner {
			continue
		}
		if !passes(t.Checks, q) {
			continue
		}
		um, ok := byUser[t.UserID]
		if !ok {
			um = newUserMatch()
			byUser[t.UserID] = um
		}
		um.add(t)
	}

	out := make([]MatchResult, 0, len(byUser))
	for uid, um := range byUser {
		out = append(out, um.result(uid))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func passes(checks []condition.Condition, q condition.Query) bool {
	for _, c := range checks {
		if !c.Eval(q) {
			return false
		}
	}
	return true
}

type userMatch struct {
	actions, comments, triggerIDs map[string]struct{}
}

func newUserMatch() *userMatch {
	return &userMatch{
		actions:    map[string]struct{}{},
		comments:   map[string]struct{}{},
		triggerIDs: map[string]struct{}{},
	}
}

func (um *userMatch) add(t *trigger) {
	for _, a := range t.Actions {
		um.actions[a] = struct{}{}
	}
	if t.Comment != "" && !t.Internal {
		um.comments[t.Comment] = struct{}{}
	}
	if t.ID != "" {
		um.triggerIDs[t.ID] = struct{}{}
	}
}

func (um *userMatch) result(uid string) MatchResult {
	return MatchResult{
		UserID:     uid,
		Actions:    sortedKeys(um.actions),
		Comments:   sortedKeys(um.comments),
		TriggerIDs: sortedKeys(um.triggerIDs),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
