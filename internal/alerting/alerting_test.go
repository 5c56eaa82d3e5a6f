package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/ratelimit"
	"spot-alert-engine/internal/spot"
	"spot-alert-engine/internal/storage"
)

type fakeMatcher struct {
	mu      sync.Mutex
	results []engine.MatchResult
	err     error
	queries []map[string]any
}

func (f *fakeMatcher) MatchSync(_ context.Context, q map[string]any) ([]engine.MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, f.err
}

func (f *fakeMatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeUsers map[string]storage.UserRow

func (f fakeUsers) Get(_ context.Context, id string) (storage.UserRow, error) {
	u, ok := f[id]
	if !ok {
		return storage.UserRow{}, storage.ErrUserNotFound
	}
	return u, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	mySpots []string
	alerts  []string
	muted   map[string]bool
}

func (f *fakeRecorder) SaveMySpot(_ context.Context, sp *spot.Spot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mySpots = append(f.mySpots, sp.Callsign)
	return nil
}

func (f *fakeRecorder) SaveAlert(_ context.Context, userID string, _ *spot.Spot, _, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, userID)
	return nil
}

func (f *fakeRecorder) Muted(_ context.Context, userID string, _ *spot.Spot) (bool, error) {
	return f.muted[userID], nil
}

type delivery struct {
	action, user, callsign string
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []delivery
}

func (d *recordingDeliverer) Deliver(_ context.Context, action string, u storage.UserRow, sp *spot.Spot, _ []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{action, u.ID, sp.Callsign})
	return nil
}

type enricherFunc func(*spot.Spot)

func (f enricherFunc) Enrich(_ context.Context, sp *spot.Spot) error {
	f(sp)
	return nil
}

type fixture struct {
	matcher   *fakeMatcher
	recorder  *fakeRecorder
	deliverer *recordingDeliverer
	counters  *Counters
	pipeline  *Pipeline
}

func newFixture(t *testing.T, users fakeUsers, opts Options, results ...engine.MatchResult) *fixture {
	t.Helper()
	f := &fixture{
		matcher:   &fakeMatcher{results: results},
		recorder:  &fakeRecorder{muted: map[string]bool{}},
		deliverer: &recordingDeliverer{},
		counters:  NewCounters(),
	}
	f.pipeline = NewPipeline(Deps{
		Matcher:   f.matcher,
		Users:     users,
		Recorder:  f.recorder,
		Limiter:   ratelimit.New(ratelimit.DefaultOptions()),
		Counters:  f.counters,
		Deliverer: f.deliverer,
	}, opts)
	return f
}

func cwSpot(spotter string) spot.Spot {
	return spot.Spot{Source: "rbn", FullCallsign: "hb9dqm/p", Frequency: 14.025, Mode: "CW", Spotter: spotter}
}

func TestProcess_DeliversEveryAction(t *testing.T) {
	users := fakeUsers{"u1": {ID: "u1", Username: "DL1ABC", Alerts: true}}
	f := newFixture(t, users, Options{}, engine.MatchResult{
		UserID: "u1", Actions: []string{"app", "url"}, TriggerIDs: []string{"t1", "t2"},
	})

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))

	assert.Equal(t, []delivery{{"app", "u1", "HB9DQM"}, {"url", "u1", "HB9DQM"}}, f.deliverer.sent)
	assert.Equal(t, []string{"u1"}, f.recorder.alerts)
	matches, _ := f.counters.Snapshot()
	assert.Equal(t, map[string]int64{"t1": 1, "t2": 1}, matches)

	q := f.matcher.queries[0]
	assert.Equal(t, "HB9DQM", q["callsign"])
	assert.Equal(t, "cw", q["mode"])
}

func TestProcess_SelfSpot(t *testing.T) {
	users := fakeUsers{"u1": {ID: "u1", Username: "HB9DQM", Alerts: true}}
	f := newFixture(t, users, Options{}, engine.MatchResult{
		UserID: "u1", Actions: []string{engine.MyspotAction}, TriggerIDs: []string{"self"},
	})

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))

	assert.Equal(t, []string{"HB9DQM"}, f.recorder.mySpots)
	assert.Empty(t, f.deliverer.sent)
	assert.Empty(t, f.recorder.alerts)
	matches, _ := f.counters.Snapshot()
	assert.Empty(t, matches)
}

func TestProcess_AlertsDisabled(t *testing.T) {
	users := fakeUsers{"u1": {ID: "u1", Username: "DL1ABC"}}
	f := newFixture(t, users, Options{}, engine.MatchResult{UserID: "u1", Actions: []string{"app"}, TriggerIDs: []string{"t1"}})

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))

	assert.Empty(t, f.deliverer.sent)
	matches, _ := f.counters.Snapshot()
	assert.Equal(t, map[string]int64{"t1": 1}, matches)
}

func TestProcess_RateLimited(t *testing.T) {
	users := fakeUsers{"u1": {ID: "u1", Username: "DL1ABC", Alerts: true, Limits: ratelimit.UserLimits{
		General: &ratelimit.Limit{Count: 1, Interval: 3600},
	}}}
	f := newFixture(t, users, Options{}, engine.MatchResult{UserID: "u1", Actions: []string{"app"}, TriggerIDs: []string{"t1"}})

	for i := 0; i < 3; i++ {
		require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))
	}

	assert.Len(t, f.deliverer.sent, 1)
	_, exceeded := f.counters.Snapshot()
	assert.Equal(t, map[string]int64{"u1": 2}, exceeded)
}

func TestProcess_Muted(t *testing.T) {
	users := fakeUsers{"u1": {ID: "u1", Username: "DL1ABC", Alerts: true}}
	f := newFixture(t, users, Options{}, engine.MatchResult{UserID: "u1", Actions: []string{"app"}, TriggerIDs: []string{"t1"}})
	f.recorder.muted["u1"] = true

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))

	assert.Equal(t, []string{"u1"}, f.recorder.alerts)
	assert.Empty(t, f.deliverer.sent)
}

func TestProcess_UnknownUserSkipped(t *testing.T) {
	users := fakeUsers{"u2": {ID: "u2", Username: "DL1ABC", Alerts: true}}
	f := newFixture(t, users, Options{},
		engine.MatchResult{UserID: "gone", Actions: []string{"app"}},
		engine.MatchResult{UserID: "u2", Actions: []string{"app"}},
	)

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))
	assert.Equal(t, []delivery{{"app", "u2", "HB9DQM"}}, f.deliverer.sent)
}

func TestProcess_TestOnly(t *testing.T) {
	users := fakeUsers{"u1": {ID: "u1", Username: "HB9DQM", Alerts: true}}
	f := newFixture(t, users, Options{TestOnly: true}, engine.MatchResult{UserID: "u1", Actions: []string{"app"}})

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))

	assert.Empty(t, f.recorder.mySpots)
	assert.Empty(t, f.recorder.alerts)
	assert.Empty(t, f.deliverer.sent)
}

func TestProcess_DropsSuspectEntity(t *testing.T) {
	f := newFixture(t, fakeUsers{}, Options{})
	f.pipeline.Enricher = enricherFunc(func(sp *spot.Spot) { sp.DXCC = &spot.DXCC{DXCC: 344} })

	require.NoError(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")))
	assert.Zero(t, f.matcher.calls())

	sim := cwSpot("")
	sim.UserID = "u1"
	require.NoError(t, f.pipeline.Process(context.Background(), sim))
	assert.Equal(t, 1, f.matcher.calls())
}

func TestProcess_MatchError(t *testing.T) {
	f := newFixture(t, fakeUsers{}, Options{})
	f.matcher.err = errors.New("timed out")
	assert.ErrorContains(t, f.pipeline.Process(context.Background(), cwSpot("DK0TE")), "timed out")
}

func TestIngest_Quorum(t *testing.T) {
	opts := Options{Sources: map[string]config.SourceConfig{
		"rbn": {Quorum: 2, QuorumInterval: 15 * time.Minute, MaxAge: 15 * time.Minute},
	}}
	f := newFixture(t, fakeUsers{}, opts)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Ingest(ctx, cwSpot("DK0TE")))
	require.NoError(t, f.pipeline.Ingest(ctx, cwSpot("DK0TE")))
	assert.Zero(t, f.matcher.calls(), "one spotter is not enough")

	require.NoError(t, f.pipeline.Ingest(ctx, cwSpot("OH6BG")))
	assert.Equal(t, 3, f.matcher.calls())

	other := cwSpot("DK0TE")
	other.Source = "cluster"
	require.NoError(t, f.pipeline.Ingest(ctx, other))
	assert.Equal(t, 4, f.matcher.calls())
}

func TestGate_UnknownBand(t *testing.T) {
	g := NewGate("rbn", config.SourceConfig{Quorum: 2, QuorumInterval: time.Minute, MaxAge: time.Minute})
	s := cwSpot("DK0TE")
	s.Frequency = 0.001
	assert.Empty(t, g.Admit(s))
	assert.Zero(t, g.Len())
}

type fakeCounterStore struct {
	matches, exceeded map[string]int64
	err               error
}

func (f *fakeCounterStore) IncrementMatchCounts(_ context.Context, m map[string]int64) error {
	if f.err != nil {
		return f.err
	}
	f.matches = m
	return nil
}

func (f *fakeCounterStore) IncrementLimitExceeded(_ context.Context, m map[string]int64) error {
	f.exceeded = m
	return nil
}

func TestCounters_Flush(t *testing.T) {
	c := NewCounters()
	c.Match([]string{"t1", "t2"})
	c.Match([]string{"t1"})
	c.LimitExceeded("u1")

	st := &fakeCounterStore{err: errors.New("db down")}
	require.Error(t, c.Flush(context.Background(), st))
	matches, exceeded := c.Snapshot()
	assert.Equal(t, map[string]int64{"t1": 2, "t2": 1}, matches, "failed writes are retried")
	assert.Empty(t, exceeded)

	st.err = nil
	c.Match([]string{"t2"})
	require.NoError(t, c.Flush(context.Background(), st))
	assert.Equal(t, map[string]int64{"t1": 2, "t2": 2}, st.matches)
	assert.Equal(t, map[string]int64{"u1": 1}, st.exceeded)

	matches, _ = c.Snapshot()
	assert.Empty(t, matches)
}
