// Package alerting runs every incoming spot through corroboration,
// matching and rate limiting, and hands surviving alerts to delivery.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/observability"
	"spot-alert-engine/internal/ratelimit"
	"spot-alert-engine/internal/spot"
	"spot-alert-engine/internal/storage"
)

// dxccNorthKorea spots are almost always fake unless simulated.
const dxccNorthKorea = 344

type Matcher interface {
	MatchSync(ctx context.Context, query map[string]any) ([]engine.MatchResult, error)
}

type Users interface {
	Get(ctx context.Context, id string) (storage.UserRow, error)
}

// Recorder persists what happened to a spot.
type Recorder interface {
	SaveMySpot(ctx context.Context, sp *spot.Spot) error
	SaveAlert(ctx context.Context, userID string, sp *spot.Spot, actions, comments []string) error
	Muted(ctx context.Context, userID string, sp *spot.Spot) (bool, error)
}

type Limiter interface {
	Check(userID string, s ratelimit.Spot, lim ratelimit.UserLimits) ratelimit.Result
}

// Enricher annotates a normalized spot (country, references, QSL info).
type Enricher interface {
	Enrich(ctx context.Context, sp *spot.Spot) error
}

// Deliverer sends one alert over the channel named by action.
type Deliverer interface {
	Deliver(ctx context.Context, action string, user storage.UserRow, sp *spot.Spot, comments []string) error
}

type Deps struct {
	Matcher   Matcher
	Users     Users
	Recorder  Recorder
	Limiter   Limiter
	Counters  *Counters
	Deliverer Deliverer
	Enricher  Enricher // optional
}

type Options struct {
	// TestOnly logs would-be alerts instead of acting on them.
	TestOnly bool
	Sources  map[string]config.SourceConfig
}

type Pipeline struct {
	Deps
	testOnly bool
	gates    map[string]*Gate
	now      func() time.Time
}

func NewPipeline(d Deps, opts Options) *Pipeline {
	if d.Counters == nil {
		d.Counters = NewCounters()
	}
	p := &Pipeline{Deps: d, testOnly: opts.TestOnly, gates: map[string]*Gate{}, now: time.Now}
	for name, sc := range opts.Sources {
		p.gates[name] = NewGate(name, sc)
	}
	if opts.TestOnly {
		log.Warn().Msg("test mode: no alerts will be sent")
	}
	return p
}

// Gates returns the quorum gates by source name.
func (p *Pipeline) Gates() map[string]*Gate { return p.gates }

// Ingest is the entry point for sources: the spot passes its source's quorum
// gate, if any, and every spot the gate releases is processed.
func (p *Pipeline) Ingest(ctx context.Context, s spot.Spot) error {
	g, ok := p.gates[s.Source]
	if !ok || s.Simulated() {
		return p.Process(ctx, s)
	}
	var errs []error
	for _, released := range g.Admit(s) {
		if err := p.Process(ctx, released); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Process normalizes, enriches and matches one spot, then acts on every
// matching user. Failures for one user do not affect the others.
func (p *Pipeline) Process(ctx context.Context, s spot.Spot) error {
	observability.SpotsTotal.WithLabelValues(s.Source).Inc()
	now := p.now()
	spot.Normalize(&s, now)

	if p.Enricher != nil {
		if err := p.Enricher.Enrich(ctx, &s); err != nil {
			log.Warn().Err(err).Str("callsign", s.FullCallsign).Msg("enrichment failed")
		}
	}
	if s.DXCC != nil && s.DXCC.DXCC == dxccNorthKorea && !s.Simulated() {
		log.Debug().Str("callsign", s.FullCallsign).Msg("dropping likely fake spot")
		return nil
	}
	log.Debug().Str("spot", s.String()).Msg("spot")

	matches, err := p.Matcher.MatchSync(ctx, s.Conditions(now))
	if err != nil {
		return fmt.Errorf("match %s: %w", s.FullCallsign, err)
	}
	for _, m := range matches {
		p.handle(ctx, &s, m)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, s *spot.Spot, m engine.MatchResult) {
	user, err := p.Users.Get(ctx, m.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", m.UserID).Msg("matched user lookup failed")
		return
	}

	if p.testOnly {
		log.Info().Str("user", user.ID).Str("spot", s.String()).Strs("actions", m.Actions).
			Strs("triggers", m.TriggerIDs).Msg("would run notifiers")
		return
	}

	if user.Username == s.Callsign {
		if err := p.Recorder.SaveMySpot(ctx, s); err != nil {
			log.Error().Err(err).Str("callsign", s.Callsign).Msg("save myspot failed")
		}
		if m.OnlyMyspot() {
			return
		}
	}

	p.Counters.Match(m.TriggerIDs)

	if !user.Alerts {
		return
	}

	res := p.Limiter.Check(user.ID, limitSpot(s), user.Limits)
	if res.LimitExceeded {
		observability.RateLimitDecisions.WithLabelValues("rejected").Inc()
		if res.GeneralLimitExceeded {
			p.Counters.LimitExceeded(user.ID)
		}
		log.Debug().Str("user", user.ID).Str("callsign", s.FullCallsign).Bool("general", res.GeneralLimitExceeded).Msg("rate limit exceeded")
		return
	}
	observability.RateLimitDecisions.WithLabelValues("accepted").Inc()

	if err := p.Recorder.SaveAlert(ctx, user.ID, s, m.Actions, m.Comments); err != nil {
		log.Error().Err(err).Str("user", user.ID).Msg("save alert failed")
	}

	muted, err := p.Recorder.Muted(ctx, user.ID, s)
	if err != nil {
		log.Error().Err(err).Str("user", user.ID).Msg("mute lookup failed")
	}
	if muted {
		return
	}

	for _, action := range m.Actions {
		if action == engine.MyspotAction {
			continue
		}
		observability.AlertsTotal.WithLabelValues(action).Inc()
		if err := p.Deliverer.Deliver(ctx, action, user, s, m.Comments); err != nil {
			log.Error().Err(err).Str("user", user.ID).Str("action", action).Msg("delivery failed")
		}
	}
}

func limitSpot(s *spot.Spot) ratelimit.Spot {
	return ratelimit.Spot{
		Callsign:  s.Callsign,
		Band:      s.Band,
		Frequency: s.Frequency,
		Mode:      s.Mode,
		Source:    s.Source,
		Simulated: s.Simulated(),
	}
}

// LogDeliverer writes alerts to the log; it stands in for outbound channels.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, action string, user storage.UserRow, sp *spot.Spot, comments []string) error {
	log.Info().
		Str("action", action).
		Str("user", user.ID).
		Str("username", user.Username).
		Str("spot", sp.String()).
		Strs("comments", comments).
		Msg("alert")
	return nil
}
