package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/observability"
	"spot-alert-engine/internal/quorum"
	"spot-alert-engine/internal/spot"
)

// Gate holds back spots from a skimmer-style source until enough distinct
// spotters have reported the same callsign on the same band and mode.
type Gate struct {
	source     string
	pruneEvery time.Duration
	dedup      *quorum.Deduplicator[spot.Spot]
}

func NewGate(source string, sc config.SourceConfig) *Gate {
	return &Gate{
		source:     source,
		pruneEvery: sc.PruneInterval,
		dedup: quorum.New[spot.Spot](quorum.Options{
			Quorum: sc.Quorum,
			Window: sc.QuorumInterval,
			MaxAge: sc.MaxAge,
		}),
	}
}

// Admit returns the spots released by s, possibly none.
func (g *Gate) Admit(s spot.Spot) []spot.Spot {
	if !g.dedup.Enabled() {
		return []spot.Spot{s}
	}

	keyed := s
	keyed.Band = spot.BandFor(s.Frequency)
	if keyed.Band == "" {
		observability.QuorumObservations.WithLabelValues(g.source, "unknown_band").Inc()
		log.Debug().Str("source", g.source).Str("callsign", s.FullCallsign).Float64("frequency", s.Frequency).Msg("no band for spot")
		return nil
	}

	at := s.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	out := g.dedup.Observe(s, s.Spotter, keyed.QuorumKey(), at)
	if len(out) == 0 {
		observability.QuorumObservations.WithLabelValues(g.source, "held").Inc()
	} else {
		observability.QuorumObservations.WithLabelValues(g.source, "released").Add(float64(len(out)))
	}
	return out
}

// Run prunes the gate's cache until ctx ends.
func (g *Gate) Run(ctx context.Context) { g.dedup.Run(ctx, g.source, g.pruneEvery) }

func (g *Gate) Len() int { return g.dedup.Len() }
