package engine

import (
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog/log"

	"spot-alert-engine/internal/condition"
	"spot-alert-engine/internal/storage"
)

// generation is one fully built, immutable trigger set and its index.
// Slots are only meaningful within the generation that assigned them.
type generation struct {
	common     []string
	triggers   []trigger
	index      map[string]*conditionIndex
	alwaysScan *roaring.Bitmap // triggers without any common condition
	skipped    int
	builtAt    time.Time
}

// buildGeneration compiles stored triggers plus one internal self-spot
// trigger per user. Malformed triggers are skipped.
func buildGeneration(common []string, rows []storage.TriggerRow, users []storage.UserRow) *generation {
	g := &generation{
		common:     append([]string(nil), common...),
		triggers:   make([]trigger, 0, len(rows)+len(users)),
		index:      make(map[string]*conditionIndex, len(common)),
		alwaysScan: roaring.New(),
		builtAt:    time.Now(),
	}
	for _, c := range common {
		g.index[c] = newConditionIndex()
	}

	for _, r := range rows {
		g.add(r)
	}
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		g.add(storage.TriggerRow{
			UserID:     u.ID,
			Internal:   true,
			Actions:    []string{MyspotAction},
			Conditions: map[string]any{"callsign": u.Username},
		})
	}
	return g
}

func (g *generation) add(r storage.TriggerRow) {
	if r.Disabled || len(r.Actions) == 0 {
		return
	}
	parsed, err := condition.Parse(r.Conditions)
	if err != nil {
		g.skipped++
		log.Warn().Err(err).Str("trigger", r.ID).Str("user", r.UserID).Msg("skipping malformed trigger")
		return
	}
	if len(parsed.Ignored) > 0 {
		log.Debug().Str("trigger", r.ID).Strs("conditions", parsed.Ignored).Msg("ignoring unknown conditions")
	}

	slot := uint32(len(g.triggers))
	t := trigger{
		ID:       r.ID,
		UserID:   r.UserID,
		Actions:  append([]string(nil), r.Actions...),
		Comment:  r.Comment,
		Internal: r.Internal,
		Checks:   parsed.Checks,
	}

	hasCommon := false
	for _, c := range g.common {
		ci := g.index[c]
		vals, ok := parsed.Sets[c]
		if !ok {
			ci.unset.Add(slot)
			continue
		}
		hasCommon = true
		for _, v := range vals {
			ci.add(v, slot)
		}
		delete(parsed.Sets, c)
	}
	// remaining value sets are not indexed and become direct checks
	for field, vals := range parsed.Sets {
		t.Checks = append(t.Checks, condition.NewEquals(field, vals...))
	}
	if !hasCommon {
		g.alwaysScan.Add(slot)
	}
	g.triggers = append(g.triggers, t)
}

// candidates intersects, across all common conditions, the union of the
// buckets selected by the query plus the unset bucket.
func (g *generation) candidates(q condition.Query) *roaring.Bitmap {
	var acc *roaring.Bitmap
	for _, c := range g.common {
		ci := g.index[c]
		union := []*roaring.Bitmap{ci.unset}
		for _, v := range q[c] {
			if bm, ok := ci.values[v]; ok {
				union = append(union, bm)
			}
		}
		var u *roaring.Bitmap
		if len(union) == 1 {
			u = ci.unset.Clone()
		} else {
			u = roaring.FastOr(union...)
		}
		if acc == nil {
			acc = u
		} else {
			acc.And(u)
		}
		if acc.IsEmpty() {
			break
		}
	}
	if acc == nil {
		acc = roaring.New()
	}
	acc.Or(g.alwaysScan)
	return acc
}
