package engine

import (
	"github.com/RoaringBitmap/roaring"

	"spot-alert-engine/internal/condition"
)

// MyspotAction is the action of the internal trigger every user gets for
// spots of their own callsign.
const MyspotAction = "myspot"

// MatchResult aggregates every trigger of one user that matched a query.
type MatchResult struct {
	UserID     string   `json:"userId"`
	Actions    []string `json:"actions"`
	Comments   []string `json:"comment"`
	TriggerIDs []string `json:"triggerIds"`
}

// OnlyMyspot reports whether the implicit self-spot trigger was the only match.
func (r MatchResult) OnlyMyspot() bool {
	return len(r.Actions) == 1 && r.Actions[0] == MyspotAction
}

// trigger is the immutable, compiled form of one stored trigger.
// Its position in generation.triggers is its slot number.
type trigger struct {
	ID       string
	UserID   string
	Actions  []string
	Comment  string
	Internal bool
	Checks   []condition.Condition
}

// conditionIndex maps the values of one common condition to trigger slots.
type conditionIndex struct {
	values map[string]*roaring.Bitmap
	unset  *roaring.Bitmap // triggers that do not constrain this condition
}

func newConditionIndex() *conditionIndex {
	return &conditionIndex{values: map[string]*roaring.Bitmap{}, unset: roaring.New()}
}

func (ci *conditionIndex) add(value string, slot uint32) {
	bm, ok := ci.values[value]
	if !ok {
		bm = roaring.New()
		ci.values[value] = bm
	}
	bm.Add(slot)
}
