package condition

import (
	"fmt"
	"strconv"
)

// Query is a flattened event: condition name to canonical values.
type Query map[string][]string

// NormalizeQuery canonicalizes a wire query. Nil values are treated as absent.
func NormalizeQuery(raw map[string]any) (Query, error) {
	q := make(Query, len(raw))
	for name, v := range raw {
		if v == nil {
			continue
		}
		keys, err := Keys(v)
		if err != nil {
			return nil, fmt.Errorf("query field %s: %w", name, err)
		}
		q[name] = keys
	}
	return q, nil
}

// Number returns the first value of field as a number.
func (q Query) Number(field string) (float64, bool) {
	vals := q[field]
	if len(vals) == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Minute returns the query time as minutes of the day.
func (q Query) Minute() (float64, bool) {
	vals := q[TimeField]
	if len(vals) == 0 || vals[0] == "" {
		return 0, false
	}
	m, err := minuteOfDay(vals[0])
	if err != nil {
		return 0, false
	}
	return m, true
}

// Owner returns the user a simulated spot is restricted to, if any.
func (q Query) Owner() string {
	if vals := q[OwnerField]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}
