// Package condition defines the trigger condition vocabulary and the
// evaluators for conditions that are checked by direct inspection.
package condition

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags the variant held by a Condition.
type Kind uint8

const (
	Equals Kind = iota + 1
	NotEquals
	Range
	TimeRange
)

func (k Kind) String() string {
	switch k {
	case Equals:
		return "equals"
	case NotEquals:
		return "not-equals"
	case Range:
		return "range"
	case TimeRange:
		return "time-range"
	default:
		return "unknown"
	}
}

// Condition is one compiled trigger constraint.
//
//	Equals(field, set)      at least one query value is in set
//	NotEquals(field, set)   no query value is in set
//	Range(field, from, to)  the numeric query value lies in [from, to]
//	TimeRange(from, to)     the query time lies in [from, to], wrapping midnight when from > to
//
// Time bounds are minutes of the day.
type Condition struct {
	Kind   Kind
	Field  string
	Values map[string]struct{}
	From   float64
	To     float64
}

func NewEquals(field string, values ...string) Condition {
	return Condition{Kind: Equals, Field: field, Values: toSet(values)}
}

func NewNotEquals(field string, values ...string) Condition {
	return Condition{Kind: NotEquals, Field: field, Values: toSet(values)}
}

func NewRange(field string, from, to float64) Condition {
	return Condition{Kind: Range, Field: field, From: from, To: to}
}

func NewTimeRange(from, to float64) Condition {
	return Condition{Kind: TimeRange, Field: TimeField, From: from, To: to}
}

// Eval reports whether q satisfies c. A query lacking the field fails every
// kind except TimeRange, which does not apply without a query time.
func (c Condition) Eval(q Query) bool {
	switch c.Kind {
	case Equals:
		vals, ok := q[c.Field]
		if !ok {
			return false
		}
		for _, v := range vals {
			if _, hit := c.Values[v]; hit {
				return true
			}
		}
		return false
	case NotEquals:
		vals, ok := q[c.Field]
		if !ok {
			return false
		}
		for _, v := range vals {
			if _, hit := c.Values[v]; hit {
				return false
			}
		}
		return true
	case Range:
		n, ok := q.Number(c.Field)
		if !ok {
			return false
		}
		return c.From <= n && n <= c.To
	case TimeRange:
		t, ok := q.Minute()
		if !ok {
			return true
		}
		if c.From <= c.To {
			return c.From <= t && t <= c.To
		}
		return t >= c.From || t <= c.To
	default:
		return false
	}
}

func (c Condition) String() string {
	switch c.Kind {
	case Equals, NotEquals:
		vals := make([]string, 0, len(c.Values))
		for v := range c.Values {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		return fmt.Sprintf("%s(%s, [%s])", c.Kind, c.Field, strings.Join(vals, ","))
	default:
		return fmt.Sprintf("%s(%s, %g, %g)", c.Kind, c.Field, c.From, c.To)
	}
}

func toSet(values []string) map[string]struct{} {
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Parsed is a trigger's condition map split by evaluation strategy.
type Parsed struct {
	// Sets holds positive value-set conditions; the index decides which of
	// these it serves and which become Equals checks.
	Sets map[string][]string
	// Checks holds negated, range and time-range conditions.
	Checks []Condition
	// Ignored lists names outside the vocabulary.
	Ignored []string
}

type bounds struct {
	from, to       float64
	hasFrom, hasTo bool
}

// Parse compiles a stored condition map. Range bounds may be stored as
// "<field>From"/"<field>To" keys or as a {from, to} object under the field
// name; a range missing either bound does not apply.
func Parse(raw map[string]any) (Parsed, error) {
	p := Parsed{Sets: map[string][]string{}}
	ranges := map[string]*bounds{}
	bound := func(field string) *bounds {
		b, ok := ranges[field]
		if !ok {
			b = &bounds{}
			ranges[field] = b
		}
		return b
	}

	for name, v := range raw {
		if v == nil {
			continue
		}
		switch {
		case IsSetField(name):
			keys, err := Keys(v)
			if err != nil {
				return Parsed{}, fmt.Errorf("condition %s: %w", name, err)
			}
			p.Sets[name] = keys
		case isRangeObject(name):
			obj, ok := v.(map[string]any)
			if !ok {
				return Parsed{}, fmt.Errorf("condition %s: %w: want {from, to}", name, ErrMalformed)
			}
			b := bound(name)
			for side, set := range map[string]*bool{"from": &b.hasFrom, "to": &b.hasTo} {
				sv, present := obj[side]
				if !present || sv == nil {
					continue
				}
				n, err := parseBound(name, sv)
				if err != nil {
					return Parsed{}, fmt.Errorf("condition %s.%s: %w", name, side, err)
				}
				if side == "from" {
					b.from = n
				} else {
					b.to = n
				}
				*set = true
			}
		default:
			if field, ok := negatedField(name); ok {
				keys, err := Keys(v)
				if err != nil {
					return Parsed{}, fmt.Errorf("condition %s: %w", name, err)
				}
				p.Checks = append(p.Checks, NewNotEquals(field, keys...))
				continue
			}
			if field, from, ok := rangeBound(name); ok {
				n, err := parseBound(field, v)
				if err != nil {
					return Parsed{}, fmt.Errorf("condition %s: %w", name, err)
				}
				b := bound(field)
				if from {
					b.from, b.hasFrom = n, true
				} else {
					b.to, b.hasTo = n, true
				}
				continue
			}
			p.Ignored = append(p.Ignored, name)
		}
	}

	fields := make([]string, 0, len(ranges))
	for f := range ranges {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		b := ranges[f]
		if !b.hasFrom || !b.hasTo {
			continue
		}
		if f == TimeField {
			p.Checks = append(p.Checks, NewTimeRange(b.from, b.to))
		} else {
			p.Checks = append(p.Checks, NewRange(f, b.from, b.to))
		}
	}
	sort.Strings(p.Ignored)
	return p, nil
}

func isRangeObject(name string) bool {
	if name == TimeField {
		return true
	}
	_, ok := rangeFields[name]
	return ok
}

func parseBound(field string, v any) (float64, error) {
	if field == TimeField {
		return minuteOfDay(v)
	}
	return number(v)
}
