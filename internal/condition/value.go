package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed marks a condition or query value of an unsupported shape.
var ErrMalformed = errors.New("malformed value")

// Key canonicalizes a scalar so that values decoded from JSON, YAML or typed
// Go code compare equal (14 == 14.0 == int64(14)).
func Key(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 64), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrMalformed, x)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrMalformed, v)
	}
}

// Keys canonicalizes a scalar or a list of scalars. A nil value yields no keys.
func Keys(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), x...), nil
	case []int:
		out := make([]string, len(x))
		for i, n := range x {
			out[i] = strconv.Itoa(n)
		}
		return out, nil
	case []float64:
		out := make([]string, len(x))
		for i, f := range x {
			out[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if el == nil {
				continue
			}
			k, err := Key(el)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
		return out, nil
	default:
		k, err := Key(v)
		if err != nil {
			return nil, err
		}
		return []string{k}, nil
	}
}

func number(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformed, x)
		}
		return f, nil
	case []any:
		if len(x) == 1 {
			return number(x[0])
		}
	case []string:
		if len(x) == 1 {
			return number(x[0])
		}
	}
	k, err := Key(v)
	if err != nil {
		return 0, err
	}
	return number(k)
}

// minuteOfDay parses "HH:MM", "HHMM" or a HHMM number.
func minuteOfDay(v any) (float64, error) {
	s, err := Key(v)
	if err != nil {
		return 0, err
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("%w: time %q", ErrMalformed, s)
	}
	// numeric bounds lose leading zeros: 30 is 00:30
	s = strings.Repeat("0", 4-len(s)) + s
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrMalformed, s)
	}
	h, m := n/100, n%100
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: time %q", ErrMalformed, s)
	}
	return float64(h*60 + m), nil
}
