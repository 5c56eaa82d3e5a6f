package condition

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field names that are not plain value sets.
const (
	TimeField  = "time"
	OwnerField = "userId"
)

const negPrefix = "not"

// setFields is the closed vocabulary of value-set conditions.
var setFields = map[string]struct{}{
	"source":            {},
	"callsign":          {},
	"fullCallsign":      {},
	"prefix":            {},
	"summitAssociation": {},
	"summitRegion":      {},
	"summitRef":         {},
	"wwffRef":           {},
	"mode":              {},
	"band":              {},
	"spotter":           {},
	"spotterPrefix":     {},
	"daysOfWeek":        {},
	"dxcc":              {},
	"callsignDxcc":      {},
	"spotterDxcc":       {},
	"cq":                {},
	"itu":               {},
	"continent":         {},
	"spotterContinent":  {},
	"spotterCq":         {},
	"wwffDivision":      {},
	"iotaGroupRef":      {},
	"bandslot":          {},
	"state":             {},
	"spotterState":      {},
	"qsl":               {},
}

// negatable set fields accept a "not<Field>" form.
var negatable = map[string]struct{}{
	"callsign":     {},
	"fullCallsign": {},
	"prefix":       {},
	"spotter":      {},
}

// rangeFields accept "<field>From"/"<field>To" pairs.
var rangeFields = map[string]struct{}{
	"speed":             {},
	"snr":               {},
	"summitPoints":      {},
	"summitActivations": {},
}

// DefaultCommon lists the set conditions worth indexing, most selective first.
func DefaultCommon() []string {
	return []string{
		"callsign", "band", "mode", "dxcc", "fullCallsign", "source",
		"prefix", "summitAssociation", "summitRegion", "summitRef", "wwffRef",
		"spotter", "spotterPrefix", "daysOfWeek", "callsignDxcc", "spotterDxcc",
		"cq", "itu", "continent", "spotterContinent", "spotterCq",
		"wwffDivision", "iotaGroupRef", "bandslot", "state", "spotterState", "qsl",
	}
}

// IsSetField reports whether name is a positive value-set condition.
func IsSetField(name string) bool {
	_, ok := setFields[name]
	return ok
}

// NegatedName returns the "not<Field>" spelling of field.
func NegatedName(field string) string {
	r, size := utf8.DecodeRuneInString(field)
	return negPrefix + string(unicode.ToUpper(r)) + field[size:]
}

// negatedField strips the "not" prefix and lower-cases the next letter.
func negatedField(name string) (string, bool) {
	if !strings.HasPrefix(name, negPrefix) || len(name) <= len(negPrefix) {
		return "", false
	}
	rest := name[len(negPrefix):]
	r, size := utf8.DecodeRuneInString(rest)
	if !unicode.IsUpper(r) {
		return "", false
	}
	field := string(unicode.ToLower(r)) + rest[size:]
	if _, ok := negatable[field]; !ok {
		return "", false
	}
	return field, true
}

// rangeBound splits "<field>From" / "<field>To" into field and bound.
func rangeBound(name string) (field string, from bool, ok bool) {
	switch {
	case strings.HasSuffix(name, "From"):
		field, from = strings.TrimSuffix(name, "From"), true
	case strings.HasSuffix(name, "To"):
		field = strings.TrimSuffix(name, "To")
	default:
		return "", false, false
	}
	if field == TimeField {
		return field, from, true
	}
	_, ok = rangeFields[field]
	return field, from, ok
}
