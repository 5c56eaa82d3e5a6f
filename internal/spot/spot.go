// Package spot holds the normalized activity report every source emits and
// the helpers that turn it into a matcher query.
package spot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DXCC describes the country entity resolved for a callsign.
type DXCC struct {
	DXCC      int      `json:"dxcc"`
	Country   string   `json:"country,omitempty"`
	CQ        []int    `json:"cq,omitempty"`
	ITU       []int    `json:"itu,omitempty"`
	Continent []string `json:"continent,omitempty"`
}

// Spot is one report that a station was heard or active.
type Spot struct {
	Source        string  `json:"source"`
	FullCallsign  string  `json:"fullCallsign"`
	Callsign      string  `json:"callsign,omitempty"`
	Prefix        string  `json:"prefix,omitempty"`
	Frequency     float64 `json:"frequency"`
	Band          string  `json:"band,omitempty"`
	Mode          string  `json:"mode,omitempty"`
	ModeDetail    string  `json:"modeDetail,omitempty"`
	Time          string  `json:"time,omitempty"` // HH:MM UTC as reported
	Spotter       string  `json:"spotter,omitempty"`
	SpotterPrefix string  `json:"spotterPrefix,omitempty"`

	Speed *int `json:"speed,omitempty"`
	SNR   *int `json:"snr,omitempty"`

	Comment string `json:"comment,omitempty"`
	RawText string `json:"rawText,omitempty"`
	Title   string `json:"title,omitempty"`

	SummitRef         string `json:"summitRef,omitempty"`
	SummitAssociation string `json:"summitAssociation,omitempty"`
	SummitRegion      string `json:"summitRegion,omitempty"`
	SummitName        string `json:"summitName,omitempty"`
	SummitPoints      *int   `json:"summitPoints,omitempty"`
	SummitActivations *int   `json:"summitActivations,omitempty"`

	WWFFRef      string `json:"wwffRef,omitempty"`
	WWFFDivision string `json:"wwffDivision,omitempty"`
	IOTAGroupRef string `json:"iotaGroupRef,omitempty"`

	State        []string `json:"state,omitempty"`
	SpotterState []string `json:"spotterState,omitempty"`
	QSL          []string `json:"qsl,omitempty"`

	DXCC         *DXCC `json:"dxcc,omitempty"`
	CallsignDXCC *DXCC `json:"callsignDxcc,omitempty"`
	SpotterDXCC  *DXCC `json:"spotterDxcc,omitempty"`

	// UserID marks an operator-simulated spot meant for one user only.
	UserID     string    `json:"userId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Simulated reports whether the spot was injected for a single user.
func (s *Spot) Simulated() bool { return s.UserID != "" }

// QuorumKey identifies observations of the same signal across spotters.
func (s *Spot) QuorumKey() string {
	return s.FullCallsign + "-" + s.Band + "-" + s.Mode
}

var (
	invalidCallChars = regexp.MustCompile(`[^0-9A-Z/]`)
	prefixRegex      = regexp.MustCompile(`^([0-9]*[A-Z]+[0-9]*)`)
	sotaRefRegex     = regexp.MustCompile(`^(.+)/(.+)-(\d+)$`)
)

// Normalize fills the derived fields of s in place.
func Normalize(s *Spot, now time.Time) {
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = now
	}

	if s.Mode != "" {
		s.Mode = strings.ToLower(s.Mode)
		s.ModeDetail = s.Mode
		for _, family := range []string{"psk", "jt", "msk"} {
			if strings.HasPrefix(s.Mode, family) {
				s.Mode = family
			}
		}
	}

	s.FullCallsign = invalidCallChars.ReplaceAllString(strings.ToUpper(s.FullCallsign), "")
	s.Callsign = CanonicalCallsign(s.FullCallsign)
	s.Prefix = Prefix(s.FullCallsign)
	if s.Spotter != "" {
		s.SpotterPrefix = Prefix(s.Spotter)
	}

	s.Band = BandFor(s.Frequency)

	if s.SummitRef != "" {
		if m := sotaRefRegex.FindStringSubmatch(s.SummitRef); m != nil {
			s.SummitAssociation = m[1]
			s.SummitRegion = m[2]
		}
	}
}

// CanonicalCallsign strips portable prefixes and suffixes. With one slash
// the longer part wins; with two the middle part is the callsign.
func CanonicalCallsign(full string) string {
	parts := strings.Split(full, "/")
	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		if len(parts[0]) > len(parts[1]) {
			return parts[0]
		}
		return parts[1]
	default:
		return parts[1]
	}
}

// Prefix returns the leading digits, letters and digits of a callsign.
func Prefix(call string) string {
	m := prefixRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(call)))
	if m == nil {
		return ""
	}
	return m[1]
}

// Conditions flattens the spot into the query the matcher evaluates.
func (s *Spot) Conditions(now time.Time) map[string]any {
	c := map[string]any{}
	set := func(name, v string) {
		if v != "" {
			c[name] = v
		}
	}
	setInt := func(name string, v *int) {
		if v != nil {
			c[name] = *v
		}
	}

	set("source", s.Source)
	set("callsign", s.Callsign)
	set("fullCallsign", s.FullCallsign)
	set("summitAssociation", s.SummitAssociation)
	set("summitRegion", s.SummitRegion)
	set("summitRef", s.SummitRef)
	set("wwffRef", s.WWFFRef)
	set("mode", s.Mode)
	set("time", s.Time)
	set("spotter", s.Spotter)
	set("prefix", s.Prefix)
	set("spotterPrefix", s.SpotterPrefix)
	setInt("summitPoints", s.SummitPoints)
	setInt("summitActivations", s.SummitActivations)
	setInt("speed", s.Speed)
	setInt("snr", s.SNR)
	if len(s.State) > 0 {
		c["state"] = s.State
	}
	if len(s.SpotterState) > 0 {
		c["spotterState"] = s.SpotterState
	}
	if len(s.QSL) > 0 {
		c["qsl"] = s.QSL
	}

	c["daysOfWeek"] = int(now.Weekday())

	if d := s.DXCC; d != nil {
		c["dxcc"] = d.DXCC
		if len(d.CQ) > 0 {
			c["cq"] = d.CQ
		}
		if len(d.ITU) > 0 {
			c["itu"] = d.ITU
		}
		if len(d.Continent) > 0 {
			c["continent"] = d.Continent
		}
	}
	if s.CallsignDXCC != nil {
		c["callsignDxcc"] = s.CallsignDXCC.DXCC
	}
	if d := s.SpotterDXCC; d != nil {
		c["spotterDxcc"] = d.DXCC
		if len(d.Continent) > 0 {
			c["spotterContinent"] = d.Continent
		}
		if len(d.CQ) > 0 {
			c["spotterCq"] = d.CQ
		}
	}

	// wildcard "*" lets triggers ask for any division or group
	if s.WWFFDivision != "" {
		c["wwffDivision"] = []string{s.WWFFDivision, "*"}
	}
	if s.IOTAGroupRef != "" {
		c["iotaGroupRef"] = []string{s.IOTAGroupRef, "*"}
	}

	band := []string{RangeFor(s.Frequency)}
	if s.Band != "" {
		band = []string{s.Band, band[0]}
	}
	c["band"] = band

	if s.DXCC != nil && s.Band != "" {
		c["bandslot"] = strconv.Itoa(s.DXCC.DXCC) + "_" + s.Band
	}

	if s.UserID != "" {
		c["userId"] = s.UserID
	}
	return c
}

// String is the one-line form used in logs.
func (s *Spot) String() string {
	return fmt.Sprintf("%s %s on %s MHz (%s) from %s via %s",
		s.Time, s.FullCallsign, FormatFrequency(s.Frequency), s.Mode, s.Spotter, s.Source)
}

// FormatFrequency prints MHz with at least three decimals and no trailing zeros beyond them.
func FormatFrequency(f float64) string {
	out := strconv.FormatFloat(f, 'f', 6, 64)
	dot := strings.IndexByte(out, '.')
	end := len(out)
	for end > dot+4 && out[end-1] == '0' {
		end--
	}
	return out[:end]
}
