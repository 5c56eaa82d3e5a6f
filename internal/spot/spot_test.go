package spot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alert-engine/internal/condition"
)

func TestCanonicalCallsign(t *testing.T) {
	tests := []struct{ in, want string }{
		{"HB9DQM", "HB9DQM"},
		{"HB9DQM/P", "HB9DQM"},
		{"DL/HB9DQM", "HB9DQM"},
		{"DL/HB9DQM/P", "HB9DQM"},
		{"F/G4ABC/MM", "G4ABC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalCallsign(tt.in), tt.in)
	}
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "HB9", Prefix("HB9DQM/P"))
	assert.Equal(t, "3D2", Prefix("3D2AG"))
	assert.Equal(t, "DL", Prefix("dl/hb9dqm"))
	assert.Equal(t, "", Prefix("/P"))
}

func TestBandFor(t *testing.T) {
	assert.Equal(t, "20m", BandFor(14.062))
	assert.Equal(t, "40m", BandFor(7.0))
	assert.Equal(t, "3cm_qo100", BandFor(10489.75))
	assert.Equal(t, "3cm", BandFor(10368.1))
	assert.Equal(t, "", BandFor(15.0))
}

func TestRangeFor(t *testing.T) {
	tests := map[float64]string{
		0.01: "vlf", 0.136: "lf", 1.84: "mf", 14.062: "hf",
		144.3: "vhf", 432.1: "uhf", 10368.1: "shf", 47000: "ehf",
	}
	for f, want := range tests {
		assert.Equal(t, want, RangeFor(f), f)
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Spot{
		Source:       "sotawatch",
		FullCallsign: "dl/hb9dqm/p ",
		Frequency:    14.062,
		Mode:         "PSK31",
		Spotter:      "HB9FVF",
		SummitRef:    "HB/ZH-015",
	}
	Normalize(&s, now)

	assert.Equal(t, "DL/HB9DQM/P", s.FullCallsign)
	assert.Equal(t, "HB9DQM", s.Callsign)
	assert.Equal(t, "DL", s.Prefix)
	assert.Equal(t, "HB9", s.SpotterPrefix)
	assert.Equal(t, "psk", s.Mode)
	assert.Equal(t, "psk31", s.ModeDetail)
	assert.Equal(t, "20m", s.Band)
	assert.Equal(t, "HB", s.SummitAssociation)
	assert.Equal(t, "ZH", s.SummitRegion)
	assert.Equal(t, now, s.ReceivedAt)
	assert.Equal(t, "DL/HB9DQM/P-20m-psk", s.QuorumKey())
}

func TestConditions(t *testing.T) {
	wed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snr := 12
	s := Spot{
		Source:       "rbn",
		FullCallsign: "HB9DQM/P",
		Frequency:    14.062,
		Mode:         "cw",
		Time:         "12:00",
		Spotter:      "DK9IP",
		SNR:          &snr,
		WWFFDivision: "HBFF",
		DXCC:         &DXCC{DXCC: 287, CQ: []int{14}, ITU: []int{28}, Continent: []string{"EU"}},
		SpotterDXCC:  &DXCC{DXCC: 230, Continent: []string{"EU"}},
		UserID:       "u1",
	}
	Normalize(&s, wed)

	q, err := condition.NormalizeQuery(s.Conditions(wed))
	require.NoError(t, err)

	assert.Equal(t, []string{"HB9DQM"}, q["callsign"])
	assert.Equal(t, []string{"20m", "hf"}, q["band"])
	assert.Equal(t, []string{"287_20m"}, q["bandslot"])
	assert.Equal(t, []string{"3"}, q["daysOfWeek"])
	assert.Equal(t, []string{"HBFF", "*"}, q["wwffDivision"])
	assert.Equal(t, []string{"12"}, q["snr"])
	assert.Equal(t, []string{"14"}, q["cq"])
	assert.Equal(t, []string{"230"}, q["spotterDxcc"])
	assert.Equal(t, "u1", q.Owner())
	assert.NotContains(t, q, "speed")
	assert.NotContains(t, q, "iotaGroupRef")

	m, ok := q.Minute()
	require.True(t, ok)
	assert.Equal(t, float64(720), m)
}

func TestConditions_UnknownBand(t *testing.T) {
	s := Spot{FullCallsign: "K1ABC", Frequency: 15.5}
	Normalize(&s, time.Now())
	c := s.Conditions(time.Now())
	assert.Equal(t, []string{"hf"}, c["band"])
	assert.NotContains(t, c, "bandslot")
}

func TestFormatFrequency(t *testing.T) {
	assert.Equal(t, "14.062", FormatFrequency(14.062))
	assert.Equal(t, "14.0625", FormatFrequency(14.0625))
	assert.Equal(t, "7.000", FormatFrequency(7))
}
