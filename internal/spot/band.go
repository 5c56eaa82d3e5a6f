package spot

type bandRange struct {
	from, to float64 // MHz, inclusive
	band     string
}

// bands is searched in order; overlapping entries list the narrower one first.
var bands = []bandRange{
	{0.135, 0.138, "2200m"},
	{0.472, 0.479, "600m"},
	{1.8, 2, "160m"},
	{3.5, 4, "80m"},
	{5, 5.5, "60m"},
	{7, 7.3, "40m"},
	{10, 10.2, "30m"},
	{14, 14.5, "20m"},
	{18, 18.2, "17m"},
	{21, 21.5, "15m"},
	{24.8, 25, "12m"},
	{26, 27.999, "11m"},
	{28, 30, "10m"},
	{40, 41, "8m"},
	{50, 54, "6m"},
	{70, 71, "4m"},
	{144, 148, "2m"},
	{219, 225, "1.25m"},
	{430, 440, "70cm"},
	{1200, 1400, "23cm"},
	{2300, 2450, "13cm"},
	{3300, 3500, "9cm"},
	{5400, 5900, "6cm"},
	{10489.550, 10490, "3cm_qo100"},
	{10000, 10500, "3cm"},
}

// BandFor returns the amateur band containing freq (MHz), or "".
func BandFor(freq float64) string {
	for _, b := range bands {
		if b.from <= freq && freq <= b.to {
			return b.band
		}
	}
	return ""
}

// RangeFor classifies freq (MHz) into vlf, lf, mf, hf, vhf, uhf, shf or ehf.
func RangeFor(freq float64) string {
	switch {
	case freq > 30000:
		return "ehf"
	case freq > 3000:
		return "shf"
	case freq > 300:
		return "uhf"
	case freq > 30:
		return "vhf"
	case freq > 3:
		return "hf"
	case freq > 0.3:
		return "mf"
	case freq > 0.03:
		return "lf"
	default:
		return "vlf"
	}
}
