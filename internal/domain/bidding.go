package domain

// IncrementBand sets the minimum raise for bids below Below. A zero Below
// is open-ended and should come last.
type IncrementBand struct {
	Below     float64 `json:"below" mapstructure:"below"`
	Increment float64 `json:"increment" mapstructure:"increment"`
}

type BidIncrementRules struct {
	Bands []IncrementBand `json:"bands"`
}

func DefaultIncrementBands() []IncrementBand {
	return []IncrementBand{
		{Below: 100, Increment: 5},
		{Below: 500, Increment: 10},
		{Below: 0, Increment: 25},
	}
}
