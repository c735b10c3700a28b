package services

import (
	"fmt"
	"sort"
	"sync"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
)

// BidValidator is the local pre-check run before a bid is written
// optimistically. The server stays the judge; this only saves a round
// trip for bids that cannot win.
type BidValidator struct {
	mu    sync.RWMutex
	bands []domain.IncrementBand
}

func NewBidValidator(bands []domain.IncrementBand) *BidValidator {
	v := &BidValidator{}
	v.SetBands(bands)
	return v
}

// SetBands replaces the increment rules. Empty input restores defaults.
func (v *BidValidator) SetBands(bands []domain.IncrementBand) {
	if len(bands) == 0 {
		bands = domain.DefaultIncrementBands()
	}

	sorted := make([]domain.IncrementBand, len(bands))
	copy(sorted, bands)
	sort.SliceStable(sorted, func(i, j int) bool {
		// Open-ended bands go last.
		if sorted[i].Below == 0 || sorted[j].Below == 0 {
			return sorted[j].Below == 0 && sorted[i].Below != 0
		}
		return sorted[i].Below < sorted[j].Below
	})

	v.mu.Lock()
	v.bands = sorted
	v.mu.Unlock()
}

func (v *BidValidator) Bands() []domain.IncrementBand {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]domain.IncrementBand, len(v.bands))
	copy(out, v.bands)
	return out
}

func (v *BidValidator) GetIncrementRule(amount float64) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, band := range v.bands {
		if band.Below == 0 || amount < band.Below {
			return band.Increment
		}
	}
	if n := len(v.bands); n > 0 {
		return v.bands[n-1].Increment
	}
	return 5.0
}

// GetMinimumBid is the lowest amount the auction currently accepts.
func (v *BidValidator) GetMinimumBid(auction domain.Auction) float64 {
	if auction.BidCount == 0 {
		return max(auction.StartingPrice, auction.CurrentHighestBid)
	}
	return auction.CurrentHighestBid + v.GetIncrementRule(auction.CurrentHighestBid)
}

func (v *BidValidator) ValidateBid(auction domain.Auction, amount float64) error {
	if auction.Status != domain.AuctionActive {
		return ierr.Newf(ierr.ErrorCodeFailedPrecondition, fmt.Sprintf("auction %s is %s", auction.ID, auction.Status))
	}
	if amount <= 0 {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "bid amount must be positive")
	}
	if minimum := v.GetMinimumBid(auction); amount < minimum {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, fmt.Sprintf("bid must be at least %.2f", minimum))
	}
	return nil
}
