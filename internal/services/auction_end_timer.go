package services

import (
	"context"
	"sync"
	"time"

	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

const endRefreshTimeout = 15 * time.Second

// AuctionEndTimer refetches an open auction when its end time passes, so
// the view shows the final status even if the closing push is missed.
type AuctionEndTimer struct {
	reader *Reader
	log    logger.Logger
	now    func() time.Time

	auctionTimers map[string]*endTimer
	timerMutex    sync.RWMutex
}

type endTimer struct {
	timer   *time.Timer
	endTime time.Time
}

func NewAuctionEndTimer(reader *Reader, log logger.Logger) *AuctionEndTimer {
	return &AuctionEndTimer{
		reader:        reader,
		log:           log,
		now:           time.Now,
		auctionTimers: make(map[string]*endTimer),
	}
}

// Track arms or re-arms the timer for the auction's end time. Closed
// auctions and auctions without an end time are not tracked.
func (t *AuctionEndTimer) Track(auction domain.Auction) {
	if auction.EndTime.IsZero() || isClosed(auction.Status) {
		t.Cancel(auction.ID)
		return
	}

	t.timerMutex.Lock()
	defer t.timerMutex.Unlock()

	if existing, ok := t.auctionTimers[auction.ID]; ok {
		if existing.endTime.Equal(auction.EndTime) {
			return
		}
		existing.timer.Stop()
	}

	auctionID := auction.ID
	t.auctionTimers[auctionID] = &endTimer{
		endTime: auction.EndTime,
		timer: time.AfterFunc(auction.EndTime.Sub(t.now()), func() {
			t.onEnd(auctionID)
		}),
	}
	t.log.Debug("Armed auction end timer", "auction_id", auctionID, "end_time", auction.EndTime)
}

func (t *AuctionEndTimer) Cancel(auctionID string) {
	t.timerMutex.Lock()
	defer t.timerMutex.Unlock()

	if timer, exists := t.auctionTimers[auctionID]; exists {
		timer.timer.Stop()
		delete(t.auctionTimers, auctionID)
	}
}

// Tracked returns the end time the auction's timer is armed for.
func (t *AuctionEndTimer) Tracked(auctionID string) (time.Time, bool) {
	t.timerMutex.RLock()
	defer t.timerMutex.RUnlock()

	timer, ok := t.auctionTimers[auctionID]
	if !ok {
		return time.Time{}, false
	}
	return timer.endTime, true
}

func (t *AuctionEndTimer) Stop() {
	t.timerMutex.Lock()
	defer t.timerMutex.Unlock()

	for id, timer := range t.auctionTimers {
		timer.timer.Stop()
		delete(t.auctionTimers, id)
	}
}

func (t *AuctionEndTimer) onEnd(auctionID string) {
	t.timerMutex.Lock()
	delete(t.auctionTimers, auctionID)
	t.timerMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), endRefreshTimeout)
	defer cancel()

	t.log.Info("Auction end time reached", "auction_id", auctionID)
	entry, err := t.reader.Refresh(ctx, domain.SingletonKey(domain.EntityAuction, auctionID))
	if err != nil {
		t.log.Warn("Failed to refresh ended auction", "auction_id", auctionID, "error", err)
		return
	}

	// An extended auction gets a new timer.
	if auction, ok := entry.Value.(domain.Auction); ok && !isClosed(auction.Status) && auction.EndTime.After(t.now()) {
		t.Track(auction)
	}
}

func isClosed(status domain.AuctionStatus) bool {
	switch status {
	case domain.AuctionEnded, domain.AuctionSold, domain.AuctionCancelled:
		return true
	}
	return false
}
