package app

import (
	"context"
	"sync"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
)

// RecentBidsQuery is the query of the bid list an auction view keeps.
const RecentBidsQuery = "recent"

// AuctionView is an open auction screen: it keeps the room joined and the
// auction and its recent bids subscribed until Close.
type AuctionView struct {
	engine    *Engine
	auctionID string
	cancel    context.CancelFunc
	updates   chan domain.CachedEntity
	done      chan struct{}
	once      sync.Once
}

// OpenAuctionView joins the auction's room, loads the auction and its
// recent bids and follows their changes. A failed load is left in the
// cache entry for the caller to show.
func (e *Engine) OpenAuctionView(ctx context.Context, auctionID string) (*AuctionView, error) {
	if auctionID == "" {
		return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, "auction id is required")
	}

	e.mu.Lock()
	e.views[auctionID]++
	e.mu.Unlock()
	e.Rooms.Join(auctionID)

	viewCtx, cancel := context.WithCancel(e.runContext())
	v := &AuctionView{
		engine:    e,
		auctionID: auctionID,
		cancel:    cancel,
		updates:   make(chan domain.CachedEntity, 1),
		done:      make(chan struct{}),
	}

	auctionUpdates, _ := e.Cache.Subscribe(viewCtx, v.AuctionKey())
	bidUpdates, _ := e.Cache.Subscribe(viewCtx, v.BidsKey())
	go v.follow(auctionUpdates, bidUpdates)

	if entry, err := e.Reader.Read(ctx, v.AuctionKey()); err != nil {
		e.log.Warn("Failed to load auction", "auction_id", auctionID, "error", err)
	} else if auction, ok := entry.Value.(domain.Auction); ok {
		e.EndTimer.Track(auction)
	}
	if _, err := e.Reader.Read(ctx, v.BidsKey()); err != nil {
		e.log.Warn("Failed to load bids", "auction_id", auctionID, "error", err)
	}

	return v, nil
}

func (v *AuctionView) AuctionID() string { return v.auctionID }

func (v *AuctionView) AuctionKey() domain.EntityKey {
	return domain.SingletonKey(domain.EntityAuction, v.auctionID)
}

func (v *AuctionView) BidsKey() domain.EntityKey {
	return domain.ScopedListKey(domain.EntityBid, v.auctionID, RecentBidsQuery)
}

func (v *AuctionView) Auction() (domain.CachedEntity, bool) {
	return v.engine.Cache.Get(v.AuctionKey())
}

func (v *AuctionView) Bids() (domain.CachedEntity, bool) {
	return v.engine.Cache.Get(v.BidsKey())
}

func (v *AuctionView) Participants() []string {
	return v.engine.Rooms.Participants(v.auctionID)
}

// Updates delivers the latest write of the auction or its bid list. It is
// closed by Close.
func (v *AuctionView) Updates() <-chan domain.CachedEntity {
	return v.updates
}

// Close leaves the room and drops the subscriptions. Mutations started
// from the view keep running to completion.
func (v *AuctionView) Close() {
	v.once.Do(func() {
		v.cancel()
		<-v.done
		v.engine.closeView(v.auctionID)
	})
}

func (v *AuctionView) follow(auctionUpdates, bidUpdates <-chan domain.CachedEntity) {
	defer close(v.done)
	defer close(v.updates)

	for auctionUpdates != nil || bidUpdates != nil {
		var entry domain.CachedEntity
		var ok bool
		select {
		case entry, ok = <-auctionUpdates:
			if !ok {
				auctionUpdates = nil
				continue
			}
			if auction, isAuction := entry.Value.(domain.Auction); isAuction {
				v.engine.EndTimer.Track(auction)
			}
		case entry, ok = <-bidUpdates:
			if !ok {
				bidUpdates = nil
				continue
			}
		}
		v.publish(entry)
	}
}

// publish keeps only the newest entry for a slow reader.
func (v *AuctionView) publish(entry domain.CachedEntity) {
	select {
	case v.updates <- entry:
		return
	default:
	}
	select {
	case <-v.updates:
	default:
	}
	select {
	case v.updates <- entry:
	default:
	}
}

func (e *Engine) closeView(auctionID string) {
	e.mu.Lock()
	n, open := e.views[auctionID]
	if !open {
		// Stop already left the room.
		e.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(e.views, auctionID)
	} else {
		e.views[auctionID] = n - 1
	}
	e.mu.Unlock()

	if last {
		e.Rooms.Leave(auctionID)
		e.EndTimer.Cancel(auctionID)
	}
}
