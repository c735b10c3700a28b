package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
	"marketplace-sync/pkg/utils"
)

// WishlistKey is the list slot holding the signed-in user's wishlist.
var WishlistKey = domain.ListKey(domain.EntityWishlist, "me")

type addWishlistRequest struct {
	AuctionID string `json:"auction_id"`
}

// WishlistService adds and removes auctions from the wishlist. All
// changes go through one list key, so they apply in call order and the
// last call decides the outcome.
type WishlistService struct {
	reader      *Reader
	coordinator *MutationCoordinator
	api         domain.RemoteAPI
	log         logger.Logger

	mu      sync.Mutex
	intents map[string]*wishlistIntent
}

// wishlistIntent is the latest requested state of one auction while
// changes to it are queued.
type wishlistIntent struct {
	wanted  bool
	pending int
}

func NewWishlistService(reader *Reader, coordinator *MutationCoordinator, api domain.RemoteAPI, log logger.Logger) *WishlistService {
	return &WishlistService{
		reader:      reader,
		coordinator: coordinator,
		api:         api,
		log:         log,
		intents:     make(map[string]*wishlistIntent),
	}
}

// Contains reports whether the cached wishlist holds auctionID,
// including provisional entries.
func (s *WishlistService) Contains(auctionID string) bool {
	entry, _ := s.reader.Peek(WishlistKey)
	return indexByAuction(entry.List(), auctionID) >= 0
}

// Toggle flips the latest requested state of auctionID and reports the
// new wanted state.
func (s *WishlistService) Toggle(ctx context.Context, auctionID string) (bool, error) {
	var wanted bool
	err := s.submit(ctx, auctionID, func(current, known bool) bool {
		if !known {
			current = s.Contains(auctionID)
		}
		wanted = !current
		return wanted
	})
	return wanted, err
}

func (s *WishlistService) Add(ctx context.Context, auctionID string) error {
	return s.submit(ctx, auctionID, func(bool, bool) bool { return true })
}

func (s *WishlistService) Remove(ctx context.Context, auctionID string) error {
	return s.submit(ctx, auctionID, func(bool, bool) bool { return false })
}

// submit records the intent computed by decide and queues the matching
// mutation while holding s.mu, so intents and mutations share one order.
func (s *WishlistService) submit(ctx context.Context, auctionID string, decide func(current, known bool) bool) error {
	if auctionID == "" {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "auction id is required")
	}
	s.ensureLoaded(ctx)

	s.mu.Lock()
	in, known := s.intents[auctionID]
	if !known {
		in = &wishlistIntent{}
		s.intents[auctionID] = in
	}
	wanted := decide(in.wanted, known)
	in.wanted = wanted
	in.pending++

	m := s.removeMutation(auctionID)
	if wanted {
		m = s.addMutation(auctionID)
	}
	pending, err := s.coordinator.Start(ctx, m)
	s.mu.Unlock()

	if err != nil {
		s.settle(auctionID)
		return err
	}

	_, err = pending.Wait(ctx)
	if err != nil {
		s.log.Warn("Wishlist change failed", "auction_id", auctionID, "wanted", wanted, "error", err)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The caller gave up; the mutation still settles later.
		go func() {
			_, _ = pending.Wait(context.Background())
			s.settle(auctionID)
		}()
		return err
	}
	s.settle(auctionID)
	return err
}

func (s *WishlistService) addMutation(auctionID string) Mutation {
	provisional := domain.WishlistItem{
		ID:          utils.GenerateTempID("wish"),
		AuctionID:   auctionID,
		Provisional: true,
	}

	return Mutation{
		Name: "wishlist_add",
		Writes: []Write{{
			Key: WishlistKey,
			Apply: func(current domain.CachedEntity) any {
				list := current.List()
				if indexByAuction(list, auctionID) >= 0 {
					return copyList(list)
				}
				return prepend(list, provisional)
			},
			Commit: func(current domain.CachedEntity, response any) any {
				confirmed, ok := response.(domain.WishlistItem)
				if !ok || confirmed.ID == "" {
					return current.Value
				}
				list := current.List()
				if i := indexByAuction(list, auctionID); i >= 0 {
					next := copyList(list)
					next[i] = confirmed
					return next
				}
				return prepend(list, confirmed)
			},
		}},
		Call: func(ctx context.Context) (any, error) {
			raw, err := s.api.Do(ctx, http.MethodPost, "/wishlist", addWishlistRequest{AuctionID: auctionID})
			if err != nil {
				return nil, err
			}
			var item domain.WishlistItem
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &item); err != nil {
					return nil, ierr.New(ierr.ErrorCodeInternal, fmt.Errorf("decode wishlist item: %w", err))
				}
			}
			return item, nil
		},
	}
}

func (s *WishlistService) removeMutation(auctionID string) Mutation {
	without := func(current domain.CachedEntity, _ any) any {
		list := current.List()
		i := indexByAuction(list, auctionID)
		if i < 0 {
			return copyList(list)
		}
		next := make([]domain.Entity, 0, len(list)-1)
		next = append(next, list[:i]...)
		return append(next, list[i+1:]...)
	}

	return Mutation{
		Name: "wishlist_remove",
		Writes: []Write{{
			Key:    WishlistKey,
			Apply:  func(current domain.CachedEntity) any { return without(current, nil) },
			Commit: without,
		}},
		Call: func(ctx context.Context) (any, error) {
			_, err := s.api.Do(ctx, http.MethodDelete, "/wishlist/"+url.PathEscape(auctionID), nil)
			return nil, err
		},
	}
}

func (s *WishlistService) ensureLoaded(ctx context.Context) {
	if _, err := s.reader.Read(ctx, WishlistKey); err != nil {
		s.log.Debug("Wishlist not loaded before mutation", "error", err)
	}
}

// settle forgets the intent once no change to auctionID is queued, so the
// cache is the source of truth again.
func (s *WishlistService) settle(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[auctionID]
	if !ok {
		return
	}
	in.pending--
	if in.pending <= 0 {
		delete(s.intents, auctionID)
	}
}

func indexByAuction(list []domain.Entity, auctionID string) int {
	for i, e := range list {
		if item, ok := e.(domain.WishlistItem); ok && item.AuctionID == auctionID {
			return i
		}
	}
	return -1
}

func prepend(list []domain.Entity, e domain.Entity) []domain.Entity {
	next := make([]domain.Entity, 0, len(list)+1)
	next = append(next, e)
	return append(next, list...)
}

func copyList(list []domain.Entity) []domain.Entity {
	next := make([]domain.Entity, len(list))
	copy(next, list)
	return next
}
