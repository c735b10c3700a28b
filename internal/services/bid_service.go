package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
)

type placeBidRequest struct {
	Amount float64 `json:"amount"`
}

type buyNowResponse struct {
	Auction domain.Auction `json:"auction"`
	Item    domain.Item    `json:"item"`
}

type BidService struct {
	reader      *Reader
	coordinator *MutationCoordinator
	api         domain.RemoteAPI
	validator   *BidValidator
	log         logger.Logger
}

func NewBidService(
	reader *Reader,
	coordinator *MutationCoordinator,
	api domain.RemoteAPI,
	validator *BidValidator,
	log logger.Logger,
) *BidService {
	return &BidService{
		reader:      reader,
		coordinator: coordinator,
		api:         api,
		validator:   validator,
		log:         log,
	}
}

// PlaceBid shows the bid as the auction's highest at once and confirms it
// with the server. A rejected bid restores the auction as it was.
func (s *BidService) PlaceBid(ctx context.Context, auctionID string, amount float64) (domain.Auction, error) {
	s.log.Info("Placing bid", "auction_id", auctionID, "amount", amount)

	key := domain.SingletonKey(domain.EntityAuction, auctionID)
	auction, err := s.loadAuction(ctx, key)
	if err != nil {
		return domain.Auction{}, err
	}

	if err := s.validator.ValidateBid(auction, amount); err != nil {
		s.log.Info("Bid rejected locally", "auction_id", auctionID, "amount", amount, "error", err)
		return domain.Auction{}, err
	}

	resp, err := s.coordinator.MutateMany(ctx, Mutation{
		Name: "place_bid",
		Writes: []Write{{
			Key: key,
			Apply: func(current domain.CachedEntity) any {
				next, _ := current.Value.(domain.Auction)
				next.ID = auctionID
				next.CurrentHighestBid = amount
				next.BidCount++
				return next
			},
			Commit: commitAuction,
		}},
		Call: func(ctx context.Context) (any, error) {
			raw, err := s.api.Do(ctx, http.MethodPost, "/auctions/"+auctionID+"/bids", placeBidRequest{Amount: amount})
			if err != nil {
				return nil, err
			}
			return decodeAuction(raw)
		},
	})
	if err != nil {
		return domain.Auction{}, err
	}

	if committed, ok := resp.(domain.Auction); ok && committed.ID != "" {
		return committed, nil
	}
	return s.cachedAuction(key), nil
}

// AcceptBuyNow marks the auction and its item sold together; both revert
// together if the purchase fails.
func (s *BidService) AcceptBuyNow(ctx context.Context, auctionID string) (domain.Auction, error) {
	s.log.Info("Accepting buy-now", "auction_id", auctionID)

	auctionKey := domain.SingletonKey(domain.EntityAuction, auctionID)
	auction, err := s.loadAuction(ctx, auctionKey)
	if err != nil {
		return domain.Auction{}, err
	}

	if auction.Status != domain.AuctionActive {
		return domain.Auction{}, ierr.Newf(ierr.ErrorCodeFailedPrecondition, fmt.Sprintf("auction %s is %s", auctionID, auction.Status))
	}
	if auction.BuyNowPrice <= 0 {
		return domain.Auction{}, ierr.Newf(ierr.ErrorCodeFailedPrecondition, fmt.Sprintf("auction %s has no buy-now price", auctionID))
	}
	if auction.ItemID == "" {
		return domain.Auction{}, ierr.Newf(ierr.ErrorCodeFailedPrecondition, fmt.Sprintf("auction %s has no item", auctionID))
	}

	itemKey := domain.SingletonKey(domain.EntityItem, auction.ItemID)
	price := auction.BuyNowPrice

	resp, err := s.coordinator.MutateMany(ctx, Mutation{
		Name: "buy_now",
		Writes: []Write{
			{
				Key: auctionKey,
				Apply: func(current domain.CachedEntity) any {
					next, _ := current.Value.(domain.Auction)
					next.ID = auctionID
					next.Status = domain.AuctionSold
					next.CurrentHighestBid = price
					return next
				},
				Commit: func(current domain.CachedEntity, response any) any {
					if r, ok := response.(buyNowResponse); ok && r.Auction.ID != "" {
						return r.Auction
					}
					return current.Value
				},
			},
			{
				Key: itemKey,
				Apply: func(current domain.CachedEntity) any {
					next, _ := current.Value.(domain.Item)
					next.ID = itemKey.ID
					next.Availability = domain.ItemSold
					return next
				},
				Commit: func(current domain.CachedEntity, response any) any {
					if r, ok := response.(buyNowResponse); ok && r.Item.ID != "" {
						return r.Item
					}
					return current.Value
				},
			},
		},
		Call: func(ctx context.Context) (any, error) {
			raw, err := s.api.Do(ctx, http.MethodPost, "/auctions/"+auctionID+"/buy-now", nil)
			if err != nil {
				return nil, err
			}
			var r buyNowResponse
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &r); err != nil {
					return nil, ierr.New(ierr.ErrorCodeInternal, fmt.Errorf("decode buy-now response: %w", err))
				}
			}
			return r, nil
		},
	})
	if err != nil {
		return domain.Auction{}, err
	}

	if r, ok := resp.(buyNowResponse); ok && r.Auction.ID != "" {
		return r.Auction, nil
	}
	return s.cachedAuction(auctionKey), nil
}

func (s *BidService) cachedAuction(key domain.EntityKey) domain.Auction {
	entry, _ := s.reader.Peek(key)
	auction, _ := entry.Value.(domain.Auction)
	return auction
}

func (s *BidService) loadAuction(ctx context.Context, key domain.EntityKey) (domain.Auction, error) {
	entry, err := s.reader.Read(ctx, key)
	if err != nil {
		return domain.Auction{}, err
	}
	auction, ok := entry.Value.(domain.Auction)
	if !ok {
		return domain.Auction{}, ierr.Newf(ierr.ErrorCodeNotFound, fmt.Sprintf("auction %s is not loaded", key.ID))
	}
	return auction, nil
}

// commitAuction keeps the optimistic auction when the server answered
// without a body.
func commitAuction(current domain.CachedEntity, response any) any {
	if a, ok := response.(domain.Auction); ok && a.ID != "" {
		return a
	}
	return current.Value
}

func decodeAuction(raw json.RawMessage) (domain.Auction, error) {
	var a domain.Auction
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, ierr.New(ierr.ErrorCodeInternal, fmt.Errorf("decode auction: %w", err))
	}
	return a, nil
}
