package domain

import (
	"time"
)

type EntityType string

const (
	EntityAuction      EntityType = "auction"
	EntityBid          EntityType = "bid"
	EntityNotification EntityType = "notification"
	EntityTransaction  EntityType = "transaction"
	EntityWishlist     EntityType = "wishlist"
	EntityItem         EntityType = "item"
)

// Entity is anything the cache can hold by id.
type Entity interface {
	EntityID() string
}

// Scoped entities belong to a parent (a bid to its auction). Scoped list
// keys only accept entities with a matching scope.
type Scoped interface {
	EntityScope() string
}

type AuctionStatus string

const (
	AuctionPending   AuctionStatus = "pending"
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionSold      AuctionStatus = "sold"
	AuctionCancelled AuctionStatus = "cancelled"
)

type Auction struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	ItemID            string        `json:"item_id"`
	SellerID          string        `json:"seller_id"`
	StartingPrice     float64       `json:"starting_price"`
	CurrentHighestBid float64       `json:"current_highest_bid"`
	HighestBidderID   string        `json:"highest_bidder_id,omitempty"`
	BidCount          int           `json:"bid_count"`
	BuyNowPrice       float64       `json:"buy_now_price,omitempty"`
	Status            AuctionStatus `json:"status"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (a Auction) EntityID() string { return a.ID }

type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (b Bid) EntityID() string    { return b.ID }
func (b Bid) EntityScope() string { return b.AuctionID }

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	AuctionID string    `json:"auction_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) EntityID() string { return n.ID }

type TransactionKind string

const (
	TransactionDeposit  TransactionKind = "deposit"
	TransactionWithdraw TransactionKind = "withdraw"
	TransactionHold     TransactionKind = "bid_hold"
	TransactionRelease  TransactionKind = "bid_release"
	TransactionPurchase TransactionKind = "purchase"
)

type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	AuctionID string          `json:"auction_id,omitempty"`
	Kind      TransactionKind `json:"kind"`
	Amount    float64         `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func (t Transaction) EntityID() string { return t.ID }

type WishlistItem struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auction_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Provisional is set while the add has not been confirmed by the server.
	Provisional bool `json:"-"`
}

func (w WishlistItem) EntityID() string { return w.ID }

type ItemAvailability string

const (
	ItemAvailable ItemAvailability = "available"
	ItemReserved  ItemAvailability = "reserved"
	ItemSold      ItemAvailability = "sold"
)

type Item struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Availability ItemAvailability `json:"availability"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (i Item) EntityID() string { return i.ID }
