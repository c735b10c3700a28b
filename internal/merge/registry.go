package merge

import (
	"sync"

	"marketplace-sync/internal/domain"
)

func Auctions() Policy {
	return newPolicy[domain.Auction](domain.EntityAuction, nil)
}

func Bids() Policy {
	return newPolicy[domain.Bid](domain.EntityBid, nil)
}

func Notifications() Policy {
	return newPolicy[domain.Notification](domain.EntityNotification, nil)
}

func Transactions() Policy {
	return newPolicy[domain.Transaction](domain.EntityTransaction, nil)
}

func Items() Policy {
	return newPolicy[domain.Item](domain.EntityItem, nil)
}

// Wishlist entries are unique per auction, so a confirmed item replaces
// the provisional one that was inserted under a temporary id.
func Wishlist() Policy {
	return newPolicy[domain.WishlistItem](domain.EntityWishlist, func(a, b domain.WishlistItem) bool {
		return a.ID == b.ID || (a.AuctionID != "" && a.AuctionID == b.AuctionID)
	})
}

type Registry struct {
	mu       sync.RWMutex
	policies map[domain.EntityType]Policy
}

func NewRegistry(policies ...Policy) *Registry {
	r := &Registry{policies: make(map[domain.EntityType]Policy, len(policies))}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// DefaultRegistry knows every entity type of the marketplace.
func DefaultRegistry() *Registry {
	return NewRegistry(Auctions(), Bids(), Notifications(), Transactions(), Items(), Wishlist())
}

func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.EntityType()] = p
}

func (r *Registry) Lookup(t domain.EntityType) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[t]
	return p, ok
}
