package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"

	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

const rulesKey = "bid_validation_rules"

// RuleStore keeps the bid increment bands shared by every agent.
type RuleStore struct {
	client *redis.Client
	log    logger.Logger
}

func NewRuleStore(client *redis.Client, log logger.Logger) *RuleStore {
	return &RuleStore{client: client, log: log}
}

// LoadBands returns the stored bands. ok is false when none are stored.
func (s *RuleStore) LoadBands(ctx context.Context) ([]domain.IncrementBand, bool, error) {
	data, err := s.client.Get(ctx, rulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var rules domain.BidIncrementRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		s.log.Error("Failed to parse bid rules", "error", err)
		return nil, false, err
	}
	if len(rules.Bands) == 0 {
		return nil, false, nil
	}

	s.log.Info("Loaded bid increment rules", "bands", len(rules.Bands))
	return rules.Bands, true, nil
}

func (s *RuleStore) SaveBands(ctx context.Context, bands []domain.IncrementBand) error {
	data, err := json.Marshal(domain.BidIncrementRules{Bands: bands})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, rulesKey, data, 0).Err()
}
