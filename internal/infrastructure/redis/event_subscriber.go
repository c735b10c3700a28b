package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

// MirrorEvent announces one mirrored cache write.
type MirrorEvent struct {
	Instance string
	Key      string
	Version  uint64
	Status   domain.CacheStatus
}

type MirrorHandler func(event MirrorEvent) error

type MirrorSubscriber struct {
	client *redis.Client
	log    logger.Logger
}

func NewMirrorSubscriber(client *redis.Client, log logger.Logger) *MirrorSubscriber {
	return &MirrorSubscriber{
		client: client,
		log:    log,
	}
}

// Subscribe calls handler for every mirror write of any instance until ctx
// is done.
func (r *MirrorSubscriber) Subscribe(ctx context.Context, handler MirrorHandler) error {
	pubsub := r.client.Subscribe(ctx, CacheEventsChannel)
	defer pubsub.Close()

	// Wait for the subscription so no event published after return is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()

	r.log.Info("Subscribed to cache events")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := parseMirrorEvent(msg.Payload)
			if err != nil {
				r.log.Error("Failed to parse cache event", "payload", msg.Payload, "error", err)
				continue
			}

			if err := handler(event); err != nil {
				r.log.Error("Failed to handle cache event", "key", event.Key, "error", err)
			}

		case <-ctx.Done():
			r.log.Info("Cache event subscriber stopped")
			return ctx.Err()
		}
	}
}

func parseMirrorEvent(payload string) (MirrorEvent, error) {
	// "instance|key|version|status"
	parts := strings.Split(payload, "|")
	if len(parts) != 4 {
		return MirrorEvent{}, fmt.Errorf("invalid event format: %s", payload)
	}

	version, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return MirrorEvent{}, err
	}

	return MirrorEvent{
		Instance: parts[0],
		Key:      parts[1],
		Version:  version,
		Status:   domain.CacheStatus(parts[3]),
	}, nil
}
