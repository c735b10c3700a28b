package services

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/pkg/logger"
)

// RoomController keeps auction room membership on the public channel.
// Joined rooms are remembered across transport drops and re-asserted on
// every reconnect; joins made while disconnected are sent on connect.
type RoomController struct {
	sender  domain.CommandSender
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	rooms     map[string]*domain.RoomMembership
	asserted  map[string]bool // join sent on the current connection
	connected bool
}

func NewRoomController(sender domain.CommandSender, m *metrics.Metrics, log logger.Logger) *RoomController {
	return &RoomController{
		sender:   sender,
		metrics:  m,
		log:      log,
		now:      time.Now,
		rooms:    make(map[string]*domain.RoomMembership),
		asserted: make(map[string]bool),
	}
}

// Join is idempotent: a room already joined is not joined again.
func (rc *RoomController) Join(auctionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, joined := rc.rooms[auctionID]; joined {
		rc.log.Debug("Room already joined", "auction_id", auctionID)
		return
	}

	rc.rooms[auctionID] = &domain.RoomMembership{
		RoomID:         auctionID,
		JoinedAt:       rc.now(),
		ParticipantIDs: make(map[string]struct{}),
	}
	rc.metrics.SetRoomsJoined(len(rc.rooms))

	if !rc.connected {
		rc.log.Info("Queued room join until connected", "auction_id", auctionID)
		return
	}
	rc.assertLocked(auctionID)
}

// Leave of a room that was never joined is a no-op.
func (rc *RoomController) Leave(auctionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, joined := rc.rooms[auctionID]; !joined {
		return
	}
	delete(rc.rooms, auctionID)
	rc.metrics.SetRoomsJoined(len(rc.rooms))

	wasAsserted := rc.asserted[auctionID]
	delete(rc.asserted, auctionID)
	if !wasAsserted || !rc.connected {
		return
	}

	if err := rc.send(domain.MessageRoomLeave, auctionID); err != nil {
		// The server drops membership with the connection anyway.
		rc.log.Warn("Failed to send room leave", "auction_id", auctionID, "error", err)
		return
	}
	rc.log.Info("Left room", "auction_id", auctionID)
}

// Participants returns the deduplicated participant ids of a joined room.
func (rc *RoomController) Participants(auctionID string) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room, ok := rc.rooms[auctionID]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(room.ParticipantIDs))
	for id := range room.ParticipantIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Membership returns a copy of the membership record of a joined room.
func (rc *RoomController) Membership(auctionID string) (domain.RoomMembership, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room, ok := rc.rooms[auctionID]
	if !ok {
		return domain.RoomMembership{}, false
	}

	out := domain.RoomMembership{
		RoomID:         room.RoomID,
		JoinedAt:       room.JoinedAt,
		ParticipantIDs: make(map[string]struct{}, len(room.ParticipantIDs)),
	}
	for id := range room.ParticipantIDs {
		out.ParticipantIDs[id] = struct{}{}
	}
	return out, true
}

// Rooms lists joined rooms in join order.
func (rc *RoomController) Rooms() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.joinOrderLocked()
}

// UpdateParticipants implements domain.ParticipantSink. The list replaces
// the known set; duplicates collapse.
func (rc *RoomController) UpdateParticipants(auctionID string, participantIDs []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room, ok := rc.rooms[auctionID]
	if !ok {
		rc.log.Debug("Ignoring participants of a room not joined", "auction_id", auctionID)
		return
	}

	set := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	room.ParticipantIDs = set
}

// HandleLifecycle follows the public channel. It is registered with the
// connection manager.
func (rc *RoomController) HandleLifecycle(event domain.LifecycleEvent) {
	if event.Channel != domain.ChannelPublic {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	switch event.Type {
	case domain.LifecycleConnected:
		rc.connected = true
		for _, auctionID := range rc.joinOrderLocked() {
			if !rc.asserted[auctionID] {
				rc.assertLocked(auctionID)
			}
		}

	case domain.LifecycleDisconnected, domain.LifecycleError:
		if rc.connected {
			rc.log.Info("Room membership lost with the public channel", "rooms", len(rc.rooms), "reason", event.Reason)
		}
		rc.connected = false
		rc.asserted = make(map[string]bool)
	}
}

// IMPORTANT: rc.mu must be held.
func (rc *RoomController) assertLocked(auctionID string) {
	if err := rc.send(domain.MessageRoomJoin, auctionID); err != nil {
		rc.log.Warn("Failed to send room join, will retry on reconnect", "auction_id", auctionID, "error", err)
		return
	}
	rc.asserted[auctionID] = true
	rc.log.Info("Joined room", "auction_id", auctionID)
}

func (rc *RoomController) send(messageType, auctionID string) error {
	payload, err := json.Marshal(domain.RoomCommand{AuctionID: auctionID})
	if err != nil {
		return err
	}
	return rc.sender.SendCommand(domain.ChannelPublic, domain.WireEnvelope{Type: messageType, Payload: payload})
}

// IMPORTANT: rc.mu must be held.
func (rc *RoomController) joinOrderLocked() []string {
	ids := make([]string, 0, len(rc.rooms))
	for id := range rc.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := rc.rooms[ids[i]], rc.rooms[ids[j]]
		if a.JoinedAt.Equal(b.JoinedAt) {
			return a.RoomID < b.RoomID
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	return ids
}
