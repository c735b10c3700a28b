package domain

import (
	"encoding/json"
)

type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// PushEvent is the raw server push as received over a channel.
type PushEvent struct {
	Entity    EntityType      `json:"entity"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// Change is a PushEvent whose payload has been decoded by a merge policy.
type Change struct {
	Entity    EntityType
	Operation Operation
	Value     Entity
}

// Wire envelope types exchanged over the push channels.
const (
	MessageEntityChange     = "entity.change"
	MessageRoomParticipants = "room.participants"
	MessageRoomJoin         = "room.join"
	MessageRoomLeave        = "room.leave"
)

type WireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomCommand struct {
	AuctionID string `json:"auction_id"`
}

type ParticipantsMessage struct {
	AuctionID    string   `json:"auction_id"`
	Participants []string `json:"participants"`
}

// EventSink receives push events for ordered application.
type EventSink interface {
	Enqueue(event PushEvent)
}

// ParticipantSink receives room participant lists.
type ParticipantSink interface {
	UpdateParticipants(auctionID string, participantIDs []string)
}

// PushGate orders push applications against local mutations. Admit runs
// apply at once unless a mutation is pending on key; then apply is held
// and run after the mutation settles, in receipt order. The return value
// reports whether apply was held.
type PushGate interface {
	Admit(key EntityKey, apply func()) bool
}

// WriteGate is the PushGate of fetched values. Generation moves every time
// a mutation writes or settles key, so a fetch that overlapped a mutation
// can tell its response may predate the committed value.
type WriteGate interface {
	PushGate
	Generation(key EntityKey) uint64
}
