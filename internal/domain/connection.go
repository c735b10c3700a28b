package domain

import (
	"context"
	"errors"
	"time"
)

// ErrMalformedFrame is returned by Conn.ReadMessage for a frame that is
// not a valid envelope. The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

type ChannelKind string

const (
	ChannelPublic        ChannelKind = "public"
	ChannelAuthenticated ChannelKind = "authenticated"
)

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionErrored      ConnectionStatus = "errored"
)

type ConnectionState struct {
	Channel   ChannelKind      `json:"channel"`
	Status    ConnectionStatus `json:"status"`
	AuthToken string           `json:"-"`
}

type LifecycleType string

const (
	LifecycleConnected    LifecycleType = "connected"
	LifecycleError        LifecycleType = "error"
	LifecycleDisconnected LifecycleType = "disconnected"
)

type LifecycleEvent struct {
	Channel ChannelKind
	Type    LifecycleType
	Reason  string
}

type LifecycleHandler func(event LifecycleEvent)

type RoomMembership struct {
	RoomID         string
	JoinedAt       time.Time
	ParticipantIDs map[string]struct{}
}

// Conn is one established push transport connection.
type Conn interface {
	ReadMessage() (WireEnvelope, error)
	Send(message WireEnvelope) error
	Close() error
}

// Dialer opens push transport connections. An empty token dials without
// credentials.
type Dialer interface {
	Dial(ctx context.Context, url string, token string) (Conn, error)
}

// CommandSender delivers outbound commands over a push channel.
type CommandSender interface {
	SendCommand(channel ChannelKind, message WireEnvelope) error
}
