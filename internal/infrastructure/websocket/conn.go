package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
)

const writeWait = 10 * time.Second

// GorillaDialer opens push connections with gorilla/websocket. A token is
// sent as a bearer Authorization header.
type GorillaDialer struct {
	dialer *websocket.Dialer
}

func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &GorillaDialer{dialer: &d}
}

func (d *GorillaDialer) Dial(ctx context.Context, url string, token string) (domain.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, ierr.New(ierr.ErrorCodeUnauthenticated, fmt.Errorf("dial %s: %w", url, err))
			case http.StatusForbidden:
				return nil, ierr.New(ierr.ErrorCodePermissionDenied, fmt.Errorf("dial %s: %w", url, err))
			}
		}
		return nil, ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("dial %s: %w", url, err))
	}

	return &WebSocketConnection{conn: conn}, nil
}

// WebSocketConnection adapts a gorilla connection to domain.Conn. Writes
// are serialized; reads belong to the channel's read loop.
type WebSocketConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	return &WebSocketConnection{conn: conn}
}

func (wsc *WebSocketConnection) ReadMessage() (domain.WireEnvelope, error) {
	_, data, err := wsc.conn.ReadMessage()
	if err != nil {
		return domain.WireEnvelope{}, err
	}

	var env domain.WireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.WireEnvelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	return env, nil
}

func (wsc *WebSocketConnection) Send(message domain.WireEnvelope) error {
	wsc.writeMu.Lock()
	defer wsc.writeMu.Unlock()

	if err := wsc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsc.conn.WriteJSON(message)
}

func (wsc *WebSocketConnection) Close() error {
	wsc.writeMu.Lock()
	_ = wsc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second),
	)
	wsc.writeMu.Unlock()
	return wsc.conn.Close()
}
