package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/pkg/logger"
)

const reasonExhausted = "reconnect attempts exhausted"

// tokenSource yields the credential for the next dial. ok is false when
// the channel must not dial any more.
type tokenSource func() (token string, ok bool)

// channel supervises one logical push channel: it dials, reads, routes
// inbound envelopes and redials with backoff after transport errors.
type channel struct {
	kind        domain.ChannelKind
	url         string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	dialer       domain.Dialer
	events       domain.EventSink
	participants func() domain.ParticipantSink
	unauthorized domain.UnauthorizedReporter
	emit         func(domain.LifecycleEvent)
	metrics      *metrics.Metrics
	log          logger.Logger

	mu      sync.Mutex
	state   domain.ConnectionState
	conn    domain.Conn
	session uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// start replaces any running session with a new one and returns its id.
func (ch *channel) start(ctx context.Context, token string, source tokenSource) uint64 {
	ch.stop()

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	ch.mu.Lock()
	ch.session++
	session := ch.session
	ch.cancel = cancel
	ch.done = done
	ch.state.AuthToken = token
	ch.mu.Unlock()

	go ch.run(sessionCtx, source, done)
	return session
}

// stop ends the running session, if any, and waits for it.
func (ch *channel) stop() {
	ch.mu.Lock()
	cancel, done := ch.cancel, ch.done
	ch.cancel, ch.done = nil, nil
	ch.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// stopSession stops the channel only if session is still the running one.
func (ch *channel) stopSession(session uint64) {
	ch.mu.Lock()
	current := ch.session == session && ch.cancel != nil
	ch.mu.Unlock()

	if current {
		ch.stop()
	}
}

func (ch *channel) currentState() domain.ConnectionState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// running reports whether a session is active for token.
func (ch *channel) running(token string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cancel != nil && ch.state.AuthToken == token && ch.state.Status != domain.ConnectionErrored
}

func (ch *channel) send(message domain.WireEnvelope) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return ierr.Newf(ierr.ErrorCodeUnavailable, string(ch.kind)+" channel is not connected")
	}
	return conn.Send(message)
}

func (ch *channel) run(ctx context.Context, source tokenSource, done chan struct{}) {
	defer close(done)

	recon := newReconnector(ch.baseDelay, ch.maxDelay, ch.maxAttempts)

	for {
		token, ok := source()
		if !ok {
			ch.setStatus(domain.ConnectionDisconnected)
			return
		}

		ch.setStatus(domain.ConnectionConnecting)
		conn, err := ch.dialer.Dial(ctx, ch.url, token)
		if err != nil {
			if ctx.Err() != nil {
				ch.setStatus(domain.ConnectionDisconnected)
				return
			}
			if ierr.IsCode(err, ierr.ErrorCodeUnauthenticated) {
				ch.fail("unauthorized")
				if ch.unauthorized != nil {
					// The report may clear the token and stop this channel,
					// which waits for run to return.
					go ch.unauthorized.ReportUnauthorized(string(ch.kind) + " channel rejected credentials")
				}
				return
			}
			ch.log.Warn("Failed to connect push channel", "channel", ch.kind, "attempt", recon.attempt+1, "error", err)
			if !ch.backoff(ctx, recon) {
				return
			}
			continue
		}

		recon.reset()
		ch.attach(conn, token)
		ch.log.Info("Push channel connected", "channel", ch.kind)
		ch.emit(domain.LifecycleEvent{Channel: ch.kind, Type: domain.LifecycleConnected})

		readErr := ch.readLoop(ctx, conn)
		ch.detach()
		_ = conn.Close()

		if ctx.Err() != nil {
			ch.setStatus(domain.ConnectionDisconnected)
			ch.emit(domain.LifecycleEvent{Channel: ch.kind, Type: domain.LifecycleDisconnected, Reason: "client disconnect"})
			ch.log.Info("Push channel disconnected", "channel", ch.kind)
			return
		}

		ch.setStatus(domain.ConnectionDisconnected)
		ch.emit(domain.LifecycleEvent{Channel: ch.kind, Type: domain.LifecycleDisconnected, Reason: readErr.Error()})
		ch.log.Warn("Push channel dropped", "channel", ch.kind, "error", readErr)

		if !ch.backoff(ctx, recon) {
			return
		}
	}
}

// backoff waits before the next dial. It returns false when the channel
// has given up or was stopped.
func (ch *channel) backoff(ctx context.Context, recon *reconnector) bool {
	if !recon.shouldReconnect() {
		ch.fail(reasonExhausted)
		return false
	}

	delay := recon.nextDelay()
	ch.metrics.Reconnect(string(ch.kind))
	ch.log.Debug("Reconnecting push channel", "channel", ch.kind, "attempt", recon.attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		ch.setStatus(domain.ConnectionDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

func (ch *channel) readLoop(ctx context.Context, conn domain.Conn) error {
	// Closing the connection is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		env, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedFrame) {
				ch.log.Warn("Ignoring malformed frame", "channel", ch.kind, "error", err)
				continue
			}
			return err
		}
		ch.route(env)
	}
}

func (ch *channel) route(env domain.WireEnvelope) {
	switch env.Type {
	case domain.MessageEntityChange:
		var event domain.PushEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			ch.log.Warn("Ignoring undecodable entity change", "channel", ch.kind, "error", err)
			return
		}
		ch.events.Enqueue(event)

	case domain.MessageRoomParticipants:
		var msg domain.ParticipantsMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			ch.log.Warn("Ignoring undecodable participant list", "channel", ch.kind, "error", err)
			return
		}
		if sink := ch.participants(); sink != nil {
			sink.UpdateParticipants(msg.AuctionID, msg.Participants)
		}

	default:
		ch.log.Debug("Ignoring unknown message type", "channel", ch.kind, "type", env.Type)
	}
}

func (ch *channel) attach(conn domain.Conn, token string) {
	ch.mu.Lock()
	ch.conn = conn
	ch.state.AuthToken = token
	ch.state.Status = domain.ConnectionConnected
	ch.mu.Unlock()
	ch.metrics.SetChannelState(string(ch.kind), string(domain.ConnectionConnected))
}

func (ch *channel) detach() {
	ch.mu.Lock()
	ch.conn = nil
	ch.mu.Unlock()
}

func (ch *channel) setStatus(status domain.ConnectionStatus) {
	ch.mu.Lock()
	ch.state.Status = status
	ch.mu.Unlock()
	ch.metrics.SetChannelState(string(ch.kind), string(status))
}

func (ch *channel) fail(reason string) {
	ch.setStatus(domain.ConnectionErrored)
	ch.log.Error("Push channel gave up", "channel", ch.kind, "reason", reason)
	ch.emit(domain.LifecycleEvent{Channel: ch.kind, Type: domain.LifecycleError, Reason: reason})
}
