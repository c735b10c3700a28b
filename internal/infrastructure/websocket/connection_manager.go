package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/pkg/logger"
)

type Config struct {
	PublicURL            string
	AuthenticatedURL     string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// ConnectionHandle identifies one session of a channel.
type ConnectionHandle struct {
	Channel domain.ChannelKind
	session uint64
}

// ConnectionManager owns the public and the authenticated push channel.
// The public channel runs from Start to Stop. The authenticated channel
// follows the token provider: it connects when a token appears, redials
// when it changes and disconnects when it is cleared.
type ConnectionManager struct {
	tokens domain.TokenProvider
	log    logger.Logger
	public *channel
	authed *channel

	mu           sync.RWMutex
	ctx          context.Context
	handlers     []domain.LifecycleHandler
	participants domain.ParticipantSink
	cancelWatch  func()
}

func NewConnectionManager(
	cfg Config,
	dialer domain.Dialer,
	tokens domain.TokenProvider,
	events domain.EventSink,
	unauthorized domain.UnauthorizedReporter,
	m *metrics.Metrics,
	log logger.Logger,
) *ConnectionManager {
	cm := &ConnectionManager{
		tokens: tokens,
		log:    log,
		ctx:    context.Background(),
	}

	newChannel := func(kind domain.ChannelKind, url string, reporter domain.UnauthorizedReporter) *channel {
		return &channel{
			kind:         kind,
			url:          url,
			baseDelay:    cfg.ReconnectBaseDelay,
			maxDelay:     cfg.ReconnectMaxDelay,
			maxAttempts:  cfg.MaxReconnectAttempts,
			dialer:       dialer,
			events:       events,
			participants: cm.participantSink,
			unauthorized: reporter,
			emit:         cm.emit,
			metrics:      m,
			log:          log,
			state:        domain.ConnectionState{Channel: kind, Status: domain.ConnectionDisconnected},
		}
	}

	cm.public = newChannel(domain.ChannelPublic, cfg.PublicURL, nil)
	cm.authed = newChannel(domain.ChannelAuthenticated, cfg.AuthenticatedURL, unauthorized)
	return cm
}

// SetParticipantSink routes room participant lists, usually to the room
// controller.
func (cm *ConnectionManager) SetParticipantSink(sink domain.ParticipantSink) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.participants = sink
}

// OnLifecycle registers fn for connected, error and disconnected events
// of both channels. Handlers run on the channel goroutine and must not
// call Connect or Disconnect synchronously.
func (cm *ConnectionManager) OnLifecycle(fn domain.LifecycleHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers = append(cm.handlers, fn)
}

// Start connects the public channel and, if a token is present, the
// authenticated one. Both stop when ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	cm.ctx = ctx
	cm.mu.Unlock()

	cm.log.Info("Starting connection manager")

	if _, err := cm.Connect(domain.ChannelPublic, ""); err != nil {
		return err
	}

	// Watch before reading the token so a login in between is not missed.
	cancel := cm.tokens.Watch(cm.onToken)
	cm.mu.Lock()
	cm.cancelWatch = cancel
	cm.mu.Unlock()

	if token := cm.tokens.Token(); token != "" && !cm.authed.running(token) {
		if _, err := cm.Connect(domain.ChannelAuthenticated, token); err != nil {
			return err
		}
	}

	return nil
}

func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	cancel := cm.cancelWatch
	cm.cancelWatch = nil
	cm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	cm.authed.stop()
	cm.public.stop()
	cm.log.Info("Stopped connection manager")
}

// Connect starts a session on a channel. Connecting a channel that is
// already running with the same token returns the running session.
func (cm *ConnectionManager) Connect(kind domain.ChannelKind, token string) (*ConnectionHandle, error) {
	ch, err := cm.channel(kind)
	if err != nil {
		return nil, err
	}

	var source tokenSource
	switch kind {
	case domain.ChannelPublic:
		token = ""
		source = func() (string, bool) { return "", true }
	case domain.ChannelAuthenticated:
		if token == "" {
			return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, "authenticated channel needs a token")
		}
		// Redials use the then-current token, never the one captured here.
		source = func() (string, bool) {
			current := cm.tokens.Token()
			return current, current != ""
		}
	}

	ch.mu.Lock()
	session := ch.session
	ch.mu.Unlock()
	if ch.running(token) {
		return &ConnectionHandle{Channel: kind, session: session}, nil
	}

	cm.mu.RLock()
	ctx := cm.ctx
	cm.mu.RUnlock()

	cm.log.Info("Connecting push channel", "channel", kind)
	session = ch.start(ctx, token, source)
	return &ConnectionHandle{Channel: kind, session: session}, nil
}

// Disconnect stops the session behind handle. A handle of a replaced
// session is ignored.
func (cm *ConnectionManager) Disconnect(handle *ConnectionHandle) {
	if handle == nil {
		return
	}
	ch, err := cm.channel(handle.Channel)
	if err != nil {
		return
	}
	ch.stopSession(handle.session)
}

func (cm *ConnectionManager) State(kind domain.ChannelKind) domain.ConnectionState {
	ch, err := cm.channel(kind)
	if err != nil {
		return domain.ConnectionState{Channel: kind, Status: domain.ConnectionDisconnected}
	}
	return ch.currentState()
}

// SendCommand implements domain.CommandSender.
func (cm *ConnectionManager) SendCommand(kind domain.ChannelKind, message domain.WireEnvelope) error {
	ch, err := cm.channel(kind)
	if err != nil {
		return err
	}
	return ch.send(message)
}

func (cm *ConnectionManager) onToken(token string) {
	if token == "" {
		cm.log.Info("Token cleared, closing authenticated channel")
		cm.authed.stop()
		return
	}

	if cm.authed.running(token) {
		return
	}
	if _, err := cm.Connect(domain.ChannelAuthenticated, token); err != nil {
		cm.log.Error("Failed to connect authenticated channel", "error", err)
	}
}

func (cm *ConnectionManager) channel(kind domain.ChannelKind) (*channel, error) {
	switch kind {
	case domain.ChannelPublic:
		return cm.public, nil
	case domain.ChannelAuthenticated:
		return cm.authed, nil
	}
	return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, fmt.Sprintf("unknown channel %q", kind))
}

func (cm *ConnectionManager) participantSink() domain.ParticipantSink {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.participants
}

func (cm *ConnectionManager) emit(event domain.LifecycleEvent) {
	cm.mu.RLock()
	handlers := make([]domain.LifecycleHandler, len(cm.handlers))
	copy(handlers, cm.handlers)
	cm.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}
