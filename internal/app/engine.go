package app

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"marketplace-sync/internal/auth"
	"marketplace-sync/internal/cache"
	"marketplace-sync/internal/config"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/infrastructure/api"
	"marketplace-sync/internal/infrastructure/websocket"
	"marketplace-sync/internal/merge"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/internal/services"
	"marketplace-sync/pkg/logger"
)

const mirrorBuffer = 256

// Mirror copies every cache write somewhere else.
type Mirror interface {
	Run(ctx context.Context, entries <-chan domain.CachedEntity) error
}

// Lock guards the mirror namespace against a second agent.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Lost() <-chan struct{}
}

// RuleSource supplies shared bid increment bands.
type RuleSource interface {
	LoadBands(ctx context.Context) ([]domain.IncrementBand, bool, error)
}

// Deps are the optional collaborators of an Engine. Nil fields get the
// production implementation or are left out.
type Deps struct {
	Dialer     domain.Dialer
	API        domain.RemoteAPI
	Navigator  domain.Navigator
	Journal    domain.MutationJournal
	Mirror     Mirror
	MirrorLock Lock
	Rules      RuleSource
	Registry   *prometheus.Registry
}

// Engine wires the sync core: cache, push channels, dispatcher, mutations,
// rooms and the session watcher.
type Engine struct {
	Cache       *cache.EntityCache
	Tokens      *auth.TokenStore
	Connections *websocket.ConnectionManager
	Rooms       *services.RoomController
	Dispatcher  *services.Dispatcher
	Coordinator *services.MutationCoordinator
	Reader      *services.Reader
	Validator   *services.BidValidator
	Bids        *services.BidService
	Wishlist    *services.WishlistService
	Session     *services.SessionWatcher
	EndTimer    *services.AuctionEndTimer
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	Navigator   domain.Navigator

	mirror     Mirror
	mirrorLock Lock
	rules      RuleSource
	log        logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
	views   map[string]int
	locked  bool
}

func New(cfg *config.Config, deps Deps, log logger.Logger) (*Engine, error) {
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)

	entityCache := cache.New(log)
	tokens := auth.NewTokenStore(log)
	if cfg.Auth.Token != "" {
		if err := tokens.Set(cfg.Auth.Token); err != nil {
			return nil, err
		}
	}

	nav := deps.Navigator
	if nav == nil {
		nav = NewRedirectRecorder(log)
	}
	session := services.NewSessionWatcher(tokens, nav, services.SessionWatcherConfig{
		CheckInterval:  cfg.Session.CheckInterval,
		ExpiringWindow: cfg.Session.ExpiringWindow,
		RedirectTarget: cfg.Session.RedirectTarget,
	}, m, log)

	remote := deps.API
	if remote == nil {
		remote = api.NewHTTPClient(cfg.API.BaseURL, tokens, session, log, api.WithTimeout(cfg.API.Timeout))
	}

	registryMerge := merge.DefaultRegistry()
	coordinator := services.NewMutationCoordinator(entityCache, deps.Journal, m, log)
	dispatcher := services.NewDispatcher(entityCache, registryMerge, coordinator, m, log)
	reader := services.NewReader(entityCache, remote, registryMerge, coordinator, nil, log)
	validator := services.NewBidValidator(cfg.IncrementBands())

	dialer := deps.Dialer
	if dialer == nil {
		dialer = websocket.NewGorillaDialer(cfg.Push.HandshakeTimeout)
	}
	connections := websocket.NewConnectionManager(websocket.Config{
		PublicURL:            cfg.Push.PublicURL,
		AuthenticatedURL:     cfg.Push.AuthenticatedURL,
		ReconnectBaseDelay:   cfg.Push.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Push.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Push.MaxReconnectAttempts,
	}, dialer, tokens, dispatcher, session, m, log)

	rooms := services.NewRoomController(connections, m, log)
	connections.SetParticipantSink(rooms)
	connections.OnLifecycle(rooms.HandleLifecycle)

	return &Engine{
		Cache:       entityCache,
		Tokens:      tokens,
		Connections: connections,
		Rooms:       rooms,
		Dispatcher:  dispatcher,
		Coordinator: coordinator,
		Reader:      reader,
		Validator:   validator,
		Bids:        services.NewBidService(reader, coordinator, remote, validator, log),
		Wishlist:    services.NewWishlistService(reader, coordinator, remote, log),
		Session:     session,
		EndTimer:    services.NewAuctionEndTimer(reader, log),
		Metrics:     m,
		Registry:    registry,
		Navigator:   nav,
		mirror:      deps.Mirror,
		mirrorLock:  deps.MirrorLock,
		rules:       deps.Rules,
		log:         log,
		ctx:         context.Background(),
		views:       make(map[string]int),
	}, nil
}

// Start runs the engine until Stop is called or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	e.ctx, e.cancel, e.group, e.running = groupCtx, cancel, group, true
	e.mu.Unlock()

	e.log.Info("Starting sync engine")
	e.loadRules(groupCtx)

	group.Go(func() error {
		return ignoreCanceled(e.Dispatcher.Run(groupCtx))
	})

	if e.mirror != nil {
		e.startMirror(groupCtx, group)
	}

	if err := e.Session.Start(groupCtx); err != nil {
		e.abort()
		return err
	}
	if err := e.Connections.Start(groupCtx); err != nil {
		e.abort()
		return err
	}
	return nil
}

// Stop closes open views, disconnects, waits for in-flight mutations to
// settle and stops background work.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	group, cancel := e.group, e.cancel
	rooms := make([]string, 0, len(e.views))
	for id := range e.views {
		rooms = append(rooms, id)
	}
	e.views = make(map[string]int)
	locked := e.locked
	e.locked = false
	e.mu.Unlock()

	e.log.Info("Stopping sync engine")

	for _, id := range rooms {
		e.Rooms.Leave(id)
	}
	e.EndTimer.Stop()
	e.Connections.Stop()
	e.Session.Stop()

	waitErr := e.Coordinator.Wait(ctx)
	if waitErr != nil {
		e.log.Warn("Mutations still in flight at shutdown", "error", waitErr)
	}

	cancel()
	err := group.Wait()

	if locked {
		if relErr := e.mirrorLock.Release(ctx); relErr != nil {
			e.log.Error("Failed to release mirror lock", "error", relErr)
		}
	}

	if err != nil {
		return err
	}
	return waitErr
}

func (e *Engine) abort() {
	e.Connections.Stop()
	e.Session.Stop()
	e.mu.Lock()
	cancel, group := e.cancel, e.group
	e.running = false
	e.mu.Unlock()
	cancel()
	_ = group.Wait()
}

func (e *Engine) loadRules(ctx context.Context) {
	if e.rules == nil {
		return
	}
	bands, ok, err := e.rules.LoadBands(ctx)
	if err != nil {
		e.log.Warn("Failed to load shared bid rules, keeping configured ones", "error", err)
		return
	}
	if ok {
		e.Validator.SetBands(bands)
	}
}

// startMirror feeds cache writes to the mirror while the mirror lock is
// held. Without the lock the agent runs unmirrored.
func (e *Engine) startMirror(ctx context.Context, group *errgroup.Group) {
	mirrorCtx := ctx
	if e.mirrorLock != nil {
		ok, err := e.mirrorLock.Acquire(ctx)
		if err != nil || !ok {
			e.log.Warn("Mirror disabled, namespace owned by another agent", "error", err)
			return
		}
		e.mu.Lock()
		e.locked = true
		e.mu.Unlock()

		var cancel context.CancelFunc
		mirrorCtx, cancel = context.WithCancel(ctx)
		lost := e.mirrorLock.Lost()
		group.Go(func() error {
			select {
			case <-lost:
				if ctx.Err() == nil {
					e.log.Error("Mirror lock lost, stopping mirror")
				}
			case <-ctx.Done():
			}
			cancel()
			return nil
		})
	}

	entries, _ := e.Cache.SubscribeAll(mirrorCtx, mirrorBuffer)
	group.Go(func() error {
		return ignoreCanceled(e.mirror.Run(mirrorCtx, entries))
	})
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
