// Package app assembles parley's components from a Config and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"parley/internal/api"
	"parley/internal/audit"
	"parley/internal/auth"
	"parley/internal/cache"
	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/hub"
	"parley/internal/inbox"
	"parley/internal/media"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/rooms"
	"parley/internal/session"
	"parley/internal/websocket"
	dbconfig "parley/pkg/database"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// MessageLimitPrefix scopes the per-user chat message window.
const MessageLimitPrefix = "rl:chat:"

const sweepInterval = time.Minute

// Application holds every long-lived component.
type Application struct {
	config *config.Config
	logger *slog.Logger

	dbManager *database.Manager
	redis     *redis.Client
	memory    *cache.Memory
	localHub  *hub.Hub
	broker    *hub.RedisBroker
	registry  *websocket.Registry
	sessions  *session.Handler
	apiServer *api.Server

	httpServer *http.Server
	serveErr   chan error

	mu       sync.Mutex
	listener net.Listener

	stopSweep chan struct{}
	sweepDone sync.WaitGroup
	stopOnce  sync.Once
}

// NewApplication creates every component. Initialization follows the
// dependency order database, cache, broker, domain services, transport.
// On failure everything created so far is released.
func NewApplication(cfg *config.Config, logger *slog.Logger) (_ *Application, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &Application{
		config:    cfg,
		logger:    logger.With("component", "app"),
		serveErr:  make(chan error, 1),
		stopSweep: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			app.release()
		}
	}()

	// Relational store.
	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	dbCfg.MaxConnections = cfg.Database.MaxConnections
	dbCfg.WriteTimeout = cfg.Database.WriteTimeout
	dbCfg.BusyRetries = cfg.Database.BusyRetries
	app.dbManager, err = database.NewManager(dbCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// Shared cache, broker and message limiter: Redis when configured,
	// in-process otherwise.
	app.localHub = hub.NewHub(cfg.WebSocket.EventBuffer*16, logger)
	var (
		shared  interfaces.Cache
		broker  interfaces.Broker = app.localHub
		limiter ratelimit.Limiter
	)
	policy := ratelimit.Policy{Limit: cfg.Chat.RateLimit, Window: cfg.Chat.RateWindow}
	if cfg.Redis.Enabled() {
		app.redis, err = cache.NewRedisClient(context.Background(), cache.RedisOptions{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		if shared, err = cache.NewRedis(app.redis, cfg.Redis.Prefix); err != nil {
			return nil, err
		}
		app.broker, err = hub.NewRedisBroker(app.redis, app.localHub, cfg.Redis.Prefix+"topic:", logger)
		if err != nil {
			return nil, err
		}
		broker = app.broker
		if limiter, err = ratelimit.NewRedisWindow(app.redis, cfg.Redis.Prefix+MessageLimitPrefix, policy); err != nil {
			return nil, err
		}
	} else {
		app.memory = cache.NewMemory()
		shared = app.memory
		limiter = ratelimit.NewWindow(shared, MessageLimitPrefix, policy)
	}

	// Domain services.
	slugs, err := types.NewSlugValidator(cfg.Chat.SlugPattern)
	if err != nil {
		return nil, err
	}
	auditLog := audit.New(logger)
	roomService, err := rooms.NewService(app.dbManager, rooms.Options{
		DirectSalt:         cfg.Auth.DirectSalt,
		DirectStartRetries: cfg.Chat.DirectRetries,
		Slugs:              slugs,
	}, auditLog, logger)
	if err != nil {
		return nil, err
	}
	tracker := inbox.NewTracker(shared, cfg.Inbox.UnreadTTL, logger)
	notifier := inbox.NewNotifier(app.dbManager, app.dbManager, tracker, broker, logger)
	aggregator := presence.NewAggregator(shared, presence.Options{
		TTL:      cfg.Presence.TTL,
		Grace:    cfg.Presence.Grace,
		CacheTTL: cfg.Presence.CacheTTL,
	}, logger)
	authn, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, app.dbManager, logger)
	if err != nil {
		return nil, err
	}
	activity := auth.NewActivity(app.dbManager, shared, cfg.Auth.ActivityInterval, logger)
	builder, err := media.NewBuilder(cfg.HTTP.MediaURL, cfg.HTTP.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	// Transport.
	proxies, err := websocket.ParseTrustedProxies(cfg.HTTP.Proxies())
	if err != nil {
		return nil, err
	}
	app.registry = websocket.NewRegistry(logger)
	runner := session.NewRunner(broker, app.registry, cfg.WebSocket.EventBuffer, logger)
	connOpts := websocket.DefaultOptions()
	connOpts.SendBuffer = cfg.WebSocket.SendBuffer
	connOpts.WriteTimeout = cfg.WebSocket.WriteTimeout
	connOpts.PingInterval = cfg.WebSocket.PingInterval
	connOpts.PongWait = cfg.WebSocket.PongWait
	connOpts.ReadLimit = cfg.WebSocket.ReadLimit
	acceptor := websocket.NewAcceptor(websocket.UpgraderOptions{
		AllowedOrigins:   cfg.WebSocket.Origins(),
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}, connOpts)

	var connectLimiter ratelimit.Limiter
	if cfg.WebSocket.ConnectLimit > 0 {
		connectLimiter = ratelimit.NewBucket(app.dbManager, session.ConnectLimitPrefix, ratelimit.Policy{
			Limit:  cfg.WebSocket.ConnectLimit,
			Window: cfg.WebSocket.ConnectWindow,
		}, logger)
	}

	app.sessions, err = session.NewHandler(&session.Deps{
		Rooms:          roomService,
		Store:          app.dbManager,
		Messages:       app.dbManager,
		Tracker:        tracker,
		Notifier:       notifier,
		Presence:       aggregator,
		Broker:         broker,
		MessageLimiter: limiter,
		Audit:          auditLog,
		Logger:         logger,
	}, session.HandlerOptions{
		Chat: session.ChatOptions{
			IdleTimeout:      cfg.Chat.IdleTimeout,
			PollInterval:     cfg.Chat.PollInterval,
			MaxMessageLength: cfg.Chat.MaxMessageLength,
		},
		Inbox: session.InboxOptions{
			Heartbeat:   cfg.Inbox.Heartbeat,
			IdleTimeout: cfg.Inbox.IdleTimeout,
			ActiveTTL:   cfg.Inbox.ActiveTTL,
		},
		Presence: session.PresenceOptions{
			Heartbeat:     cfg.Presence.Heartbeat,
			IdleTimeout:   cfg.Presence.IdleTimeout,
			TouchInterval: cfg.Presence.TouchInterval,
		},
	}, runner, acceptor, authn, proxies, connectLimiter, builder)
	if err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Rooms:    roomService,
		Tracker:  tracker,
		Auth:     authn,
		Activity: activity,
		Health:   app.dbManager,
		Registry: app.registry,
		Topics:   app.localHub,
		Media:    builder,
		Proxies:  proxies,
		Logger:   logger,
	})
	app.sessions.Register(app.apiServer.Mux())

	app.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:           app.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return app, nil
}

// Start launches the background loops and begins accepting connections.
// The listener is bound before Start returns.
func (app *Application) Start(ctx context.Context) error {
	if err := app.localHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	if app.broker != nil {
		if err := app.broker.Start(ctx); err != nil {
			_ = app.localHub.Stop()
			return fmt.Errorf("failed to start redis broker: %w", err)
		}
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBroker()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	if app.memory != nil {
		app.sweepDone.Add(1)
		go app.sweep()
	}
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.logger.Info("parley started", "addr", ln.Addr().String(), "redis", app.redis != nil)
	return nil
}

// Run starts the application and blocks until ctx ends or the server
// fails, then shuts down within the configured timeout.
func (app *Application) Run(ctx context.Context) error {
	// Background loops outlive ctx so sessions can drain during Stop.
	if err := app.Start(context.WithoutCancel(ctx)); err != nil {
		app.release()
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-app.serveErr:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, app.Stop(stopCtx))
}

// Stop shuts down in reverse dependency order: open sessions close with
// 1001, the HTTP server stops, then the broker, caches and database.
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		app.logger.Info("shutting down")

		if err := app.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
		if n := app.registry.CloseAll(session.CloseGoingAway, "server shutting down"); n > 0 {
			app.logger.Warn("closed lingering connections", "count", n)
		}
		app.stopBroker()
		app.release()

		app.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// Addr returns the bound listener address once started, the configured
// one before.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

func (app *Application) stopBroker() {
	if app.broker != nil {
		if err := app.broker.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			app.logger.Warn("redis broker shutdown error", "error", err)
		}
	}
	if err := app.localHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("message hub shutdown error", "error", err)
	}
}

// release closes the sweeper and the storage clients.
func (app *Application) release() {
	select {
	case <-app.stopSweep:
	default:
		close(app.stopSweep)
	}
	app.sweepDone.Wait()

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("redis close error", "error", err)
		}
		app.redis = nil
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.logger.Warn("database close error", "error", err)
		}
		app.dbManager = nil
	}
}

// sweep drops expired in-memory cache entries.
func (app *Application) sweep() {
	defer app.sweepDone.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-app.stopSweep:
			return
		case <-ticker.C:
			if n := app.memory.Sweep(); n > 0 {
				app.logger.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}
