// Package app wires the persistence layer, use cases and transports into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"schoolhub/internal/api"
	"schoolhub/internal/auth"
	"schoolhub/internal/chat"
	"schoolhub/internal/config"
	"schoolhub/internal/database"
	"schoolhub/internal/guard"
	"schoolhub/internal/hub"
	"schoolhub/internal/leave"
	"schoolhub/internal/media"
	"schoolhub/internal/notification"
	"schoolhub/internal/queue"
	"schoolhub/internal/queue/amqp"
	"schoolhub/internal/router"
	"schoolhub/internal/scheduler"
	"schoolhub/internal/session"
	"schoolhub/internal/websocket"
	"schoolhub/pkg/interfaces"
)

const shutdownTimeout = 10 * time.Second

// Application coordinates all system components
// ARCHITECTURAL DISCOVERY: Initialization follows dependency order
// Database -> Registry/Hub -> Use cases -> Scheduler -> Router -> HTTP,
// and shutdown runs in reverse
type Application struct {
	config        *config.Config
	logger        zerolog.Logger
	db            *database.Manager
	registry      *websocket.Registry
	hub           *hub.Hub
	authenticator *auth.Authenticator
	notifications *notification.Engine
	sessions      *session.Manager
	scheduler     *scheduler.Scheduler
	router        *router.Router
	handler       http.Handler
	httpServer    *http.Server
	// queueCloser releases the broker connection when the rabbitmq driver is used
	queueCloser io.Closer
}

// NewApplication opens the database, applies migrations and builds every component
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ctx = logger.WithContext(ctx)

	db, err := database.NewManager(cfg.Database.Store())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	applied, err := db.Migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info().Strs("applied", applied).Str("path", cfg.Database.Path).Msg("database ready")

	app := &Application{config: cfg, logger: logger, db: db}
	if err := app.build(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(ctx context.Context) error {
	cfg := app.config

	app.registry = websocket.NewRegistry(app.logger)
	h, err := hub.NewHub(app.registry, 0, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create emission hub: %w", err)
	}
	app.hub = h

	app.authenticator, err = auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}
	mediaSvc, err := media.NewService(media.Config{
		Secret:   cfg.Media.Secret,
		TokenTTL: cfg.Media.TokenTTL,
		BaseURL:  cfg.Media.BaseURL,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create media service: %w", err)
	}

	jobs, err := app.newJobQueue(ctx)
	if err != nil {
		return err
	}
	app.scheduler = scheduler.New(jobs)

	g := guard.New(app.db)
	app.notifications = notification.NewEngine(app.db, app.hub, g, notification.Config{
		SweepInterval: cfg.Notification.SweepInterval,
		BatchSize:     cfg.Notification.BatchSize,
	})
	chats := chat.NewService(app.db, app.hub, g)
	leaves := leave.NewWorkflow(app.db, app.notifications, g)
	app.sessions = session.NewManager(session.Dependencies{
		Sessions:  app.db,
		Durations: app.db,
		Directory: app.db,
		Media:     mediaSvc,
		Scheduler: app.scheduler,
		Emitter:   app.hub,
		Guard:     g,
	}, session.Config{PastBuffer: cfg.Scheduler.PastBuffer})

	app.router = router.NewRouter(router.Services{
		Chat:          chats,
		Notifications: app.notifications,
		Leaves:        leaves,
		Sessions:      app.sessions,
		Rooms:         app.registry,
	}, router.Config{RateLimit: cfg.Router.RateLimit})

	ws := websocket.NewHandler(app.registry, app.authenticator, app.router, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, app.logger)

	app.handler = api.NewServer(api.Dependencies{
		Chat:          chats,
		Notifications: app.notifications,
		Leaves:        leaves,
		Sessions:      app.sessions,
		Directory:     app.db,
		Verifier:      app.authenticator,
		Health:        app.db,
		Stats:         app.registry,
		WebSocket:     ws.HandleWebSocket,
	}, app.logger)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return nil
}

// newJobQueue selects the delayed-job driver from configuration
func (app *Application) newJobQueue(ctx context.Context) (interfaces.JobQueue, error) {
	s := app.config.Scheduler
	retry := queue.RetryPolicy{
		InitialInterval: s.InitialBackoff,
		MaxInterval:     s.MaxBackoff,
		MaxAttempts:     s.MaxAttempts,
	}

	switch app.config.Queue.Driver {
	case config.QueueDriverRabbitMQ:
		r := app.config.RabbitMQ
		qcfg := amqp.Config{
			Host:     r.Host,
			Port:     r.Port,
			User:     r.User,
			Pass:     r.Pass,
			Exchange: r.Exchange,
			Queue:    r.Queue,
			Workers:  s.Workers,
			Retry:    retry,
		}
		conn, err := amqp.Dial(ctx, qcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		q, err := amqp.New(conn, qcfg)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to declare rabbitmq topology: %w", err)
		}
		app.queueCloser = q
		app.logger.Info().Str("queue", r.Queue).Msg("using rabbitmq job queue")
		return q, nil
	default:
		app.logger.Info().Msg("using sqlite job queue")
		return queue.NewSQLiteQueue(app.db, queue.Config{
			PollInterval: s.PollInterval,
			Lease:        s.Lease,
			Workers:      s.Workers,
			Retry:        retry,
		}), nil
	}
}

// Handler is the HTTP surface: REST under /api, /health and the /ws upgrade
func (app *Application) Handler() http.Handler { return app.handler }

// Authenticator mints and verifies handshake tokens
func (app *Application) Authenticator() *auth.Authenticator { return app.authenticator }

// Database exposes the persistence layer to the CLI
func (app *Application) Database() *database.Manager { return app.db }

func (app *Application) Addr() string { return app.httpServer.Addr }

// Run serves HTTP and the background workers until ctx ends
func (app *Application) Run(ctx context.Context) error {
	return app.run(ctx, true)
}

// RunWorkers runs only the background workers; the caller serves Handler itself
func (app *Application) RunWorkers(ctx context.Context) error {
	return app.run(ctx, false)
}

func (app *Application) run(ctx context.Context, serveHTTP bool) error {
	ctx = app.logger.WithContext(ctx)
	g, gctx := errgroup.WithContext(ctx)

	if err := app.hub.Start(gctx); err != nil {
		return fmt.Errorf("failed to start emission hub: %w", err)
	}

	g.Go(func() error {
		return app.scheduler.Run(gctx, app.sessions)
	})
	g.Go(func() error {
		return app.notifications.Run(gctx)
	})
	g.Go(func() error {
		app.router.Limiter().Run(gctx)
		return nil
	})

	if serveHTTP {
		g.Go(func() error {
			app.logger.Info().Str("addr", app.httpServer.Addr).Msg("start http server")
			if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info().Msg("shutting down")
		if serveHTTP {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := app.httpServer.Shutdown(sctx); err != nil {
				app.logger.Error().Err(err).Msg("http server shutdown error")
			}
		}
		app.registry.CloseAll()
		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			app.logger.Error().Err(err).Msg("emission hub shutdown error")
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close releases the broker connection and the database
func (app *Application) Close() error {
	var errs []error
	if app.queueCloser != nil {
		errs = append(errs, app.queueCloser.Close())
	}
	errs = append(errs, app.db.Close())
	app.logger.Info().Msg("schoolhub shutdown complete")
	return errors.Join(errs...)
}
