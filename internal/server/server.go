package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casetrace/backend/internal/bootstrap"
	"github.com/casetrace/backend/internal/queue"
	mid "github.com/casetrace/backend/internal/server/middleware"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/logger"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the HTTP surface around app.
func New(app *mid.App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("256M"))

	RegisterRoutes(e)
	return e
}

// Init opens the engine from cfg and serves until SIGINT or SIGTERM.
func Init(cfg config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, err := bootstrap.NewFetcher(ctx)
	if err != nil {
		logger.Fatal("Failed to create object storage client", "err", err)
	}
	eng, err := bootstrap.OpenEngine(ctx, cfg, fetcher)
	if err != nil {
		logger.Fatal("Failed to open engine", "err", err)
	}
	defer eng.Close()

	app := &mid.App{Engine: eng, MasterAPIKey: cfg.Server.MasterAPIKey}

	if cfg.Server.AuthURL != "" {
		jwksUrl := cfg.Server.AuthURL + "/jwks"
		k, err := keyfunc.NewDefault([]string{jwksUrl})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		app.Key = &k
	}

	if cfg.Server.QueueEnabled {
		conn, err := queue.Init()
		if err != nil {
			logger.Fatal("Failed to connect to queue", "err", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()
		if err := queue.SetupQueues(ch, []string{queue.IngestQueue}); err != nil {
			logger.Fatal("Failed to declare queues", "err", err)
		}
		if err := queue.SetupReplyQueue(ch); err != nil {
			logger.Fatal("Failed to declare reply queue", "err", err)
		}
		reply := queue.ChannelReplier(ch)
		app.Queue = ch

		// Indexes live in this process, so queued batches are consumed here.
		go func() {
			err := queue.Consume(ctx, conn, queue.IngestQueue, func(ctx context.Context, body []byte) error {
				return queue.ProcessIngestMessage(ctx, eng, reply, body)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Ingest consumer stopped", "err", err)
			}
		}()
	}

	if cfg.Ingest.MaintenanceInterval > 0 {
		go eng.RunMaintenance(audit.WithActor(ctx, audit.SystemActor), cfg.Ingest.MaintenanceInterval)
	}

	e := New(app)

	go func() {
		logger.Info("Starting server", "port", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
	if err := eng.WaitEmbeddings(ctx); err != nil {
		logger.Warn("Embedding queue not drained", "err", err)
	}
}
