// Package app assembles the storyline runtime from a loaded Config. The HTTP
// server and the worker share one App so both sides see the same engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"storyline/internal/apperr"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/engine"
	"storyline/internal/llm"
	"storyline/internal/logging"
	"storyline/internal/metrics"
	"storyline/internal/migrate"
	"storyline/internal/notify"
	"storyline/internal/queue"
	"storyline/internal/server"
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Getenv func(string) string
	// Log replaces the logger built from Config.Logging.
	Log *logging.Logger
	// NATS reuses an existing connection; App will not close it.
	NATS *nats.Conn
	// Generator replaces the provider gateway.
	Generator llm.Generator
}

type App struct {
	Config   *config.Config
	Log      *logging.Logger
	DB       *sql.DB
	NATS     *nats.Conn
	Queue    *queue.Queue
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Engine   engine.Engine

	ownsNATS bool
}

// OpenStore opens the workspace database and applies pending migrations.
func OpenStore(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, apperr.New(apperr.Config, "open database", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Open wires store, broker, provider gateway and engine.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	log := opts.Log
	if log == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, apperr.New(apperr.Config, "build logger", err)
		}
		log = l
	}

	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	conn, err := OpenStore(ctx, cfg.Store.Workspace)
	if err != nil {
		return nil, err
	}
	a.DB = conn

	a.NATS = opts.NATS
	if a.NATS == nil {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("storyline"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn(context.Background(), "nats disconnected", zap.Error(err))
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, apperr.New(apperr.Broker, "connect nats "+cfg.NATS.URL, err)
		}
		a.NATS = nc
		a.ownsNATS = true
	}

	a.Queue, err = queue.Open(ctx, a.NATS, queue.Config{
		Subject: cfg.NATS.TaskSubject,
		Stream:  cfg.NATS.Stream,
		Group:   cfg.NATS.QueueGroup,
		Workers: cfg.NATS.Workers,
	})
	if err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	gen := opts.Generator
	if gen == nil {
		gen = llm.NewGateway(
			llm.NewFactory(cfg.ProviderConfigs(getenv)),
			llm.WithRateLimit(cfg.LLM.RatePerSecond, 1),
			llm.WithTimeout(cfg.LLM.Timeout),
			llm.WithRecorder(a.Metrics),
		)
	}

	e := engine.New(a.DB, gen, notify.NewNATS(a.NATS, cfg.NATS.NotifySubject), log)
	e.Defaults = cfg.Defaults()
	e.Queue = a.Queue
	e.Metrics = a.Metrics
	a.Engine = e

	ok = true
	return a, nil
}

// Handler builds the HTTP API with the configured auth and /metrics.
func (a *App) Handler(getenv func(string) string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: a.Config.JWTSecret(getenv), Logger: a.Log},
		Metrics:  a.Metrics.Handler(),
		Log:      a.Log,
	})
}

func (a *App) Dispatcher() *queue.Dispatcher {
	d := queue.NewDispatcher(a.Engine, a.Log)
	d.Retry = queue.RetryPolicy{
		MaxAttempts:     a.Config.Retry.MaxAttempts,
		InitialInterval: a.Config.Retry.InitialInterval,
		MaxInterval:     a.Config.Retry.MaxInterval,
		Multiplier:      a.Config.Retry.Multiplier,
		Randomization:   a.Config.Retry.Randomization,
	}
	d.Metrics = a.Metrics
	d.Workers = a.Queue.Config.Workers
	return d
}

// RunWorker consumes tasks until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	cons, err := a.Queue.Consumer(ctx)
	if err != nil {
		return err
	}
	a.Log.Info(ctx, "worker started",
		zap.String("stream", a.Queue.Config.Stream),
		zap.Int("workers", a.Queue.Config.Workers))
	return a.Dispatcher().Run(ctx, cons)
}

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func (a *App) Serve(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	a.Log.Info(ctx, "serving api", zap.String("addr", srv.Addr), zap.String("base_path", a.Config.Server.BasePath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.NATS != nil && a.ownsNATS {
		if err := a.NATS.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return errors.Join(errs...)
}
