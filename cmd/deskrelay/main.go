package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	drhttp "github.com/Strob0t/DeskRelay/internal/adapter/http"
	drjwt "github.com/Strob0t/DeskRelay/internal/adapter/jwt"
	drnats "github.com/Strob0t/DeskRelay/internal/adapter/nats"
	"github.com/Strob0t/DeskRelay/internal/adapter/natskv"
	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/adapter/postgres"
	"github.com/Strob0t/DeskRelay/internal/adapter/ristretto"
	"github.com/Strob0t/DeskRelay/internal/adapter/tiered"
	"github.com/Strob0t/DeskRelay/internal/adapter/ws"
	"github.com/Strob0t/DeskRelay/internal/config"
	"github.com/Strob0t/DeskRelay/internal/logger"
	"github.com/Strob0t/DeskRelay/internal/middleware"
	"github.com/Strob0t/DeskRelay/internal/port/broadcast"
	"github.com/Strob0t/DeskRelay/internal/port/cache"
	"github.com/Strob0t/DeskRelay/internal/resilience"
	"github.com/Strob0t/DeskRelay/internal/secrets"
	"github.com/Strob0t/DeskRelay/internal/service"
)

const (
	limiterCleanupInterval = time.Minute
	limiterMaxIdle         = 10 * time.Minute
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"file", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOtel, err := drotel.Setup(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := drotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL read model
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if cfg.Postgres.AutoMigrate {
		n, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied", "count", n)
	}
	store := postgres.NewStore(pool)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		slog.Warn("store circuit breaker", "from", from, "to", to)
		metrics.BreakerTransitions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("state", string(to))))
	})

	// NATS (optional)
	var queue *drnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = drnats.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		slog.Info("nats connected", "stream", cfg.NATS.Stream)
	}

	// Snapshot cache: ristretto L1, NATS KV L2
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	var l2 cache.Cache
	if queue != nil {
		kv, err := natskv.Open(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.TTL)
		if err != nil {
			slog.Warn("l2 cache unavailable, continuing with l1 only", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			l2 = kv
		}
	}
	snapshots := tiered.New(l1, l2, cfg.Cache.TTL)

	// Signing secret, reloaded from the config layers on SIGHUP
	vault, err := secrets.NewVault(secrets.ConfigLoader(cfgPath))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	vault.WatchSignals(ctx, syscall.SIGHUP)

	// --- Services ---

	registry := service.NewRegistry()
	router := service.NewRouter(metrics)
	lifecycle := service.NewLifecycle(registry, router, metrics)
	auth := service.NewAuthenticator(drjwt.NewWithSecret(cfg.Auth, vault.Source(secrets.JWTSecret)), router, metrics)
	queries := service.NewQueries(store, breaker, snapshots, cfg.Cache.TTL, metrics)
	frameLimiter := resilience.NewLimiter(cfg.Rate.FramesPerSecond, cfg.Rate.Burst)
	gateway := service.NewGateway(registry, router, lifecycle, auth, queries, frameLimiter, metrics)

	dispatcher := service.NewDispatcher(router, cfg.Gateway.DispatchBuffer, metrics)
	dispatcher.OnDispatch(queries.Invalidate)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	var publisher broadcast.Publisher = dispatcher
	checks := map[string]drhttp.ReadinessCheck{"postgres": store.Ping}

	if queue != nil {
		cancelIngest, err := service.NewIngest(queue, dispatcher, metrics).Start(ctx)
		if err != nil {
			return fmt.Errorf("event subscriber: %w", err)
		}
		defer cancelIngest()

		publisher = service.NewQueuePublisher(queue)
		checks["nats"] = func(context.Context) error {
			if !queue.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	// --- HTTP ---

	hub := ws.NewHub(gateway, ws.OptionsFrom(cfg.Gateway))

	httpLimiter := resilience.NewLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.RequestBurst)
	stopCleanup := middleware.StartCleanup(httpLimiter, limiterCleanupInterval, limiterMaxIdle)
	defer stopCleanup()

	handlers := &drhttp.Handlers{
		Gateway:     gateway,
		Publisher:   publisher,
		Checks:      checks,
		BodyLimit:   cfg.Gateway.MaxMessageBytes,
		Connections: hub.ConnectionCount,
	}
	r := drhttp.NewRouter(handlers, hub.HandleWS, drhttp.RouterOptions{
		CORSOrigin:    cfg.Server.CORSOrigin,
		IngestKeyHash: cfg.Server.IngestKeyHash,
		Limiter:       httpLimiter,
	})
	if cfg.Server.IngestKeyHash == "" {
		slog.Info("http event ingest disabled, no ingest key hash configured")
	}

	addr := ":" + cfg.Server.Port

	// No read or write timeout: WebSocket sessions are long-lived.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if hubErr := hub.Shutdown(shutdownCtx); hubErr != nil {
			slog.Warn("websocket shutdown", "error", hubErr)
		}
		if queue != nil {
			if drainErr := queue.Drain(); drainErr != nil {
				slog.Warn("nats drain", "error", drainErr)
			}
		}
		dispatcher.Close()
		return err
	})

	return g.Wait()
}
