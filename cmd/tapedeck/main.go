package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tapedeck/internal/auth"
	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/config"
	"github.com/ashita-ai/tapedeck/internal/hub"
	"github.com/ashita-ai/tapedeck/internal/input"
	"github.com/ashita-ai/tapedeck/internal/mcp"
	"github.com/ashita-ai/tapedeck/internal/poller"
	"github.com/ashita-ai/tapedeck/internal/ratelimit"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/replay"
	"github.com/ashita-ai/tapedeck/internal/server"
	"github.com/ashita-ai/tapedeck/internal/service"
	"github.com/ashita-ai/tapedeck/internal/storage"
	"github.com/ashita-ai/tapedeck/internal/storage/postgres"
	"github.com/ashita-ai/tapedeck/internal/storage/sqlite"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
	"github.com/ashita-ai/tapedeck/internal/transport"
	"github.com/ashita-ai/tapedeck/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TAPEDECK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tapedeck starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the session store.
	store, pg, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close(context.Background()) }()
	}

	// Recording buffer with optional WAL. Events the previous process logged
	// but never flushed are replayed into the store before anything new.
	var recorder *recording.Recorder
	if store != nil {
		wal, err := recording.NewWAL(logger, recording.WALConfig{
			Dir:      cfg.WALDir,
			SyncMode: cfg.WALSyncMode,
		})
		if err != nil {
			return fmt.Errorf("wal: %w", err)
		}
		if wal != nil {
			defer func() { _ = wal.Close() }()
		}

		recorder = recording.NewRecorder(store, wal, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)
		if n, err := recorder.Recover(ctx); err != nil {
			logger.Warn("wal recovery failed", "error", err)
		} else if n > 0 {
			logger.Info("wal recovery complete", "count", n)
		}
		if err := recorder.Start(ctx); err != nil {
			return fmt.Errorf("recording: %w", err)
		}
	} else {
		logger.Info("recording storage: disabled")
	}

	// Event pipeline.
	clk := clock.Monotonic{}
	h := hub.New(clk, logger, hub.WithSettleThreshold(cfg.SettleThreshold))
	h.RegisterMetrics()

	broker := server.NewBroker(brokerNotifier(pg), postgres.ChannelSessions, logger)

	opts := []service.Option{
		service.WithProducer(func() (poller.Producer, error) {
			p, err := input.OpenProducer(input.ProducerConfig{
				Dir:     cfg.InputDir,
				Devices: cfg.InputDevices,
				Watch:   cfg.InputWatch,
				Buffer:  cfg.SampleRingSize,
			}, clk, logger)
			if err != nil {
				return nil, err
			}
			return p, nil
		}),
		service.WithTarget(func() (replay.Target, error) {
			return input.NewTarget(cfg.InputDir, logger), nil
		}),
		service.WithObservers(service.LogObserver(logger), service.MetricsObserver(), broker),
	}
	if recorder != nil {
		opts = append(opts, service.WithRecorder(recorder))
	}
	svc := service.New(h, service.Config{
		DrainInterval:   cfg.DrainInterval,
		ChunkInterval:   cfg.ChunkInterval,
		RingSize:        cfg.SampleRingSize,
		JoinTimeout:     cfg.JoinTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
	}, logger, opts...)

	// Controller channel and its prometheus metrics.
	metrics := transport.NewMetrics()
	controller := transport.NewServer(svc, metrics, logger, transport.Config{})

	// Controller authentication.
	var jwtMgr *auth.JWTManager
	var keys *auth.KeyVerifier
	if cfg.AuthDisabled {
		logger.Warn("auth: disabled; every endpoint is open")
	} else {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		keys, err = auth.NewKeyVerifier(cfg.ControllerAPIKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(svc, store, logger, version)

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Logger:              logger,
		Store:               store,
		StoreKind:           cfg.Store,
		Recorder:            recorder,
		JWTMgr:              jwtMgr,
		Keys:                keys,
		Limiter:             limiter,
		Broker:              broker,
		Controller:          controller,
		Metrics:             metrics,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	// The service delivers the initial Idle state, then ends any active
	// session once gctx is done.
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("tapedeck shutting down")

		// Hijacked websocket connections are not drained by http.Server.
		if err := controller.Close(); err != nil {
			slog.Warn("controller close error", "error", err)
		}
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Flush whatever the final session teardown buffered.
	if recorder != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		recorder.Drain(drainCtx)
		drainCancel()
	}

	slog.Info("tapedeck stopped")
	return runErr
}

// openStore opens the configured session store. pg is set only for the
// postgres backend. Both are nil when storage is disabled.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *postgres.DB, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return db, nil, nil

	case config.StorePostgres:
		db, err := postgres.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		// RunMigrations tracks applied files and skips duplicates, so an
		// error here is a real failure.
		if err := db.RunMigrations(ctx, migrations.Postgres()); err != nil {
			_ = db.Close(ctx)
			return nil, nil, fmt.Errorf("storage: migrations: %w", err)
		}
		logger.Info("storage: postgres")
		return db, db, nil

	default:
		return nil, nil, nil
	}
}

// brokerNotifier returns the session-completed feed for the SSE broker, or
// nil when the store cannot LISTEN.
func brokerNotifier(pg *postgres.DB) server.Notifier {
	if pg == nil || !pg.HasNotifyConn() {
		return nil
	}
	return pg
}
