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

	"github.com/hibiken/asynq"

	"github.com/casegate/casegate/cmd/casegate/cli"
	"github.com/casegate/casegate/internal/app"
	"github.com/casegate/casegate/internal/consent"
	"github.com/casegate/casegate/internal/observability"
	"github.com/casegate/casegate/internal/platform/cache"
	"github.com/casegate/casegate/internal/platform/db"
	"github.com/casegate/casegate/internal/shared"
	"github.com/casegate/casegate/jobs"
)

const usage = `usage: casegate [command]

commands:
  serve                      run the HTTP API (default)
  resync [--actor A] [--json] SUBJECT...
                             converge managed grants of the given subjects
  expired [--limit N] [--resync] [--json]
                             report subjects with lapsed consent and live grants
  jobs stats|scheduled|trigger|resync [flags]
                             inspect or enqueue background jobs`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	switch command {
	case "serve":
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "resync", "expired":
		os.Exit(runConsentCommand(ctx, cfg, logger, command, args))
	case "jobs":
		os.Exit(runJobsCommand(ctx, cfg, args))
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", command, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnMaxAge})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	consentService := app.NewConsentService(cfg, pool, redisClient, metrics, logger)
	consentHandler := consent.NewHandler(logger, consentService, cfg.APIRateLimit).
		WithIdempotency(shared.NewIdempotencyStore(pool).WithLease(cfg.IdempotencyLease))

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		ConsentHandler: consentHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Readiness: map[string]app.ReadinessCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("consent_kind", consentService.Kind()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func runConsentCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) int {
	var (
		resyncOpts  cli.ResyncOptions
		expiredOpts cli.ExpiredOptions
		err         error
	)
	if command == "resync" {
		resyncOpts, err = cli.ParseResyncFlags(args)
	} else {
		expiredOpts, err = cli.ParseExpiredFlags(args)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		return 1
	}
	defer pool.Close()

	// The directory degrades to uncached reads when Redis is unavailable.
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, reading directory uncached", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() { _ = redisClient.Close() }()
	}

	ops, err := cli.NewConsentOpsCLI(app.NewConsentService(cfg, pool, redisClient, nil, logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		return 1
	}
	if command == "resync" {
		return ops.ResyncCommand(ctx, resyncOpts)
	}
	return ops.ExpiredCommand(ctx, expiredOpts)
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	opts, err := cli.ParseJobsFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.AsynqRedis())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()
	return jobsCLI.Command(ctx, opts)
}
