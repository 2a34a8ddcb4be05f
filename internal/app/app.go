// Package app wires configuration, infrastructure and HTTP surfaces for the
// three service modes: scheduler, consumer and signer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/auth"
	"github.com/forge-os/forgeos/internal/config"
	"github.com/forge-os/forgeos/internal/httpserver"
	"github.com/forge-os/forgeos/internal/platform"
	"github.com/forge-os/forgeos/internal/telemetry"
	"github.com/forge-os/forgeos/internal/version"
	"github.com/forge-os/forgeos/pkg/consumer"
	"github.com/forge-os/forgeos/pkg/market"
	"github.com/forge-os/forgeos/pkg/scheduler"
	"github.com/forge-os/forgeos/pkg/signer"
)

// Run is the main application entry point.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting forgeos",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"version", version.Version,
	)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "scheduler":
		return runScheduler(ctx, cfg, logger, metricsReg)
	case "consumer":
		return runConsumer(ctx, cfg, logger, metricsReg)
	case "signer":
		return runSigner(ctx, cfg, logger, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// instanceID identifies this replica in leases, locks and callback headers.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "forgeos"
	}
	return host + "-" + uuid.New().String()[:8]
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry) error {
	sc := cfg.Scheduler
	instance := instanceID()

	var rdb *redis.Client
	if sc.RedisURL != "" {
		var err error
		rdb, err = platform.NewRedisClient(ctx, sc.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
	} else {
		logger.Warn("no redis configured, using the in-memory single-replica store")
	}

	execLeaseTTL := time.Duration(sc.ExecLeaseTTLMs) * time.Millisecond
	idemLeaseTTL := 2 * time.Duration(sc.CallbackTimeoutMs) * time.Millisecond
	idemDoneTTL := time.Duration(sc.CallbackIdempotencyTTLMs) * time.Millisecond

	var (
		registry scheduler.Registry
		schedule scheduler.ScheduleIndex
		queue    scheduler.Queue
		leader   scheduler.LeaderLock
		deduper  scheduler.CallbackDeduper
	)
	if rdb != nil {
		redisRegistry := scheduler.NewRedisRegistry(rdb, sc.RedisPrefix, instance, logger)
		registry = redisRegistry
		schedule = redisRegistry
		if sc.AuthoritativeQueue {
			queue = scheduler.NewRedisQueue(rdb, sc.RedisPrefix, sc.MaxQueue, execLeaseTTL, instance, logger)
		} else {
			// Registry and leases stay shared; the execution queue itself is
			// replica-local. Tasks do not survive a restart in this mode.
			logger.Warn("redis authoritative queue disabled, using a local execution queue")
			queue = scheduler.NewMemoryStore(sc.MaxQueue, execLeaseTTL)
		}
		leader = scheduler.NewRedisLeaderLock(rdb, sc.RedisPrefix, instance,
			time.Duration(sc.LeaderLockTTLMs)*time.Millisecond,
			time.Duration(sc.RenewIntervalMs())*time.Millisecond,
			logger)
		deduper = scheduler.NewRedisCallbackDeduper(rdb, sc.RedisPrefix, idemLeaseTTL, idemDoneTTL, logger)
	} else {
		mem := scheduler.NewMemoryStore(sc.MaxQueue, execLeaseTTL)
		registry = mem
		schedule = mem
		queue = mem
		leader = scheduler.MemoryLeaderLock{}
		deduper = scheduler.NewMemoryCallbackDeduper(mem, idemLeaseTTL, idemDoneTTL)
	}

	kasClient := market.NewClient(sc.KasAPIBase, time.Duration(sc.KasAPITimeoutMs)*time.Millisecond)
	snapshots := market.NewSnapshotService(kasClient,
		time.Duration(sc.MarketCacheTTLMs)*time.Millisecond,
		time.Duration(sc.BalanceCacheTTLMs)*time.Millisecond)

	dispatcher := scheduler.NewDispatcher(queue, registry, schedule, deduper, snapshots, leader,
		time.Duration(sc.CallbackTimeoutMs)*time.Millisecond,
		sc.CycleConcurrency, instance, logger)

	svc := scheduler.NewService(sc, registry, schedule, queue, leader, dispatcher, rdb, instance, logger)

	authenticator, err := auth.NewAuthenticator(sc.Auth, logger)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}
	quota := auth.NewQuotaLimiter(rdb, sc.RedisPrefix, sc.Quota, logger)

	var authMw func(http.Handler) http.Handler
	if authenticator.Configured() {
		authMw = auth.Middleware(authenticator, quota, sc.Auth.AuthReads, logger)
	} else {
		logger.Warn("no auth methods configured, control plane is open")
	}

	srv := httpserver.NewServer(httpserver.Options{
		AllowedOrigins: sc.AllowedOrigins,
		Logger:         logger,
		Metrics:        metricsReg,
		Auth:           authMw,
		Health: func(w http.ResponseWriter, r *http.Request) {
			status := svc.Status(r.Context())
			status["ok"] = true
			httpserver.Respond(w, http.StatusOK, status)
		},
	})
	srv.Router.Mount("/v1", scheduler.NewHandler(svc, logger).Routes())

	// The run context governs the tick and leader loops; cancelling it stops
	// timers and releases leadership before infrastructure closes.
	runCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go svc.Run(runCtx)

	err = serve(ctx, cfg, logger, srv.Router, func(shutdownCtx context.Context) {
		stopLoops()
		svc.Shutdown(shutdownCtx)
		if rdb != nil {
			if cerr := rdb.Close(); cerr != nil {
				logger.Error("closing redis", "error", cerr)
			}
		}
	})
	return err
}

func runConsumer(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry) error {
	cc := cfg.Consumer

	var rdb *redis.Client
	if cc.RedisURL != "" {
		var err error
		rdb, err = platform.NewRedisClient(ctx, cc.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
	}

	var pool *pgxpool.Pool
	if cc.DatabaseURL != "" {
		var err error
		pool, err = platform.NewPostgresPool(ctx, cc.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		logger.Info("receipt archive enabled")
	}

	receipts, err := consumer.NewReceiptStore(rdb, pool, cc.RedisPrefix, cc.ReceiptLRUCap,
		time.Duration(cc.ReceiptTTLMs)*time.Millisecond, logger)
	if err != nil {
		return err
	}
	if err := receipts.EnsureSchema(ctx); err != nil {
		return err
	}

	svc := consumer.NewService(rdb, cc.RedisPrefix,
		time.Duration(cc.DedupeTTLMs)*time.Millisecond, cc.EventsCap, receipts, logger)

	authenticator, err := auth.NewAuthenticator(config.AuthConfig{
		AdminTokens: cc.AdminTokens,
		AuthReads:   cc.AuthReads,
	}, logger)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}
	var mw func(http.Handler) http.Handler
	if len(cc.AdminTokens) > 0 {
		mw = auth.Middleware(authenticator, nil, cc.AuthReads, logger)
	}

	srv := httpserver.NewServer(httpserver.Options{
		AllowedOrigins: cc.AllowedOrigins,
		Logger:         logger,
		Metrics:        metricsReg,
		Auth:           mw,
		Health: func(w http.ResponseWriter, r *http.Request) {
			httpserver.Respond(w, http.StatusOK, map[string]any{
				"ok": true, "redis": svc.Healthy(r.Context()),
			})
		},
	})
	srv.Router.Mount("/v1", consumer.NewHandler(svc, logger).Routes())

	return serve(ctx, cfg, logger, srv.Router, func(context.Context) {
		if rdb != nil {
			_ = rdb.Close()
		}
		if pool != nil {
			pool.Close()
		}
	})
}

func runSigner(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry) error {
	sc := cfg.Signer

	var backend signer.Signer
	switch {
	case sc.Command != "":
		backend = signer.NewCommandSigner(sc.Command,
			time.Duration(sc.CommandTimeoutMs)*time.Millisecond, sc.KeyID)
		logger.Info("audit signer using external command")
	case sc.PrivateKeyPEM != "" || sc.PrivateKeyPath != "":
		local, err := signer.NewLocalSignerFromConfig(sc.PrivateKeyPEM, sc.PrivateKeyPath, sc.KeyID)
		if err != nil {
			return fmt.Errorf("loading signing key: %w", err)
		}
		backend = local
		logger.Info("audit signer using local key", "key_id", sc.KeyID)
	default:
		logger.Warn("no signing backend configured; /v1/audit-sign will refuse")
	}

	var chain *signer.ChainLog
	if sc.AppendLogPath != "" {
		chain = signer.NewChainLog(sc.AppendLogPath)
		logger.Info("audit append log enabled", "path", sc.AppendLogPath)
	}

	authenticator, err := auth.NewAuthenticator(config.AuthConfig{
		AdminTokens: sc.AdminTokens,
		AuthReads:   sc.AuthReads,
	}, logger)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}
	var mw func(http.Handler) http.Handler
	if len(sc.AdminTokens) > 0 {
		mw = auth.Middleware(authenticator, nil, sc.AuthReads, logger)
	}

	srv := httpserver.NewServer(httpserver.Options{
		AllowedOrigins: sc.AllowedOrigins,
		Logger:         logger,
		Metrics:        metricsReg,
		Auth:           mw,
	})
	srv.Router.Mount("/v1", signer.NewHandler(backend, chain, logger).Routes())

	return serve(ctx, cfg, logger, srv.Router, nil)
}

// serve runs the HTTP server until ctx is cancelled, then tears down in
// order: stop background loops (cleanup callback), close infrastructure,
// close the listener.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, handler http.Handler, cleanup func(context.Context)) error {
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cleanup != nil {
		cleanup(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
