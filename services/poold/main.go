package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"stakepool/core/events"
	"stakepool/core/state"
	"stakepool/gateway/middleware"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
	"stakepool/native/rewardpool"
	"stakepool/observability"
	"stakepool/observability/logging"
	"stakepool/observability/metrics"
	telemetry "stakepool/observability/otel"
	"stakepool/services/poold/config"
	"stakepool/services/poold/journal"
	"stakepool/services/poold/server"
	"stakepool/storage"
)

const healthService = "stakepool.v1.Pool"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("POOL_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "poold",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
			ServiceName: "poold",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Metrics:     true,
			Traces:      true,
		}))
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	defer db.Close()

	eventJournal, err := journal.Open(cfg.Journal.DSN, logger)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer eventJournal.Close()
	hub := server.NewHub()
	eventJournal.SetNotifier(hub.Publish)
	emitter := events.MultiEmitter{eventJournal, observability.Events()}

	pool, err := buildPool(cfg, db, emitter, logger)
	if err != nil {
		log.Fatalf("configure pool: %v", err)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	api, err := server.New(server.Config{
		Engine:       pool.engine,
		Roles:        pool.roles,
		StakeLedger:  pool.stake,
		RewardLedger: pool.reward,
		Pauses:       pool.pauses,
		Journal:      eventJournal,
		Hub:          hub,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		AuthEnabled: cfg.Auth.Enabled,
		RateLimiter: middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   "poold",
			MetricsPrefix: "poold",
			LogRequests:   true,
			Enabled:       true,
		}, logger),
		AllowMint: cfg.Pool.AllowMint,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("configure api: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.CertPath == "" {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext poold mode is restricted to loopback listeners or dev environment")
		}
	}
	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(api.Handler(), "poold"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("poold http listening", "addr", cfg.ListenAddress, "tls", cfg.TLS.CertPath != "")
		var err error
		if cfg.TLS.CertPath != "" {
			err = httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = httpServer.Serve(listener)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if cfg.HealthAddress != "" {
		healthListener, err := net.Listen("tcp", cfg.HealthAddress)
		if err != nil {
			log.Fatalf("listen on %s: %v", cfg.HealthAddress, err)
		}
		go func() {
			logger.Info("poold grpc health listening", "addr", cfg.HealthAddress)
			serverErr <- grpcServer.Serve(healthListener)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing http server stop", "error", err)
		_ = httpServer.Close()
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("forcing grpc server stop")
		grpcServer.Stop()
	}
}

func openDatabase(cfg config.Config) (storage.Database, error) {
	if cfg.InMemory() {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}
	ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, err
	}
	return ldb, nil
}

type poolComponents struct {
	engine *rewardpool.Engine
	roles  *rewardpool.Roles
	stake  *bank.Ledger
	reward *bank.Ledger
	pauses *nativecommon.PauseSet
}

func buildPool(cfg config.Config, db storage.Database, emitter events.Emitter, logger *slog.Logger) (*poolComponents, error) {
	custody, owner, manager, err := cfg.Pool.Addresses()
	if err != nil {
		return nil, err
	}
	balances := state.NewBalances(db)
	stakeLedger, err := bank.NewLedger(cfg.Pool.StakeDenom, balances)
	if err != nil {
		return nil, err
	}
	rewardLedger, err := bank.NewLedger(cfg.Pool.RewardDenom, balances)
	if err != nil {
		return nil, err
	}

	roles := rewardpool.NewRoles(owner)
	if !manager.IsZero() {
		if err := roles.SetManager(owner, manager); err != nil {
			return nil, err
		}
	}
	roles.SetEmitter(emitter)

	pauses := nativecommon.NewPauseSet()
	if cfg.Pool.Paused {
		pauses.Set(rewardpool.ModuleName, true)
	}

	engine := rewardpool.NewEngine(custody, stakeLedger.Custody(custody), rewardLedger.Custody(custody), roles)
	engine.SetLogger(logger)
	engine.SetMetrics(metrics.RewardPool())
	engine.SetPauses(pauses)
	if err := engine.Restore(state.NewPoolStore(db)); err != nil {
		return nil, err
	}
	engine.SetEmitter(emitter)
	if reduce := cfg.Pool.ReduceRate; reduce != 0 && engine.RoundSnapshot().RewardReduceRate != reduce {
		if err := engine.SetRewardReduceRate(owner, reduce); err != nil {
			return nil, err
		}
	}
	snapshot := engine.RoundSnapshot()
	logger.Info("rewardpool restored",
		"custody", custody.String(),
		"stake_denom", stakeLedger.Denom(),
		"reward_denom", rewardLedger.Denom(),
		"participants", snapshot.Participants,
		"open", snapshot.IsOpen)
	return &poolComponents{
		engine: engine,
		roles:  roles,
		stake:  stakeLedger,
		reward: rewardLedger,
		pauses: pauses,
	}, nil
}
