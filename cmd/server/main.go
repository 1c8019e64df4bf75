// Command offline-server starts the offline message store with its admin gRPC API.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/offline-keeper/internal/config"
	"github.com/and161185/offline-keeper/internal/expiry"
	"github.com/and161185/offline-keeper/internal/identity"
	"github.com/and161185/offline-keeper/internal/metrics"
	"github.com/and161185/offline-keeper/internal/migrate"
	"github.com/and161185/offline-keeper/internal/notify"
	"github.com/and161185/offline-keeper/internal/quota"
	"github.com/and161185/offline-keeper/internal/rehash"
	"github.com/and161185/offline-keeper/internal/repository"
	"github.com/and161185/offline-keeper/internal/repository/memory"
	"github.com/and161185/offline-keeper/internal/repository/postgres"
	grpcserver "github.com/and161185/offline-keeper/internal/server/grpc"
	"github.com/and161185/offline-keeper/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// storeRepo is what the server needs from a storage engine.
type storeRepo interface {
	repository.MessageRepository
	rehash.Store
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

// main loads configuration, opens storage and serves until SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (env OFFLINE_* overrides it)")
	rehashFrom := flag.String("rehash-from", "", "rehash stored identities from this rule to identity.rule before serving")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *rehashFrom, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, rehashFrom string, logger *zap.Logger) error {
	rule, err := identity.ParseRule(cfg.Identity.Rule)
	if err != nil {
		return err
	}
	hasher, err := identity.NewHasher(cfg.Identity.Algorithm, rule)
	if err != nil {
		return err
	}

	// quota overrides and the service must follow the same rule after a Migrate
	current := identity.NewCurrent(hasher)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	// Storage
	var (
		repo   storeRepo
		limits quota.LimitProvider = quota.Static(cfg.Quota.Default)
	)
	if cfg.Database.DSN != "" {
		if cfg.Database.MigrateOnStart {
			ver, err := migrate.Up(ctx, cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			logger.Info("schema ready", zap.Int64("version", ver))
		}
		db, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = postgres.NewMessageRepo(db)
		limits = quota.NewPGWithQuerier(db.Pool, current, cfg.Quota.Default)
	} else {
		logger.Warn("no database.dsn, messages are kept in memory only")
		repo = memory.NewMessageRepo(nil)
	}

	// Expiry tracking
	cache := expiry.New(repo, expiry.Config{
		MaxSize:       cfg.Expiry.MaxSize,
		LoadFactor:    cfg.Expiry.LoadFactor,
		DriftFactor:   cfg.Expiry.DriftFactor,
		PollInterval:  cfg.Expiry.PollInterval,
		TakenTTL:      cfg.Expiry.TakenTTL,
		RetryAttempts: cfg.Expiry.RetryAttempts,
		RetryBase:     cfg.Expiry.RetryBase,
	}, expiry.WithLogger(logger.Named("expiry")), expiry.WithMetrics(met))
	defer cache.Close()

	var notifier notify.Notifier = notify.NewLog(logger.Named("notify"))
	if cfg.Notify.NatsURL != "" {
		nc, err := notify.Connect(cfg.Notify.NatsURL, "offline-server", logger.Named("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = notify.NewNATS(nc, cfg.Notify.Subject)
	}

	svc := service.NewMessageService(repo, hasher, limits, cache, service.Options{
		Strict:    cfg.Quota.Strict,
		BatchSize: cfg.Database.BatchSize,
		Migrator:  rehash.New(repo, hasher, cfg.Database.BatchSize, logger.Named("rehash")),
		Logger:    logger.Named("service"),
		Metrics:   met,
		Hashers:   current,
	})

	if rehashFrom != "" {
		from, err := identity.ParseRule(rehashFrom)
		if err != nil {
			return err
		}
		st, err := svc.Migrate(ctx, from, rule)
		if err != nil {
			return err
		}
		logger.Info("rehash done",
			zap.Int("scanned", st.Scanned),
			zap.Int("updated", st.Updated),
			zap.Int("foreign", st.Foreign),
		)
	}

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger, met),
			grpcserver.AuthUnary([]byte(cfg.Server.AdminKey), logger),
			grpcserver.ObserveUnary(logger, met),
		),
	}
	if cfg.Server.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled, admin API is plaintext")
	}
	s := grpc.NewServer(opts...)
	grpcserver.New(svc, logger.Named("grpc")).Register(s)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Server.Reflection {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", cfg.Server.TLSCert != ""))
		return s.Serve(lis)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Expiry.Reaper {
		g.Go(func() error {
			return expiry.NewReaper(cache, repo, notifier, logger.Named("reaper"), met).Run(gctx)
		})
	}
	if cfg.Expiry.SweepInterval > 0 {
		g.Go(func() error {
			return expiry.NewSweeper(repo, cfg.Expiry.SweepInterval, cfg.Expiry.SweepGrace, logger.Named("sweeper"), met).Run(gctx)
		})
	}

	// Wait for stop
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		cache.Close()

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.StopTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)

		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutCtx.Done():
			s.Stop()
		}
		return nil
	})

	return g.Wait()
}
