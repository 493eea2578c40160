package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"recordkeeper/internal/ratelimit"
	"recordkeeper/internal/util"
	"recordkeeper/pkg/auth"
	"recordkeeper/pkg/metrics"
	"recordkeeper/pkg/queue"
	"recordkeeper/pkg/snapshot"
	"recordkeeper/pkg/storage"
	"recordkeeper/pkg/store"
	"recordkeeper/services/records/internal/app"
	"recordkeeper/services/records/internal/config"
	"recordkeeper/services/records/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "records", cfg.LogsDir)
	defer cleanup()

	dataStore, err := openStore(cfg)
	if err != nil {
		util.Fatal("failed to init store", "backend", cfg.StoreBackend, "err", err)
	}
	if c, ok := dataStore.(io.Closer); ok {
		defer c.Close()
	}

	snapshots, err := openSnapshots(context.Background(), cfg)
	if err != nil {
		util.Fatal("failed to init snapshot backend", "backend", cfg.SnapshotBackend, "err", err)
	}

	dispatcher, err := openDispatcher(cfg)
	if err != nil {
		util.Fatal("failed to init notification dispatcher", "backend", cfg.NotifyBackend, "err", err)
	}

	authorizer, closeAuth, err := openAuthorizer(cfg)
	if err != nil {
		util.Fatal("failed to init authorizer", "mode", cfg.AuthMode, "err", err)
	}
	defer closeAuth()

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "records:ratelimit", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		defer l.Close()
		limiter = l
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	recorder := metrics.NewRecorder()
	appCore, err := app.New(app.Config{
		Store:     dataStore,
		Snapshots: snapshots,
		Notifier:  dispatcher,
		Metrics:   recorder,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := appCore.LoadDepartments(ctx); err != nil {
		util.Fatal("failed to load departments", "err", err)
	} else if n > 0 {
		logger.Info("departments restored", "count", n)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Authorizer:     authorizer,
		Metrics:        recorder,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		util.Fatal("failed to listen", "addr", addr, "err", err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mailer := queue.SimulatedMailer{Delay: time.Duration(cfg.NotifyDelaySeconds) * time.Second, Logger: logger}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx, recorder.Deliverer(mailer))
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		slog.Info("records server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	if err := dispatcher.Close(); err != nil {
		logger.Warn("close dispatcher", "err", err)
	}
	logger.Info("records server stopped")
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return store.NewGormStore(cfg.DatabaseURL)
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openSnapshots(ctx context.Context, cfg config.FileConfig) (snapshot.Backend, error) {
	if cfg.SnapshotBackend == "minio" {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		return snapshot.NewObjectBackend(objects, cfg.SnapshotKey)
	}
	return snapshot.NewFileBackend(cfg.SnapshotPath)
}

func openDispatcher(cfg config.FileConfig) (queue.Dispatcher, error) {
	switch cfg.NotifyBackend {
	case "redis":
		return queue.NewRedisDispatcher(queue.RedisDispatcherConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			Concurrency: cfg.NotifyWorkers,
		})
	case "amqp":
		return queue.NewAMQPDispatcher(queue.AMQPDispatcherConfig{URL: cfg.AMQPURL, Prefetch: cfg.NotifyWorkers})
	default:
		return queue.NewMemoryDispatcher(queue.MemoryDispatcherConfig{
			QueueSize: cfg.NotifyQueueSize,
			Workers:   cfg.NotifyWorkers,
		}), nil
	}
}

func openAuthorizer(cfg config.FileConfig) (auth.Authorizer, func(), error) {
	noop := func() {}
	switch cfg.AuthMode {
	case "basic":
		users, err := auth.NewStaticUsers(cfg.AuthUsers)
		return users, noop, err
	case "jwt":
		// Revocations are shared through Redis when it is configured.
		var revoker auth.Revoker = auth.NewMemoryRevoker()
		closeFn := noop
		if cfg.RedisAddr != "" {
			r := auth.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword)
			revoker = r
			closeFn = func() { _ = r.Close() }
		}
		a, err := auth.NewJWTAuthorizer(auth.JWTConfig{Secret: cfg.JWTSecret, Revoker: revoker})
		return a, closeFn, err
	default:
		return auth.AllowAll{}, noop, nil
	}
}
