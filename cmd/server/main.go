// Command postbox-server runs the store-and-forward relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/postbox/internal/config"
	"github.com/and161185/postbox/internal/limiter"
	"github.com/and161185/postbox/internal/migrate"
	"github.com/and161185/postbox/internal/repository"
	"github.com/and161185/postbox/internal/repository/memory"
	"github.com/and161185/postbox/internal/repository/postgres"
	redisbox "github.com/and161185/postbox/internal/repository/redis"
	"github.com/and161185/postbox/internal/repository/sqlite"
	"github.com/and161185/postbox/internal/server/health"
	"github.com/and161185/postbox/internal/server/relay"
	"github.com/and161185/postbox/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const healthInterval = 10 * time.Second

// backend is what main needs from the selected storage.
type backend struct {
	store   repository.Store
	lim     limiter.Limiter
	probes  map[string]repository.Pinger
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// main loads configuration, opens storage and serves until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
		zap.String("mailbox", cfg.Mailbox),
	)
	if cfg.PortNote != "" {
		logger.Warn("port file", zap.String("note", cfg.PortNote))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	defer be.close()

	svc := service.NewRelayService(be.store.Directory, be.store.Mailbox, be.lim)
	dispatch := relay.NewDispatcher(relay.NewHandlers(svc).Routes(),
		relay.Recover(logger),
		relay.Logging(logger),
		relay.Metrics(),
	)
	srv := relay.NewServer(dispatch, logger)
	srv.IdleTimeout = cfg.IdleTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxPayload = cfg.MaxPayload

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", lis.Addr().String()))
		return srv.Serve(gctx, lis)
	})

	if cfg.HealthAddr != "" {
		hsrv, hs := health.NewServer(logger, cfg.Dev)
		hlis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			logger.Fatal("health listen", zap.Error(err))
		}
		g.Go(func() error {
			health.Watch(gctx, hs, healthInterval, be.probes, logger)
			return nil
		})
		g.Go(func() error { return hsrv.Serve(hlis) })
		g.Go(func() error {
			<-gctx.Done()
			hsrv.GracefulStop()
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := msrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return msrv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		be.close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openBackend selects the directory/mailbox implementation and the limiter.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	be := &backend{probes: map[string]repository.Pinger{}}
	memLimiter := limiter.NewMemoryOrNop(cfg.LimitWindow, cfg.LimitMaxFails, cfg.LimitBlockFor)

	switch cfg.Store {
	case config.StoreMemory:
		m := memory.New()
		be.store = repository.Store{Directory: m, Mailbox: m}
		be.lim = memLimiter

	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, closeWith(log, "sqlite", s))
		be.store = repository.Store{Directory: s, Mailbox: s}
		be.probes["sqlite"] = s
		be.lim = memLimiter

	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres.New: %w", err)
		}
		be.closers = append(be.closers, db.Close)
		be.store = repository.Store{Directory: postgres.NewIdentityRepo(db), Mailbox: postgres.NewMailboxRepo(db)}
		be.probes["postgres"] = db
		be.lim = limiter.Nop{}
		if cfg.LimitMaxFails > 0 {
			be.lim = limiter.NewPG(db.Pool, cfg.LimitWindow, cfg.LimitMaxFails, cfg.LimitBlockFor)
		}
	}

	if cfg.Mailbox == config.MailboxRedis {
		rb, err := redisbox.New(ctx, cfg.RedisURL)
		if err != nil {
			be.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		be.closers = append(be.closers, closeWith(log, "redis", rb))
		be.store.Mailbox = rb
		be.probes["redis"] = rb
	}
	return be, nil
}

func closeWith(log *zap.Logger, name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("close", zap.String("backend", name), zap.Error(err))
		}
	}
}
