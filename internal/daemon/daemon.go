// Package daemon assembles creditd: store, notifier, gRPC and HTTP transports.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	creditv1 "github.com/MarkoPoloResearchLab/creditgate/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditgate/internal/catalog"
	"github.com/MarkoPoloResearchLab/creditgate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditgate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditgate/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditgate/internal/notify/natsbus"
	"github.com/MarkoPoloResearchLab/creditgate/internal/notify/redisbus"
	"github.com/MarkoPoloResearchLab/creditgate/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
)

// Daemon owns every long-lived component of creditd.
type Daemon struct {
	cfg        Config
	logger     *zap.Logger
	service    *ledger.Service
	hub        *notify.Hub
	collector  *metrics.Collector
	grpcServer *grpc.Server
	httpServer *http.Server
	closers    []func() error
}

// New opens the store and the notification bus and builds both transports.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	daemon := &Daemon{cfg: cfg, logger: logger, collector: metrics.NewCollector()}

	store, err := daemon.openStore(ctx)
	if err != nil {
		_ = daemon.Close()
		return nil, err
	}

	hubOptions := []notify.HubOption{
		notify.WithLogger(logger),
		notify.WithDeliveryObserver(daemon.collector),
	}
	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		_ = daemon.Close()
		return nil, err
	}
	if bus != nil {
		hubOptions = append(hubOptions, notify.WithBus(bus))
	}
	daemon.hub = notify.NewHub(hubOptions...)

	clock := func() int64 { return time.Now().UTC().Unix() }
	daemon.service, err = ledger.NewService(store, clock,
		ledger.WithOperationLogger(oplog.New(logger)),
		ledger.WithOperationLogger(daemon.collector),
		ledger.WithPublisher(daemon.hub),
		ledger.WithRetryBudget(cfg.PurchaseRetries),
		ledger.WithRetryBackoff(cfg.RetryBackoff),
	)
	if err != nil {
		_ = daemon.Close()
		return nil, fmt.Errorf("credit service init: %w", err)
	}

	daemon.grpcServer = grpc.NewServer()
	creditv1.RegisterCreditServiceServer(daemon.grpcServer, grpcserver.NewCreditServiceServer(daemon.service, daemon.hub, logger))

	if cfg.HTTPListenAddr != "" {
		if err := daemon.buildHTTPServer(); err != nil {
			_ = daemon.Close()
			return nil, err
		}
	}
	return daemon, nil
}

// Service exposes the ledger service, mainly for tests and tooling.
func (daemon *Daemon) Service() *ledger.Service {
	return daemon.service
}

// Run listens on the configured addresses and serves until ctx ends.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	daemon, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := daemon.Close(); closeErr != nil {
			daemon.logger.Warn("daemon close failed", zap.Error(closeErr))
		}
	}()

	var grpcListener, httpListener net.Listener
	if daemon.cfg.GRPCListenAddr != "" {
		grpcListener, err = net.Listen("tcp", daemon.cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}
	if daemon.httpServer != nil {
		httpListener, err = net.Listen("tcp", daemon.cfg.HTTPListenAddr)
		if err != nil {
			if grpcListener != nil {
				_ = grpcListener.Close()
			}
			return fmt.Errorf("http listen: %w", err)
		}
	}
	return daemon.Serve(ctx, grpcListener, httpListener)
}

// Serve runs the transports on the given listeners until ctx ends or one of them fails.
// A nil listener leaves that transport off.
func (daemon *Daemon) Serve(ctx context.Context, grpcListener net.Listener, httpListener net.Listener) error {
	group, groupCtx := errgroup.WithContext(ctx)

	if grpcListener != nil {
		group.Go(func() error {
			daemon.logger.Info("gRPC server starting", zap.String("listen_addr", grpcListener.Addr().String()))
			if err := daemon.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}
	if httpListener != nil && daemon.httpServer != nil {
		group.Go(func() error {
			daemon.logger.Info("HTTP server starting", zap.String("listen_addr", httpListener.Addr().String()))
			if err := daemon.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return daemon.hub.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		daemon.logger.Info("shutdown requested")
		daemon.shutdown()
		return nil
	})
	return group.Wait()
}

// shutdown ends live balance streams first so graceful stops do not wait on them.
func (daemon *Daemon) shutdown() {
	if err := daemon.hub.Close(); err != nil {
		daemon.logger.Warn("notifier close failed", zap.Error(err))
	}
	if daemon.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), daemon.cfg.ShutdownGrace)
		defer cancel()
		if err := daemon.httpServer.Shutdown(shutdownCtx); err != nil {
			daemon.logger.Warn("http shutdown error", zap.Error(err))
		}
	}
	stopped := make(chan struct{})
	go func() {
		daemon.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(daemon.cfg.ShutdownGrace):
		daemon.grpcServer.Stop()
	}
}

// Close releases the store and the notification bus.
func (daemon *Daemon) Close() error {
	var closeErrors []error
	if daemon.hub != nil {
		if err := daemon.hub.Close(); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	for index := len(daemon.closers) - 1; index >= 0; index-- {
		if err := daemon.closers[index](); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	daemon.closers = nil
	return errors.Join(closeErrors...)
}

func (daemon *Daemon) openStore(ctx context.Context) (ledger.Store, error) {
	switch daemon.cfg.Store {
	case StoreMemory:
		daemon.logger.Warn("using in-memory store; balances are lost on exit")
		return memstore.New(), nil
	case StorePgx:
		if daemon.cfg.AutoMigrate {
			if err := migrations.Up(daemon.cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("migrate up: %w", err)
			}
		}
		pool, err := pgstore.Connect(ctx, daemon.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		daemon.closers = append(daemon.closers, func() error {
			pool.Close()
			return nil
		})
		return pgstore.New(pool), nil
	default:
		gormDB, cleanup, driver, err := openDatabase(ctx, daemon.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		daemon.closers = append(daemon.closers, cleanup)
		if err := prepareSchema(gormDB, driver, daemon.cfg.DatabaseURL, daemon.cfg.AutoMigrate); err != nil {
			return nil, err
		}
		return gormstore.New(gormDB), nil
	}
}

func openBus(ctx context.Context, cfg Config, logger *zap.Logger) (notify.Bus, error) {
	switch cfg.NotifyProvider {
	case NotifyNATS:
		bus, err := natsbus.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case NotifyRedis:
		bus, err := redisbus.Connect(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, nil
	}
}

func (daemon *Daemon) buildHTTPServer() error {
	prices, err := catalog.ParseStatic(defaultIfEmpty(daemon.cfg.Prices, catalog.DefaultPrices))
	if err != nil {
		return err
	}
	httpConfig := httpapi.Config{
		AllowedOrigins:    daemon.cfg.AllowedOrigins,
		SessionSigningKey: daemon.cfg.SessionSigningKey,
		SessionIssuer:     daemon.cfg.SessionIssuer,
		SessionCookieName: daemon.cfg.SessionCookieName,
	}
	if err := httpConfig.Validate(); err != nil {
		return err
	}
	handler, err := httpapi.NewHandler(httpConfig, daemon.service, prices, daemon.hub, daemon.logger)
	if err != nil {
		return err
	}
	sessionMiddleware, err := httpapi.NewSessionMiddleware(httpConfig)
	if err != nil {
		return err
	}
	daemon.httpServer = &http.Server{
		Addr:              daemon.cfg.HTTPListenAddr,
		Handler:           httpapi.NewRouter(handler, sessionMiddleware, daemon.collector.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
