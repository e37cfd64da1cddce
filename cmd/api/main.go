package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/config"
	"gatekeep.org/internal/denylist"
	"gatekeep.org/internal/httpapi"
	"gatekeep.org/internal/obs"
	"gatekeep.org/internal/store/memory"
	"gatekeep.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend interface {
	auth.Store
	Ping(ctx context.Context) error
}

type denylistBackend interface {
	auth.Denylist
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", os.Getenv("GATEKEEP_CONFIG"), "Path to YAML config file")
	flag.Parse()

	log := obs.Logger()
	if err := run(*configPath, log); err != nil {
		log.WithError(err).Fatal("gatekeep stopped with error")
	}
}

func run(configPath string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := obs.ConfigureLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	dl, err := openDenylist(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := dl.Close(); err != nil {
			log.WithError(err).Warn("close denylist")
		}
	}()

	authority, err := auth.NewAuthority(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return fmt.Errorf("token authority: %w", err)
	}
	svc, err := auth.NewService(store, authority, dl,
		auth.WithLogger(log),
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
		auth.WithRevokeOnChange(cfg.Auth.RevokeOnChange),
	)
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}
	rbac, err := auth.NewRBACService(store, log)
	if err != nil {
		return fmt.Errorf("rbac service: %w", err)
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	probe := httpapi.ReadyProbe{Store: store, Denylist: dl}
	api := httpapi.New(probe, version, svc, rbac,
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(probe, version, log).Register()
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.WithField("addr", cfg.GRPC.Addr).Info("grpc server starting")
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("server failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info("stopped")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		store, err := pg.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func openDenylist(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (denylistBackend, error) {
	switch cfg.Denylist.Driver {
	case config.DriverRedis:
		dl, err := denylist.NewRedis(ctx, cfg.Redis.URL,
			denylist.WithLogger(log),
			denylist.WithOpTimeout(cfg.Redis.OpTimeout),
			denylist.WithMaxTTL(cfg.Auth.RefreshTTL),
		)
		if err != nil {
			return nil, fmt.Errorf("open redis denylist: %w", err)
		}
		return dl, nil
	default:
		return denylist.NewMemory(
			denylist.WithLogger(log),
			denylist.WithCapacity(cfg.Denylist.Capacity),
			denylist.WithMaxTTL(cfg.Auth.RefreshTTL),
		), nil
	}
}
