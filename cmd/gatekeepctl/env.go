package main

import (
	"context"
	"fmt"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/config"
	"gatekeep.org/internal/denylist"
	"gatekeep.org/internal/obs"
	"gatekeep.org/internal/store/memory"
	"gatekeep.org/internal/store/pg"
)

// env holds the services a command runs against.
type env struct {
	store auth.Store
	svc   *auth.Service
	rbac  *auth.RBACService
	close func()
}

type opener func(ctx context.Context, configPath string) (*env, error)

func openFromConfig(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := obs.ConfigureLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}

	var (
		store   auth.Store
		closeFn = func() {}
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pgStore, err := pg.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		store = pgStore
		closeFn = func() { _ = pgStore.Close() }
	default:
		obs.Logger().Warn("store.driver is memory; changes are lost when the command exits")
		store = memory.New()
	}

	e, err := newEnv(store, cfg.Auth.Secret, cfg.Auth.BcryptCost)
	if err != nil {
		closeFn()
		return nil, err
	}
	e.close = closeFn
	return e, nil
}

func newEnv(store auth.Store, secret string, bcryptCost int) (*env, error) {
	log := obs.Logger()
	authority, err := auth.NewAuthority(secret)
	if err != nil {
		return nil, fmt.Errorf("token authority: %w", err)
	}
	svc, err := auth.NewService(store, authority, denylist.NewMemory(denylist.WithLogger(log)),
		auth.WithLogger(log),
		auth.WithBcryptCost(bcryptCost),
	)
	if err != nil {
		return nil, fmt.Errorf("session service: %w", err)
	}
	rbac, err := auth.NewRBACService(store, log)
	if err != nil {
		return nil, fmt.Errorf("rbac service: %w", err)
	}
	return &env{store: store, svc: svc, rbac: rbac, close: func() {}}, nil
}
