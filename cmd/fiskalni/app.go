package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/fiskalni/fiskalni/internal/config"
	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/queue"
	"github.com/fiskalni/fiskalni/internal/remote"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
)

// app holds the stores of one command invocation.
type app struct {
	cfg    *config.Config
	local  *db.DB
	store  *remote.SQLStore
	ids    identity.Provider
	engine *syncengine.Engine
}

// openLocal opens the local store, creating it on first use.
func openLocal(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	local, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := local.InitSchemaContext(ctx); err != nil {
		local.Close()
		return nil, err
	}
	return local, nil
}

// openRemote opens the server store.
func openRemote(ctx context.Context, cfg *config.Config) (*remote.SQLStore, error) {
	if cfg.Remote.DSN == "" {
		return nil, errors.New("remote.dsn is not configured (run 'fiskalni init' or set FISKALNI_REMOTE_DSN)")
	}
	dialect, err := remote.ParseDialect(cfg.Remote.Dialect)
	if err != nil {
		return nil, err
	}
	return remote.Open(ctx, dialect, cfg.Remote.DSN, logger)
}

// newIdentity returns the configured session source.
func newIdentity(cfg *config.Config) identity.Provider {
	if cfg.Auth.UserID != "" {
		return identity.Static{UserID: cfg.Auth.UserID}
	}
	var secret []byte
	if cfg.Auth.JWTSecret != "" {
		secret = []byte(cfg.Auth.JWTSecret)
	}
	return identity.NewTokenFile(cfg.Auth.TokenFile, secret, nil, logger)
}

// openApp opens both stores and builds the engine. observer may be nil.
func openApp(ctx context.Context, observer syncengine.Observer) (*app, error) {
	local, err := openLocal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := openRemote(ctx, cfg)
	if err != nil {
		local.Close()
		return nil, err
	}

	ids := newIdentity(cfg)
	return &app{
		cfg:   cfg,
		local: local,
		store: store,
		ids:   ids,
		engine: syncengine.New(local, store, ids, syncengine.Options{
			Logger:   logger,
			Observer: observer,
		}),
	}, nil
}

func (a *app) processor() *queue.Processor {
	return queue.NewProcessor(a.local, a.engine, queue.Options{
		Logger:    logger,
		Interval:  a.cfg.Queue.Interval,
		Burst:     a.cfg.Queue.Burst,
		BatchSize: a.cfg.Queue.BatchSize,
	})
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.local.Close())
}

// probeAddr returns the host:port the connectivity probe dials, or "" when
// there is nothing to probe.
func probeAddr(cfg *config.Config) string {
	if cfg.Daemon.ProbeAddr != "" {
		return cfg.Daemon.ProbeAddr
	}
	target := cfg.Remote.ProjectURL
	if target == "" {
		target = cfg.Remote.DSN
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "443"
	switch u.Scheme {
	case "postgres", "postgresql":
		port = "5432"
	case "http", "ws":
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
