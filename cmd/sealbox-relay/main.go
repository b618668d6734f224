// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/auth"
	"github.com/sealbox/sealbox/lib/challenge"
	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/config"
	"github.com/sealbox/sealbox/lib/delivery"
	"github.com/sealbox/sealbox/lib/httpserver"
	"github.com/sealbox/sealbox/lib/identity"
	"github.com/sealbox/sealbox/lib/mailbox"
	"github.com/sealbox/sealbox/lib/permission"
	"github.com/sealbox/sealbox/lib/sqlitepool"
	"github.com/sealbox/sealbox/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sealbox-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listen string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the YAML config file (overrides SEALBOX_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "listen address (overrides the config file)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("sealbox-relay")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := &relayService{
		logger:  logger,
		baseURL: cfg.BaseURL,
	}

	// The relay starts even when the store cannot be opened: every
	// data endpoint then fails fast with store_unavailable while
	// /health keeps answering, so deploys surface a broken database
	// path instead of crash-looping.
	stores, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("store unavailable, serving in degraded mode",
			"database", cfg.Database,
			"error", err)
	} else {
		service.stores = stores
		defer stores.pool.Close()
	}

	server := httpserver.New(httpserver.Config{
		Address: cfg.Listen,
		Handler: service.routes(),
		Logger:  logger,
	})

	logger.Info("relay starting",
		"listen", cfg.Listen,
		"database", cfg.Database,
		"degraded", service.stores == nil)

	return server.Serve(ctx)
}

// stores bundles the relay's data layer. A nil *stores on the service
// means the database could not be opened.
type stores struct {
	pool        *sqlitepool.Pool
	identities  *identity.Store
	challenges  *challenge.Ledger
	authGate    *auth.Gate
	permissions *permission.Ledger
	mailboxes   *mailbox.Store
	deliveries  *delivery.Gate
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Database,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn,
				identity.Schema+challenge.Schema+permission.Schema+mailbox.Schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	cooldown, err := cfg.Challenge.CooldownDuration()
	if err != nil {
		pool.Close()
		return nil, err
	}
	ttl, err := cfg.Challenge.TTLDuration()
	if err != nil {
		pool.Close()
		return nil, err
	}

	clk := clock.Real()
	s := &stores{
		pool:       pool,
		identities: identity.NewStore(pool, clk, logger),
		challenges: challenge.NewLedger(pool, clk, logger, challenge.Config{
			OutstandingCap: cfg.Challenge.OutstandingCap,
			Cooldown:       cooldown,
			TTL:            ttl,
		}),
		permissions: permission.NewLedger(pool, clk, logger),
		mailboxes:   mailbox.NewStore(pool, clk, logger),
	}
	s.authGate = auth.NewGate(s.identities, s.challenges, logger)
	s.deliveries = delivery.NewGate(s.identities, s.permissions, s.mailboxes, logger)
	return s, nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
