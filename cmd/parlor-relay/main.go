// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

// Parlor-relay is the store-and-forward signaling relay. Peers join a
// session, post offers and candidates into each other's mailboxes,
// and drain their own by polling or over a WebSocket stream. The
// relay holds no game state and no media; it only moves signaling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlor-games/parlor/lib/config"
	"github.com/parlor-games/parlor/relay"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
// Attached streams are hijacked connections and die with the process.
const shutdownTimeout = 10 * time.Second

// redisDialTimeout bounds the startup ping that verifies redis is
// actually there before the relay starts accepting joins.
const redisDialTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listen string
	var logLevel string
	flag.StringVar(&configPath, "config", "", "path to config file (defaults to $PARLOR_CONFIG)")
	flag.StringVar(&listen, "listen", "", "bind address (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listen != "" {
		cfg.Relay.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Relay.TokenSecret == "" {
		return fmt.Errorf("relay.token_secret is required; set it in the config file, " +
			"for example token_secret: ${PARLOR_TOKEN_SECRET}")
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messageTTL, err := config.Duration(cfg.Relay.MessageTTL)
	if err != nil {
		return fmt.Errorf("relay.message_ttl: %w", err)
	}
	tokenTTL, err := config.Duration(cfg.Relay.TokenTTL)
	if err != nil {
		return fmt.Errorf("relay.token_ttl: %w", err)
	}

	var store relay.Store
	switch cfg.Relay.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis at %s: %w", cfg.Relay.RedisAddr, err)
		}
		store = relay.NewRedisStore(client, messageTTL)
		logger.Info("using redis store", "addr", cfg.Relay.RedisAddr)
	default:
		store = relay.NewMemoryStore(messageTTL, nil)
		logger.Info("using in-memory store")
	}

	server, err := relay.New(relay.Config{
		Store:       store,
		TokenSecret: []byte(cfg.Relay.TokenSecret),
		TokenTTL:    tokenTTL,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	httpServer := &http.Server{
		Handler: server.Router(),

		// No ReadTimeout or WriteTimeout: mailbox streams hold their
		// connection open for the life of the peer.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Relay.Listen, err)
	}
	logger.Info("relay listening",
		"address", listener.Addr().String(),
		"store", cfg.Relay.Store,
		"environment", cfg.Environment,
	)

	serveDone := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// loadConfig resolves configuration: an explicit --config path wins,
// then PARLOR_CONFIG, then the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("PARLOR_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}
