// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

// Parlor-peer is the headless table peer. It joins a session on the
// relay, watches the roster, and keeps a WebRTC audio/video link to
// every other peer at the table, reconnecting and re-negotiating as
// peers come and go. Game logic rides on top; this daemon only owns
// the media mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlor-games/parlor/lib/config"
	"github.com/parlor-games/parlor/mailbox"
	"github.com/parlor-games/parlor/mesh"
)

// joinRetryInterval spaces join attempts while the relay is still
// coming up or a crashed predecessor's stream is still attached.
const joinRetryInterval = 2 * time.Second

// rosterPollInterval is how often the daemon re-reads the session
// roster to pick up joins and leaves.
const rosterPollInterval = 5 * time.Second

// leaveTimeout bounds the courtesy Leave on shutdown. The session
// context is already cancelled by then, so the call gets its own.
const leaveTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var session string
	var peerID string
	var relayURL string
	var transport string
	var logLevel string
	flag.StringVar(&configPath, "config", "", "path to config file (defaults to $PARLOR_CONFIG)")
	flag.StringVar(&session, "session", "", "session to join (overrides config)")
	flag.StringVar(&peerID, "peer", "", "peer identity (overrides config)")
	flag.StringVar(&relayURL, "relay-url", "", "relay base URL (overrides config)")
	flag.StringVar(&transport, "transport", "", "mailbox transport, http or websocket (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if session != "" {
		cfg.Peer.Session = session
	}
	if peerID != "" {
		cfg.Peer.ID = peerID
	}
	if relayURL != "" {
		cfg.Peer.RelayURL = relayURL
	}
	if transport != "" {
		cfg.Peer.Transport = transport
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Peer.Session == "" {
		return fmt.Errorf("a session is required; pass --session or set peer.session")
	}
	if cfg.Peer.ID == "" {
		return fmt.Errorf("a peer identity is required; pass --peer or set peer.id")
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger = logger.With("session", cfg.Peer.Session, "peer", cfg.Peer.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionClient, err := mailbox.NewSessionClient(mailbox.SessionClientConfig{
		RelayURL: cfg.Peer.RelayURL,
		Session:  cfg.Peer.Session,
		Peer:     cfg.Peer.ID,
	})
	if err != nil {
		return fmt.Errorf("creating session client: %w", err)
	}

	roster, err := joinSession(ctx, sessionClient, logger)
	if err != nil {
		return fmt.Errorf("joining session %q: %w", cfg.Peer.Session, err)
	}
	logger.Info("joined session", "transport", cfg.Peer.Transport, "roster", roster)

	box, err := buildMailbox(cfg, sessionClient.Token(), logger)
	if err != nil {
		return fmt.Errorf("creating mailbox: %w", err)
	}
	defer box.Close()

	policy, err := meshPolicy(cfg.Peer.Policy)
	if err != nil {
		return fmt.Errorf("peer.policy: %w", err)
	}

	var source *mesh.MediaSource
	if cfg.Media.Synthetic {
		source, err = mesh.NewMediaSource(mesh.MediaSourceOptions{Audio: true}, logger)
		if err != nil {
			return fmt.Errorf("creating media source: %w", err)
		}
		defer source.Close()
	}

	media := mesh.MediaConfig{Audio: true, Source: source}
	if len(cfg.Media.STUNServers) > 0 {
		media.ICEServers = []mesh.ICEServer{{URLs: cfg.Media.STUNServers}}
	}
	factory, err := mesh.NewPionFactory(media, logger)
	if err != nil {
		return fmt.Errorf("creating session factory: %w", err)
	}

	pool, err := mesh.New(mesh.Config{
		Local:    mesh.PeerID(cfg.Peer.ID),
		Mailbox:  box,
		Sessions: factory,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}

	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	go watchRoster(ctx, sessionClient, pool, cfg.Peer.ID, roster, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")

			leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := sessionClient.Leave(leaveCtx, cfg.Peer.ID); err != nil {
				logger.Warn("leaving session failed", "error", err)
			}
			cancel()

			if err := <-poolDone; err != nil {
				return fmt.Errorf("connection pool: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case event := <-pool.Events():
			logEvent(logger, event)
		}
	}
}

// joinSession joins the configured session, retrying while the relay
// is unreachable. A held peer ID is retried too: a crashed
// predecessor's stream lingers until the relay's keepalive gives up
// on it, after which the ID frees itself.
func joinSession(ctx context.Context, client *mailbox.SessionClient, logger *slog.Logger) ([]string, error) {
	for {
		_, roster, err := client.Join(ctx)
		if err == nil {
			return roster, nil
		}
		switch {
		case mailbox.IsRelayError(err, mailbox.ErrCodePeerInUse):
			logger.Warn("peer ID still held, retrying join", "error", err)
		case mailbox.IsTransient(err):
			logger.Warn("relay not reachable, retrying join", "error", err)
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(joinRetryInterval):
		}
	}
}

// buildMailbox constructs the signaling transport named by the
// config. Validate has already constrained the transport value.
func buildMailbox(cfg *config.Config, token string, logger *slog.Logger) (mailbox.Mailbox, error) {
	switch cfg.Peer.Transport {
	case "websocket":
		return mailbox.NewWS(mailbox.WSConfig{
			RelayURL: cfg.Peer.RelayURL,
			Session:  cfg.Peer.Session,
			Peer:     cfg.Peer.ID,
			Token:    token,
			Logger:   logger,
		})
	default:
		return mailbox.NewHTTP(mailbox.HTTPConfig{
			RelayURL: cfg.Peer.RelayURL,
			Session:  cfg.Peer.Session,
			Peer:     cfg.Peer.ID,
			Token:    token,
			Logger:   logger,
		})
	}
}

// meshPolicy converts the config's string durations into a Policy.
// Zero values pass through so the pool's own defaulting applies.
func meshPolicy(p config.PolicyConfig) (mesh.Policy, error) {
	var firstErr error
	parse := func(field, value string) time.Duration {
		d, err := config.Duration(value)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", field, err)
		}
		return d
	}
	policy := mesh.Policy{
		PollInterval:       parse("poll_interval", p.PollInterval),
		SweepInterval:      parse("sweep_interval", p.SweepInterval),
		EstablishStagger:   parse("establish_stagger", p.EstablishStagger),
		NegotiationTimeout: parse("negotiation_timeout", p.NegotiationTimeout),
		GraceWindow:        parse("grace_window", p.GraceWindow),
		MaxRetries:         p.MaxRetries,
		RetryBackoffBase:   parse("retry_backoff_base", p.RetryBackoffBase),
		RetryBackoffMax:    parse("retry_backoff_max", p.RetryBackoffMax),
	}
	return policy, firstErr
}

// watchRoster keeps the pool's peer set in sync with the session
// roster. The initial roster from Join is applied immediately so the
// first connections start without waiting a poll interval.
func watchRoster(ctx context.Context, client *mailbox.SessionClient, pool *mesh.Pool, self string, initial []string, logger *slog.Logger) {
	known := make(map[string]bool)
	apply := func(roster []string) {
		present := make(map[string]bool, len(roster))
		var joined []mesh.PeerID
		for _, peer := range roster {
			present[peer] = true
			if peer == self || known[peer] {
				continue
			}
			known[peer] = true
			joined = append(joined, mesh.PeerID(peer))
		}
		for peer := range known {
			if !present[peer] {
				delete(known, peer)
				logger.Info("peer left session", "peer", peer)
				pool.RemovePeer(mesh.PeerID(peer))
			}
		}
		if len(joined) > 0 {
			logger.Info("peers joined session", "peers", joined)
			pool.EstablishConnections(joined)
		}
	}

	apply(initial)

	ticker := time.NewTicker(rosterPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			roster, err := client.Roster(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("roster poll failed", "error", err)
				continue
			}
			apply(roster)
		}
	}
}

// logEvent reports a pool event at a level matching its severity.
func logEvent(logger *slog.Logger, event mesh.Event) {
	switch event.Kind {
	case mesh.PeerConnected:
		logger.Info("peer connected", "peer", event.Peer)
	case mesh.PeerDisconnected:
		logger.Warn("peer disconnected", "peer", event.Peer)
	case mesh.PeerFailed:
		logger.Error("peer failed", "peer", event.Peer, "error", event.Err)
	case mesh.PeerClosed:
		logger.Info("peer closed", "peer", event.Peer)
	case mesh.TrackAdded:
		logger.Info("remote media available",
			"peer", event.Peer, "track", event.Stream.TrackID, "kind", event.Stream.Kind)
	case mesh.TrackRemoved:
		logger.Info("remote media gone", "peer", event.Peer)
	}
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
