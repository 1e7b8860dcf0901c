// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/parlor-games/parlor/lib/clock"
	"github.com/parlor-games/parlor/mailbox"
)

// DefaultTokenTTL bounds how long a join token works before the peer
// must rejoin.
const DefaultTokenTTL = 24 * time.Hour

// maxRequestBody caps request bodies. SDP offers run a few kilobytes
// even with every candidate inlined; anything near this limit is not
// signaling traffic.
const maxRequestBody = 256 << 10

// Config assembles a [Server].
type Config struct {
	// Store persists boxes and rosters. Required.
	Store Store

	// TokenSecret signs the HS256 session tokens. Required.
	TokenSecret []byte

	// TokenTTL bounds token validity. Zero means [DefaultTokenTTL].
	TokenTTL time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the relay's HTTP surface. Wire Router into an
// http.Server; the Server itself holds no listener.
type Server struct {
	store  Store
	auth   *authenticator
	clock  clock.Clock
	logger *slog.Logger

	upgrader websocket.Upgrader

	// mu guards the attached-stream table. One live stream per box;
	// a fresh attach supersedes its predecessor.
	mu      sync.Mutex
	streams map[boxKey]*streamConn
}

// New assembles a Server.
func New(config Config) (*Server, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("relay: Store is required")
	}
	if len(config.TokenSecret) == 0 {
		return nil, fmt.Errorf("relay: TokenSecret is required")
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  config.Store,
		auth:   newAuthenticator(config.TokenSecret, ttl, clk),
		clock:  clk,
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bearer token is the gate; browsers are not the
			// expected client, so origin carries no signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[boxKey]*streamConn),
	}, nil
}

// Router builds the relay's route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/session/{session}", func(r chi.Router) {
		r.Post("/join", s.handleJoin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Delete("/peers/{peer}", s.handleLeave)
			r.Get("/roster", s.handleRoster)
			r.Post("/mailbox/{peer}", s.handleSend)
			r.Get("/mailbox/{peer}", s.handleDrain)
			r.Get("/mailbox/{peer}/stream", s.handleStream)
		})
	})
	return r
}

// logRequests records every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"bytes", wrapped.BytesWritten(),
			"duration", s.clock.Now().Sub(start),
		)
	})
}

// claimsContextKey carries verified token claims through the request
// context.
type claimsContextKey struct{}

// requireToken authenticates the request and rejects tokens minted
// for a different session than the one in the path.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			s.writeError(w, http.StatusUnauthorized, mailbox.ErrCodeUnknownToken, "missing bearer token")
			return
		}
		claims, err := s.auth.verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, mailbox.ErrCodeUnknownToken, "invalid token: %v", err)
			return
		}
		if claims.Session != chi.URLParam(r, "session") {
			s.writeError(w, http.StatusForbidden, mailbox.ErrCodeForbidden, "token is for another session")
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionClaims returns the claims requireToken stored. Only valid on
// routes behind the middleware.
func sessionClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsContextKey{}).(*Claims)
	return claims
}

type joinRequest struct {
	PeerID string `json:"peer_id"`
}

type joinResponse struct {
	Token  string   `json:"token"`
	Roster []string `json:"roster"`
}

type rosterResponse struct {
	Peers []string `json:"peers"`
}

type drainResponse struct {
	Messages []mailbox.Message `json:"messages"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJoin registers the peer in the session roster and mints its
// token. Rejoining is how a restarted client recovers its box, so the
// only join that fails is one colliding with a live stream.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var request joinRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.writeError(w, http.StatusBadRequest, mailbox.ErrCodeInvalidParam, "malformed join body: %v", err)
		return
	}
	if request.PeerID == "" {
		s.writeError(w, http.StatusBadRequest, mailbox.ErrCodeMissingParam, "peer_id is required")
		return
	}
	if s.streamAttached(session, request.PeerID) {
		s.writeError(w, http.StatusConflict, mailbox.ErrCodePeerInUse,
			"peer %q already has a live stream in this session", request.PeerID)
		return
	}
	if err := s.store.AddPeer(r.Context(), session, request.PeerID); err != nil {
		s.storeError(w, "register peer", err)
		return
	}
	token, err := s.auth.mint(session, request.PeerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, mailbox.ErrCodeUnknown, "minting token: %v", err)
		return
	}
	roster, err := s.store.Roster(r.Context(), session)
	if err != nil {
		s.storeError(w, "read roster", err)
		return
	}
	s.logger.Info("peer joined", "session", session, "peer", request.PeerID)
	s.writeJSON(w, http.StatusOK, joinResponse{Token: token, Roster: roster})
}

// handleLeave drops the peer from the roster and discards its box.
// Any same-session token may remove any peer, so a host can clean up
// after a crashed player.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	peer := chi.URLParam(r, "peer")
	s.closeStream(session, peer)
	if err := s.store.RemovePeer(r.Context(), session, peer); err != nil {
		s.storeError(w, "remove peer", err)
		return
	}
	if err := s.store.Purge(r.Context(), session, peer); err != nil {
		s.storeError(w, "purge box", err)
		return
	}
	s.logger.Info("peer left", "session", session, "peer", peer, "by", sessionClaims(r).Peer)
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	roster, err := s.store.Roster(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.storeError(w, "read roster", err)
		return
	}
	if roster == nil {
		roster = []string{}
	}
	s.writeJSON(w, http.StatusOK, rosterResponse{Peers: roster})
}

// handleSend files one message in the recipient's box, or pushes it
// straight down the recipient's stream when one is attached.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r)
	to := chi.URLParam(r, "peer")
	var msg mailbox.Message
	if err := decodeBody(w, r, &msg); err != nil {
		s.writeError(w, http.StatusBadRequest, mailbox.ErrCodeInvalidParam, "malformed message: %v", err)
		return
	}
	if err := msg.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, mailbox.ErrCodeInvalidParam, "invalid message: %v", err)
		return
	}
	if msg.From != claims.Peer {
		s.writeError(w, http.StatusForbidden, mailbox.ErrCodeForbidden,
			"token peer %q cannot send as %q", claims.Peer, msg.From)
		return
	}
	if msg.To != to {
		s.writeError(w, http.StatusBadRequest, mailbox.ErrCodeInvalidParam,
			"message addressed to %q posted to box %q", msg.To, to)
		return
	}
	msg.StoredAt = s.clock.Now()
	if err := s.deliver(r.Context(), claims.Session, msg); err != nil {
		s.storeError(w, "store message", err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

// handleDrain empties the caller's own box. The atomic take in the
// store is what makes polling destructive.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r)
	peer := chi.URLParam(r, "peer")
	if claims.Peer != peer {
		s.writeError(w, http.StatusForbidden, mailbox.ErrCodeForbidden,
			"box %q can only be drained by its owner", peer)
		return
	}
	messages, err := s.store.Drain(r.Context(), claims.Session, peer)
	if err != nil {
		s.storeError(w, "drain box", err)
		return
	}
	if messages == nil {
		messages = []mailbox.Message{}
	}
	s.writeJSON(w, http.StatusOK, drainResponse{Messages: messages})
}

// deliver routes msg to an attached stream, falling back to the store
// when the recipient is polling or its stream is backed up.
func (s *Server) deliver(ctx context.Context, session string, msg mailbox.Message) error {
	if s.tryPush(session, msg.To, msg) {
		return nil
	}
	return s.store.Append(ctx, session, msg.To, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	return json.NewDecoder(r.Body).Decode(into)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// writeError sends the relay's error envelope, the same shape the
// mailbox client decodes into RelayError.
func (s *Server) writeError(w http.ResponseWriter, status int, code, format string, args ...any) {
	s.writeJSON(w, status, map[string]string{
		"errcode": code,
		"error":   fmt.Sprintf(format, args...),
	})
}

// storeError maps a storage failure to a 500. The envelope stays
// vague on purpose; the log carries the detail.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store operation failed", "op", op, "error", err)
	s.writeError(w, http.StatusInternalServerError, mailbox.ErrCodeUnknown, "storage failure")
}
