// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/parlor-games/parlor/lib/netutil"
	"github.com/parlor-games/parlor/mailbox"
)

const (
	// streamSendBuffer caps messages queued for one attached socket.
	// Past it, delivery falls back to the store and the next attach
	// picks the overflow up.
	streamSendBuffer = 64

	// streamPongWait is how long a silent socket stays attached. The
	// client library answers pings automatically, so only a dead
	// connection goes quiet this long.
	streamPongWait = 60 * time.Second

	// streamPingInterval spaces keepalive pings. Must stay under
	// streamPongWait.
	streamPingInterval = 30 * time.Second

	// streamWriteWait bounds one frame write.
	streamWriteWait = 10 * time.Second

	// requeueTimeout bounds returning undelivered messages to the
	// store after a stream dies.
	requeueTimeout = 5 * time.Second
)

// streamConn is one attached mailbox stream. The write pump owns the
// socket for data frames; everyone else hands messages over send.
type streamConn struct {
	conn *websocket.Conn
	send chan mailbox.Message

	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleStream upgrades the connection and serves the peer's box over
// it: backlog first, then live pushes. Frames the client sends up the
// socket are regular sends, routed like the REST send endpoint. The
// box is owner-only, same as drain.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r)
	peer := chi.URLParam(r, "peer")
	if claims.Peer != peer {
		s.writeError(w, http.StatusForbidden, mailbox.ErrCodeForbidden,
			"stream of %q can only be attached by its owner", peer)
		return
	}
	session := claims.Session

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		s.logger.Warn("stream upgrade failed", "session", session, "peer", peer, "error", err)
		return
	}

	stream := &streamConn{
		conn: conn,
		send: make(chan mailbox.Message, streamSendBuffer),
		done: make(chan struct{}),
	}
	s.attach(session, peer, stream)
	s.logger.Info("stream attached", "session", session, "peer", peer)

	// Attach before draining: a send racing this drain pushes
	// directly, so nothing is stranded in the store and nothing is
	// delivered twice. Cross-path ordering is unspecified anyway.
	backlog, err := s.store.Drain(r.Context(), session, peer)
	if err != nil {
		s.logger.Warn("stream backlog drain failed", "session", session, "peer", peer, "error", err)
		backlog = nil
	}

	go s.streamWritePump(stream, session, peer, backlog)
	s.streamReadPump(stream, session, peer)
}

// streamWritePump owns the socket's data frames: backlog, then live
// pushes, with keepalive pings in the gaps. Messages it could not get
// onto the wire go back to the store.
func (s *Server) streamWritePump(stream *streamConn, session, peer string, backlog []mailbox.Message) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	defer func() {
		stream.close()
		s.requeuePending(stream, session, peer)
	}()

	for i, msg := range backlog {
		if err := writeStreamFrame(stream.conn, msg); err != nil {
			s.logger.Warn("stream backlog write failed", "session", session, "peer", peer, "error", err)
			s.requeue(session, peer, backlog[i:])
			return
		}
	}

	for {
		select {
		case <-stream.done:
			return
		case msg := <-stream.send:
			if err := writeStreamFrame(stream.conn, msg); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					s.logger.Warn("stream write failed", "session", session, "peer", peer, "error", err)
				}
				s.requeue(session, peer, []mailbox.Message{msg})
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := stream.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// streamReadPump consumes inbound frames until the socket dies, then
// detaches the stream so the peer falls back to store-and-poll.
func (s *Server) streamReadPump(stream *streamConn, session, peer string) {
	defer func() {
		s.detach(session, peer, stream)
		stream.close()
		s.logger.Info("stream detached", "session", session, "peer", peer)
	}()

	stream.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	stream.conn.SetPongHandler(func(string) error {
		stream.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		var msg mailbox.Message
		if err := stream.conn.ReadJSON(&msg); err != nil {
			if !netutil.IsExpectedCloseError(err) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("stream read failed", "session", session, "peer", peer, "error", err)
			}
			return
		}
		if err := msg.Validate(); err != nil {
			s.logger.Debug("dropping invalid stream message", "peer", peer, "error", err)
			continue
		}
		if msg.From != peer {
			s.logger.Debug("dropping stream message with forged sender", "peer", peer, "from", msg.From)
			continue
		}
		msg.StoredAt = s.clock.Now()
		if err := s.deliver(context.Background(), session, msg); err != nil {
			s.logger.Warn("stream delivery failed", "peer", peer, "to", msg.To, "error", err)
		}
	}
}

func writeStreamFrame(conn *websocket.Conn, msg mailbox.Message) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}

// attach registers stream as the live connection for the box,
// superseding any predecessor.
func (s *Server) attach(session, peer string, stream *streamConn) {
	key := boxKey{session: session, peer: peer}
	s.mu.Lock()
	previous := s.streams[key]
	s.streams[key] = stream
	s.mu.Unlock()
	if previous != nil {
		previous.close()
	}
}

// detach removes stream from the table unless a successor already
// replaced it.
func (s *Server) detach(session, peer string, stream *streamConn) {
	key := boxKey{session: session, peer: peer}
	s.mu.Lock()
	if current, ok := s.streams[key]; ok && current == stream {
		delete(s.streams, key)
	}
	s.mu.Unlock()
}

// closeStream force-detaches the peer's stream, if any. The leave
// path uses it so a removed peer's socket does not linger.
func (s *Server) closeStream(session, peer string) {
	key := boxKey{session: session, peer: peer}
	s.mu.Lock()
	stream := s.streams[key]
	delete(s.streams, key)
	s.mu.Unlock()
	if stream != nil {
		stream.close()
	}
}

// streamAttached reports whether the box currently has a live stream.
func (s *Server) streamAttached(session, peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[boxKey{session: session, peer: peer}]
	return ok
}

// tryPush hands msg to the attached stream. False means the caller
// should file it in the store instead.
func (s *Server) tryPush(session, peer string, msg mailbox.Message) bool {
	s.mu.Lock()
	stream := s.streams[boxKey{session: session, peer: peer}]
	s.mu.Unlock()
	if stream == nil {
		return false
	}
	select {
	case stream.send <- msg:
		return true
	case <-stream.done:
		return false
	default:
		return false
	}
}

// requeuePending drains whatever queued on a dead stream back into
// the store. Best effort; receivers dedupe by message ID, so a
// double-delivered message costs nothing.
func (s *Server) requeuePending(stream *streamConn, session, peer string) {
	var pending []mailbox.Message
	for {
		select {
		case msg := <-stream.send:
			pending = append(pending, msg)
		default:
			if len(pending) > 0 {
				s.requeue(session, peer, pending)
			}
			return
		}
	}
}

// requeue returns undelivered messages to the store so the next
// attach or poll picks them up.
func (s *Server) requeue(session, peer string, messages []mailbox.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	for _, msg := range messages {
		if err := s.store.Append(ctx, session, peer, msg); err != nil {
			s.logger.Warn("requeue failed, dropping message",
				"session", session, "peer", peer, "kind", msg.Kind, "error", err)
		}
	}
}
