// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlor-games/parlor/lib/clock"
	"github.com/parlor-games/parlor/lib/netutil"
)

// Compile-time interface check.
var _ Mailbox = (*WSMailbox)(nil)

// wsRedialBackoff is the delay before the first redial after the relay
// stream drops. Doubles per consecutive failure up to wsRedialBackoffMax.
const wsRedialBackoff = 500 * time.Millisecond

// wsRedialBackoffMax caps the redial backoff.
const wsRedialBackoffMax = 10 * time.Second

// wsWriteWait bounds a single frame write on the socket.
const wsWriteWait = 10 * time.Second

// wsDefaultInboxSize is the pushed-message buffer capacity when
// WSConfig.InboxSize is zero. Past it, pushes are dropped; negotiation
// recovers by timeout.
const wsDefaultInboxSize = 256

// WSConfig holds configuration for creating a WSMailbox.
type WSConfig struct {
	// RelayURL is the relay base URL. http/https schemes are converted
	// to ws/wss for the stream endpoint.
	RelayURL string
	// Session is the session namespace all messages are scoped to.
	Session string
	// Peer is the local peer ID; the stream carries this peer's box.
	Peer string
	// Token is the bearer token minted by the relay's join endpoint.
	Token string
	// Dialer is used for the WebSocket handshake. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
	// Clock drives redial backoff. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// InboxSize caps buffered pushed messages. Defaults to 256.
	InboxSize int
}

// WSMailbox holds a persistent WebSocket to the relay's stream
// endpoint. The relay pushes every stored and future message for the
// bound peer as a JSON frame; a read pump buffers them in an internal
// inbox so Fetch has the same drain semantics as the polling transport
// and the negotiation core cannot tell the two apart. The socket
// redials automatically with doubling backoff when it drops; messages
// stored by the relay while detached are pushed on reattach.
type WSMailbox struct {
	streamURL string
	token     string
	dialer    *websocket.Dialer
	clock     clock.Clock
	logger    *slog.Logger

	inbox chan Message

	// connMu guards conn. writeMu serializes frame writes, which
	// gorilla requires to come from one writer at a time.
	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// ready is closed on the first successful attach. Callers can wait
	// on Ready() before sending instead of polling.
	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWS creates a WebSocket mailbox bound to (Session, Peer) and starts
// its connection manager. The first dial happens in the background;
// Send fails transiently until the stream attaches.
func NewWS(config WSConfig) (*WSMailbox, error) {
	if config.RelayURL == "" {
		return nil, fmt.Errorf("mailbox: RelayURL is required")
	}
	if config.Session == "" {
		return nil, fmt.Errorf("mailbox: Session is required")
	}
	if config.Peer == "" {
		return nil, fmt.Errorf("mailbox: Peer is required")
	}
	streamURL, err := wsStreamURL(config.RelayURL, config.Session, config.Peer)
	if err != nil {
		return nil, err
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inboxSize := config.InboxSize
	if inboxSize <= 0 {
		inboxSize = wsDefaultInboxSize
	}

	m := &WSMailbox{
		streamURL: streamURL,
		token:     config.Token,
		dialer:    dialer,
		clock:     clk,
		logger:    logger,
		inbox:     make(chan Message, inboxSize),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Ready returns a channel that is closed when the stream has attached
// to the relay for the first time. This enables callers to synchronize
// without polling or sleeping.
func (m *WSMailbox) Ready() <-chan struct{} {
	return m.ready
}

// wsStreamURL converts the relay base URL to the ws/wss stream endpoint.
func wsStreamURL(relayURL, session, peer string) (string, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("mailbox: invalid RelayURL %q: %w", relayURL, err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("mailbox: unsupported RelayURL scheme %q", parsed.Scheme)
	}
	base := strings.TrimRight(parsed.String(), "/")
	return base + "/v1/session/" + url.PathEscape(session) +
		"/mailbox/" + url.PathEscape(peer) + "/stream", nil
}

// Send writes msg as one JSON frame. Fails with a transient error when
// the stream is detached; callers retry through their own policy (the
// negotiation layer treats a lost send like any other timeout).
func (m *WSMailbox) Send(ctx context.Context, msg Message) error {
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("mailbox: refusing to send: %w", err)
	}

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("mailbox: relay stream not attached")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("mailbox: stream write failed: %w", err)
	}
	return nil
}

// Fetch drains the inbox without network I/O. Messages appear in the
// order the relay pushed them.
func (m *WSMailbox) Fetch(ctx context.Context) ([]Message, error) {
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []Message{}
	for {
		select {
		case msg := <-m.inbox:
			messages = append(messages, msg)
		default:
			return messages, nil
		}
	}
}

// Close stops the connection manager and closes the socket.
func (m *WSMailbox) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.connMu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.connMu.Unlock()
	})
	return nil
}

// run maintains the stream: dial, pump until the socket drops, redial
// with doubling backoff. Exits when the mailbox closes.
func (m *WSMailbox) run() {
	backoff := wsRedialBackoff
	for {
		select {
		case <-m.closed:
			return
		default:
		}

		conn, err := m.dial()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			m.logger.Warn("relay stream dial failed, retrying",
				"url", m.streamURL,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-m.closed:
				return
			case <-m.clock.After(backoff):
			}
			backoff = min(backoff*2, wsRedialBackoffMax)
			continue
		}
		backoff = wsRedialBackoff

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.readyOnce.Do(func() { close(m.ready) })
		m.logger.Info("relay stream attached", "url", m.streamURL)

		m.readPump(conn)

		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()
		conn.Close()
	}
}

// dial performs one WebSocket handshake against the stream endpoint.
func (m *WSMailbox) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}
	conn, response, err := m.dialer.Dial(m.streamURL, header)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, fmt.Errorf("dialing relay stream: %w (%s)", err, netutil.ErrorBody(response.Body))
		}
		return nil, fmt.Errorf("dialing relay stream: %w", err)
	}
	return conn, nil
}

// readPump reads frames into the inbox until the socket errors. A full
// inbox drops the frame; duplicate-tolerant consumers recover.
func (m *WSMailbox) readPump(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-m.closed:
			default:
				if !netutil.IsExpectedCloseError(err) &&
					!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.logger.Warn("relay stream read failed", "error", err)
				}
			}
			return
		}
		select {
		case m.inbox <- msg:
		default:
			m.logger.Warn("stream inbox full, dropping signal",
				"from", msg.From,
				"kind", msg.Kind,
			)
		}
	}
}
