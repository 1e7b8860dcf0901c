// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/parlor-games/parlor/lib/clock"
	"github.com/parlor-games/parlor/lib/netutil"
)

// Compile-time interface check.
var _ Mailbox = (*HTTPMailbox)(nil)

// sendMaxAttempts is the number of times Send tries before giving up.
// Three attempts with doubling backoff (250ms, 500ms) covers brief
// rate limits and relay hiccups without stalling the caller for long.
// A send that still fails after three attempts is dropped; the
// negotiation layer recovers through its timeout policy.
const sendMaxAttempts = 3

// sendRetryBackoff is the base delay before the second send attempt.
// Each further attempt doubles it.
const sendRetryBackoff = 250 * time.Millisecond

// HTTPConfig holds configuration for creating an HTTPMailbox.
type HTTPConfig struct {
	// RelayURL is the base URL of the relay (e.g., "http://localhost:7410").
	RelayURL string
	// Session is the session namespace all messages are scoped to.
	Session string
	// Peer is the local peer ID; Fetch drains this peer's box.
	Peer string
	// Token is the bearer token minted by the relay's join endpoint.
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Clock drives retry backoff. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// HTTPMailbox talks to the relay's REST mailbox endpoints. Send posts
// to the recipient's box with bounded retry on transient failures;
// Fetch destructively drains the local box. Safe for concurrent use.
type HTTPMailbox struct {
	baseURL    string
	session    string
	peer       string
	token      string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewHTTP creates an HTTP polling mailbox bound to (Session, Peer).
func NewHTTP(config HTTPConfig) (*HTTPMailbox, error) {
	if config.RelayURL == "" {
		return nil, fmt.Errorf("mailbox: RelayURL is required")
	}
	if config.Session == "" {
		return nil, fmt.Errorf("mailbox: Session is required")
	}
	if config.Peer == "" {
		return nil, fmt.Errorf("mailbox: Peer is required")
	}
	if _, err := url.Parse(config.RelayURL); err != nil {
		return nil, fmt.Errorf("mailbox: invalid RelayURL %q: %w", config.RelayURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPMailbox{
		baseURL:    strings.TrimRight(config.RelayURL, "/"),
		session:    config.Session,
		peer:       config.Peer,
		token:      config.Token,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
		closed:     make(chan struct{}),
	}, nil
}

// Send posts msg to the recipient's box. Transient failures (connection
// errors, 429, 5xx) are retried with doubling backoff; permanent relay
// errors return immediately.
func (m *HTTPMailbox) Send(ctx context.Context, msg Message) error {
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("mailbox: refusing to send: %w", err)
	}

	path := m.boxPath(msg.To)
	var lastError error
	for attempt := 0; attempt < sendMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := sendRetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.closed:
				return net.ErrClosed
			case <-m.clock.After(backoff):
			}
		}

		_, err := m.doRequest(ctx, http.MethodPost, path, msg)
		if err == nil {
			return nil
		}
		lastError = err

		if !IsTransient(err) {
			return err
		}

		m.logger.Warn("transient signal send failure, retrying",
			"to", msg.To,
			"kind", msg.Kind,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return lastError
}

// fetchResponse is the relay's drain envelope.
type fetchResponse struct {
	Messages []Message `json:"messages"`
}

// Fetch drains the local peer's box. The relay clears the box
// atomically, so a fetched message will not appear again. Errors are
// not retried here; the poller calls Fetch on every tick, which is
// retry enough.
func (m *HTTPMailbox) Fetch(ctx context.Context) ([]Message, error) {
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	default:
	}

	body, err := m.doRequest(ctx, http.MethodGet, m.boxPath(m.peer), nil)
	if err != nil {
		return nil, err
	}

	var response fetchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("mailbox: failed to parse fetch response: %w", err)
	}
	return response.Messages, nil
}

// Close marks the mailbox closed and releases pooled connections.
func (m *HTTPMailbox) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.httpClient.CloseIdleConnections()
	})
	return nil
}

// boxPath builds the mailbox endpoint path for the given peer's box.
func (m *HTTPMailbox) boxPath(peer string) string {
	return "/v1/session/" + url.PathEscape(m.session) + "/mailbox/" + url.PathEscape(peer)
}

// doRequest performs one HTTP request and returns the response body.
// Non-2xx responses decode into *RelayError so callers can classify
// them with IsTransient and IsRelayError.
func (m *HTTPMailbox) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("mailbox: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("mailbox: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if m.token != "" {
		request.Header.Set("Authorization", "Bearer "+m.token)
	}

	response, err := m.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("mailbox: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("mailbox: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	return nil, relayErrorFromBody(response.StatusCode, method, path, responseBody)
}
