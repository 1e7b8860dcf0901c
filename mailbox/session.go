// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/parlor-games/parlor/lib/netutil"
)

// SessionClientConfig holds configuration for creating a SessionClient.
type SessionClientConfig struct {
	// RelayURL is the base URL of the relay.
	RelayURL string
	// Session is the session to join.
	Session string
	// Peer is the local peer ID to claim within the session.
	Peer string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// SessionClient talks to the relay's membership endpoints for one
// (session, peer) pair. Join claims the peer ID and mints the bearer
// token the mailbox transports authenticate with; Roster reports who
// is at the table; Leave removes a peer. Safe for concurrent use.
type SessionClient struct {
	baseURL    string
	session    string
	peer       string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewSessionClient creates a membership client bound to (Session, Peer).
func NewSessionClient(config SessionClientConfig) (*SessionClient, error) {
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

	return &SessionClient{
		baseURL:    strings.TrimRight(config.RelayURL, "/"),
		session:    config.Session,
		peer:       config.Peer,
		httpClient: httpClient,
	}, nil
}

// The relay's membership wire shapes.
type joinRequestBody struct {
	PeerID string `json:"peer_id"`
}

type joinResponseBody struct {
	Token  string   `json:"token"`
	Roster []string `json:"roster"`
}

type rosterResponseBody struct {
	Peers []string `json:"peers"`
}

// Join claims the peer ID within the session. On success the minted
// token is retained for Roster and Leave, and returned for the
// mailbox transports. The returned roster includes this peer.
//
// Join is idempotent as long as the peer has no live stream attached;
// rejoining mints a fresh token. A conflict with a streaming peer
// surfaces as a *RelayError with [ErrCodePeerInUse].
func (c *SessionClient) Join(ctx context.Context) (token string, roster []string, err error) {
	body, err := c.roundTrip(ctx, http.MethodPost, c.sessionPath()+"/join", joinRequestBody{PeerID: c.peer})
	if err != nil {
		return "", nil, err
	}

	var joined joinResponseBody
	if err := json.Unmarshal(body, &joined); err != nil {
		return "", nil, fmt.Errorf("mailbox: failed to parse join response: %w", err)
	}
	if joined.Token == "" {
		return "", nil, fmt.Errorf("mailbox: relay returned an empty token")
	}

	c.mu.Lock()
	c.token = joined.Token
	c.mu.Unlock()
	return joined.Token, joined.Roster, nil
}

// Token returns the bearer token from the last successful Join, empty
// before one.
func (c *SessionClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Roster lists the session's current peers, sorted.
func (c *SessionClient) Roster(ctx context.Context) ([]string, error) {
	body, err := c.roundTrip(ctx, http.MethodGet, c.sessionPath()+"/roster", nil)
	if err != nil {
		return nil, err
	}
	var response rosterResponseBody
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("mailbox: failed to parse roster response: %w", err)
	}
	return response.Peers, nil
}

// Leave removes peer from the session: its roster entry, its stored
// box, and any attached stream. Any joined peer may remove any other;
// that is how a game layer ejects the unresponsive.
func (c *SessionClient) Leave(ctx context.Context, peer string) error {
	_, err := c.roundTrip(ctx, http.MethodDelete, c.sessionPath()+"/peers/"+url.PathEscape(peer), nil)
	return err
}

func (c *SessionClient) sessionPath() string {
	return "/v1/session/" + url.PathEscape(c.session)
}

// roundTrip performs one request, attaching the retained token when
// present. Non-2xx responses decode into *RelayError.
func (c *SessionClient) roundTrip(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("mailbox: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("mailbox: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
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
