// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// stubMembershipServer is a relay stand-in for the membership
// endpoints, recording the last request's auth header.
func stubMembershipServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	lastAuth := new(string)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/table-1/join", func(w http.ResponseWriter, r *http.Request) {
		*lastAuth = r.Header.Get("Authorization")
		var body struct {
			PeerID string `json:"peer_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding join body: %v", err)
		}
		if body.PeerID != "alice" {
			t.Errorf("join peer_id = %q, want alice", body.PeerID)
		}
		fmt.Fprint(w, `{"token":"tok-1","roster":["alice","bob"]}`)
	})
	mux.HandleFunc("GET /v1/session/table-1/roster", func(w http.ResponseWriter, r *http.Request) {
		*lastAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"peers":["alice","bob","carol"]}`)
	})
	mux.HandleFunc("DELETE /v1/session/table-1/peers/bob", func(w http.ResponseWriter, r *http.Request) {
		*lastAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, lastAuth
}

func newSessionClient(t *testing.T, relayURL string) *SessionClient {
	t.Helper()
	client, err := NewSessionClient(SessionClientConfig{
		RelayURL: relayURL,
		Session:  "table-1",
		Peer:     "alice",
	})
	if err != nil {
		t.Fatalf("creating session client: %v", err)
	}
	return client
}

// TestSessionClientJoin verifies that Join posts the peer ID, retains
// the minted token, and returns the roster.
func TestSessionClientJoin(t *testing.T) {
	server, _ := stubMembershipServer(t)
	client := newSessionClient(t, server.URL)

	token, roster, err := client.Join(context.Background())
	if err != nil {
		t.Fatalf("joining: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q, want tok-1", token)
	}
	if len(roster) != 2 || roster[0] != "alice" || roster[1] != "bob" {
		t.Errorf("roster = %v, want [alice bob]", roster)
	}
	if client.Token() != "tok-1" {
		t.Errorf("retained token = %q, want tok-1", client.Token())
	}
}

// TestSessionClientRoster verifies that Roster carries the token from
// the preceding Join.
func TestSessionClientRoster(t *testing.T) {
	server, lastAuth := stubMembershipServer(t)
	client := newSessionClient(t, server.URL)

	if _, _, err := client.Join(context.Background()); err != nil {
		t.Fatalf("joining: %v", err)
	}
	peers, err := client.Roster(context.Background())
	if err != nil {
		t.Fatalf("fetching roster: %v", err)
	}
	if len(peers) != 3 {
		t.Errorf("roster = %v, want 3 peers", peers)
	}
	if *lastAuth != "Bearer tok-1" {
		t.Errorf("authorization = %q, want Bearer tok-1", *lastAuth)
	}
}

// TestSessionClientLeave verifies the removal endpoint and that the
// token accompanies the request.
func TestSessionClientLeave(t *testing.T) {
	server, lastAuth := stubMembershipServer(t)
	client := newSessionClient(t, server.URL)

	if _, _, err := client.Join(context.Background()); err != nil {
		t.Fatalf("joining: %v", err)
	}
	if err := client.Leave(context.Background(), "bob"); err != nil {
		t.Fatalf("leaving: %v", err)
	}
	if *lastAuth != "Bearer tok-1" {
		t.Errorf("authorization = %q, want Bearer tok-1", *lastAuth)
	}
}

// TestSessionClientJoinConflict verifies a peer-in-use rejection
// surfaces as a typed relay error.
func TestSessionClientJoinConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"errcode":"P_PEER_IN_USE","error":"peer alice has a live stream"}`)
	}))
	defer server.Close()
	client := newSessionClient(t, server.URL)

	_, _, err := client.Join(context.Background())
	if !IsRelayError(err, ErrCodePeerInUse) {
		t.Errorf("join error = %v, want %s", err, ErrCodePeerInUse)
	}
	if client.Token() != "" {
		t.Errorf("token retained after failed join: %q", client.Token())
	}
}
