// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlor-games/parlor/lib/testutil"
)

// wsTestServer upgrades the stream endpoint and hands the server side
// of each connection to the test through a channel.
func wsTestServer(t *testing.T) (*httptest.Server, chan *websocket.Conn, chan string) {
	t.Helper()
	connections := make(chan *websocket.Conn, 4)
	authHeaders := make(chan string, 4)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrading: %v", err)
			return
		}
		connections <- conn
	}))
	t.Cleanup(server.Close)
	return server, connections, authHeaders
}

// waitForMessages polls Fetch until n messages have arrived or the
// deadline passes. The read pump delivers asynchronously, so a single
// Fetch may observe only part of a burst.
func waitForMessages(t *testing.T, box *WSMailbox, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got []Message
	for len(got) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d of %d messages", len(got), n)
		}
		batch, err := box.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetching: %v", err)
		}
		got = append(got, batch...)
		if len(got) < n {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return got
}

// TestWSMailboxReceivesPushes verifies that frames pushed by the relay
// land in the inbox and drain through Fetch in push order.
func TestWSMailboxReceivesPushes(t *testing.T) {
	server, connections, authHeaders := wsTestServer(t)

	box, err := NewWS(WSConfig{
		RelayURL: server.URL,
		Session:  "table-1",
		Peer:     "alice",
		Token:    "tok-9",
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("creating mailbox: %v", err)
	}
	defer box.Close()

	serverConn := testutil.RequireReceive(t, connections, 5*time.Second, "waiting for stream attach")
	defer serverConn.Close()

	if got := testutil.RequireReceive(t, authHeaders, 5*time.Second, "waiting for auth header"); got != "Bearer tok-9" {
		t.Errorf("authorization = %q, want %q", got, "Bearer tok-9")
	}

	pushed := []Message{
		NewMessage(KindOffer, "bob", "alice", "sdp-1", time.Unix(100, 0)),
		NewMessage(KindCandidate, "bob", "alice", `{"candidate":"c1"}`, time.Unix(101, 0)),
		NewMessage(KindCandidate, "bob", "alice", `{"candidate":"c2"}`, time.Unix(102, 0)),
	}
	for _, msg := range pushed {
		if err := serverConn.WriteJSON(msg); err != nil {
			t.Fatalf("pushing: %v", err)
		}
	}

	got := waitForMessages(t, box, 3)
	for i := range pushed {
		if got[i].ID != pushed[i].ID {
			t.Errorf("message %d ID = %q, want %q", i, got[i].ID, pushed[i].ID)
		}
	}
}

// TestWSMailboxSend verifies that Send writes one JSON frame the relay
// side can decode.
func TestWSMailboxSend(t *testing.T) {
	server, connections, _ := wsTestServer(t)

	box, err := NewWS(WSConfig{
		RelayURL: server.URL,
		Session:  "table-1",
		Peer:     "alice",
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("creating mailbox: %v", err)
	}
	defer box.Close()

	serverConn := testutil.RequireReceive(t, connections, 5*time.Second, "waiting for stream attach")
	defer serverConn.Close()

	testutil.RequireClosed(t, box.Ready(), 5*time.Second, "stream attach")

	sent := NewMessage(KindAnswer, "alice", "bob", "sdp-answer", time.Unix(100, 0))
	if err := box.Send(context.Background(), sent); err != nil {
		t.Fatalf("sending: %v", err)
	}

	var got Message
	if err := serverConn.ReadJSON(&got); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if got.ID != sent.ID {
		t.Errorf("frame ID = %q, want %q", got.ID, sent.ID)
	}
	if got.Kind != KindAnswer {
		t.Errorf("frame kind = %q, want %q", got.Kind, KindAnswer)
	}
	if got.To != "bob" {
		t.Errorf("frame to = %q, want %q", got.To, "bob")
	}
}

// TestWSMailboxSendDetached verifies that Send fails transiently while
// no stream is attached, so the negotiation layer treats it like any
// other lost signal.
func TestWSMailboxSendDetached(t *testing.T) {
	// A server that never upgrades: every dial fails.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream here", http.StatusNotFound)
	}))
	defer server.Close()

	box, err := NewWS(WSConfig{
		RelayURL: server.URL,
		Session:  "table-1",
		Peer:     "alice",
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("creating mailbox: %v", err)
	}
	defer box.Close()

	sendErr := box.Send(context.Background(), NewMessage(KindOffer, "alice", "bob", "sdp", time.Unix(100, 0)))
	if sendErr == nil {
		t.Fatal("send succeeded with no stream attached")
	}
	if !IsTransient(sendErr) {
		t.Errorf("detached send error %v classified permanent, want transient", sendErr)
	}
}

// TestWSStreamURL verifies scheme conversion from relay base URLs to
// stream endpoints.
func TestWSStreamURL(t *testing.T) {
	tests := []struct {
		relayURL string
		want     string
		wantErr  bool
	}{
		{"http://relay.example:7410", "ws://relay.example:7410/v1/session/t/mailbox/p/stream", false},
		{"https://relay.example", "wss://relay.example/v1/session/t/mailbox/p/stream", false},
		{"ws://relay.example", "ws://relay.example/v1/session/t/mailbox/p/stream", false},
		{"ftp://relay.example", "", true},
	}
	for _, test := range tests {
		got, err := wsStreamURL(test.relayURL, "t", "p")
		if test.wantErr {
			if err == nil {
				t.Errorf("wsStreamURL(%q) succeeded, want error", test.relayURL)
			}
			continue
		}
		if err != nil {
			t.Errorf("wsStreamURL(%q): %v", test.relayURL, err)
			continue
		}
		if got != test.want {
			t.Errorf("wsStreamURL(%q) = %q, want %q", test.relayURL, got, test.want)
		}
	}
}

// TestWSStreamURLEscapesSegments verifies that session and peer IDs are
// path-escaped in the stream URL.
func TestWSStreamURLEscapesSegments(t *testing.T) {
	got, err := wsStreamURL("http://relay", "table one", "peer/7")
	if err != nil {
		t.Fatalf("wsStreamURL: %v", err)
	}
	if !strings.Contains(got, "table%20one") || !strings.Contains(got, "peer%2F7") {
		t.Errorf("segments not escaped: %q", got)
	}
}
