// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"sync/atomic"
)

// Session is one media-layer connection attempt toward one peer,
// reduced to the operations negotiation needs. The environment
// provides the implementation; [NewPionFactory] wires pion/webrtc,
// tests wire fakes. All blobs are opaque strings chosen by the
// implementation (SDP and serialized candidates for WebRTC).
//
// A Session reports everything asynchronous through the emit callback
// its factory received: local candidates as they trickle, transport
// up/down/failed, and inbound media streams. emit never blocks, may
// be called from any goroutine, and stamps each event with the
// session's peer and epoch itself.
//
// Calls arrive from a single goroutine, in negotiation order: exactly
// one of CreateOffer or CreateAnswer first, AcceptAnswer only after
// CreateOffer, AddCandidate any time after the first call. Close may
// race only with nothing; it is always the last call.
type Session interface {
	// CreateOffer prepares the local side and returns the offer blob
	// to signal to the peer.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the peer's offer, prepares the local side,
	// and returns the answer blob to signal back.
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)

	// AcceptAnswer applies the peer's answer to an earlier
	// CreateOffer.
	AcceptAnswer(remoteAnswer string) error

	// AddCandidate applies one remote transport candidate. Callers
	// guarantee a remote description was applied first.
	AddCandidate(candidate string) error

	// Close releases the attempt and everything it established.
	Close() error
}

// SessionFactory mints a Session for one negotiation attempt with
// peer. epoch identifies the attempt; the machine that owns the peer
// discards events carrying a stale epoch, so a torn-down session's
// late callbacks cannot corrupt its successor.
type SessionFactory func(peer PeerID, epoch uint64, emit func(SessionEvent)) (Session, error)

// SessionEventKind enumerates what a Session can report.
type SessionEventKind int

const (
	// SessionConnected means the transport reached a usable state and
	// media can flow.
	SessionConnected SessionEventKind = iota

	// SessionDisconnected means the transport dropped but may recover
	// without renegotiation.
	SessionDisconnected

	// SessionFailed means the transport is past recovery; only a new
	// session can help. Err carries the reason when known.
	SessionFailed

	// SessionCandidate carries one local candidate to signal to the
	// peer.
	SessionCandidate

	// SessionTrack announces an inbound media stream from the peer.
	SessionTrack
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionFailed:
		return "failed"
	case SessionCandidate:
		return "candidate"
	case SessionTrack:
		return "track"
	default:
		return "unknown"
	}
}

// SessionEvent is one asynchronous report from a Session.
type SessionEvent struct {
	// Peer and Epoch identify the session that produced the event.
	Peer  PeerID
	Epoch uint64

	Kind SessionEventKind

	// Candidate is the local candidate blob for SessionCandidate.
	Candidate string

	// Stream is the inbound stream for SessionTrack.
	Stream *MediaStream

	// Err is the failure reason for SessionFailed, may be nil.
	Err error
}

// MediaStream is one live inbound media stream from a remote peer,
// the handle the UI layer renders from. The negotiating machinery
// treats it as opaque.
type MediaStream struct {
	// Peer is the stream's sender.
	Peer PeerID

	// TrackID is the sender-assigned stream identifier.
	TrackID string

	// Kind is the media kind, "audio" or "video".
	Kind string

	// SSRC is the RTP synchronization source, zero for non-RTP
	// transports.
	SSRC uint32

	packets atomic.Uint64
}

// Packets reports how many media packets have arrived on the stream.
// It only ever grows; a reader can detect a live stream by watching
// it move.
func (s *MediaStream) Packets() uint64 {
	return s.packets.Load()
}

func (s *MediaStream) countPacket() {
	s.packets.Add(1)
}
