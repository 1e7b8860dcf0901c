// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

// EventKind enumerates the connection outcomes a pool reports.
type EventKind int

const (
	// PeerConnected means media to the peer is flowing, either for
	// the first time or again after a disconnect.
	PeerConnected EventKind = iota

	// PeerDisconnected means media to the peer stopped; the machine
	// is waiting out the grace window before intervening.
	PeerDisconnected

	// PeerFailed means the connection is beyond repair and its
	// machine is gone. Err carries the final reason. A later inbound
	// offer from the peer starts over with a fresh machine.
	PeerFailed

	// PeerClosed means the peer was removed deliberately.
	PeerClosed

	// TrackAdded means the peer's media stream became available.
	TrackAdded

	// TrackRemoved means the peer's media stream went away with its
	// connection.
	TrackRemoved
)

func (k EventKind) String() string {
	switch k {
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case PeerFailed:
		return "peer_failed"
	case PeerClosed:
		return "peer_closed"
	case TrackAdded:
		return "track_added"
	case TrackRemoved:
		return "track_removed"
	default:
		return "unknown"
	}
}

// Event is one connection lifecycle notification. The UI layer
// subscribes via [Pool.Events] to re-render presence the moment it
// changes instead of polling snapshots.
type Event struct {
	Kind EventKind
	Peer PeerID

	// Stream accompanies TrackAdded and TrackRemoved.
	Stream *MediaStream

	// Err accompanies PeerFailed.
	Err error
}
