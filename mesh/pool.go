// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/parlor-games/parlor/lib/clock"
	"github.com/parlor-games/parlor/mailbox"
)

const (
	// defaultEventBuffer caps the Events channel when Config leaves
	// it zero.
	defaultEventBuffer = 64

	// tombstoneTTL is how long a removed peer stays blocked from
	// machine recreation by late mailbox traffic. Well past the
	// relay's worst redelivery delay.
	tombstoneTTL = 5 * time.Minute
)

// Config assembles a [Pool].
type Config struct {
	// Local is this peer's ID, exactly as other peers address it.
	Local PeerID

	// Mailbox carries signaling to and from the relay.
	Mailbox mailbox.Mailbox

	// Sessions mints one media session per negotiation attempt.
	Sessions SessionFactory

	// Policy tunes timing. Zero fields take defaults.
	Policy Policy

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// EventBuffer caps the Events channel. Zero means the default.
	EventBuffer int
}

// Pool orchestrates the connection machines for one local peer. The
// game layer declares which peers should be reachable; the pool
// negotiates, repairs, and reports, isolating each peer's trouble in
// its own machine.
//
// EstablishConnections, HandleInboundMessage, and RemovePeer are safe
// for concurrent use and never block on network I/O. Run pumps the
// mailbox; without it machines still react to whatever is handed to
// them directly.
type Pool struct {
	local    PeerID
	mailbox  mailbox.Mailbox
	sessions SessionFactory
	policy   Policy
	clock    clock.Clock
	logger   *slog.Logger

	// mu guards the machine table and the tombstones of removed
	// peers. Machines synchronize internally.
	mu       sync.Mutex
	machines map[PeerID]*machine
	removed  map[PeerID]time.Time

	events chan Event

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// New assembles a Pool. The pool is passive until Run starts pumping
// the mailbox, but its surface is usable immediately.
func New(config Config) (*Pool, error) {
	if config.Local == "" {
		return nil, errors.New("mesh pool requires a local peer ID")
	}
	if config.Mailbox == nil {
		return nil, errors.New("mesh pool requires a mailbox")
	}
	if config.Sessions == nil {
		return nil, errors.New("mesh pool requires a session factory")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := config.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Pool{
		local:    config.Local,
		mailbox:  config.Mailbox,
		sessions: config.Sessions,
		policy:   config.Policy.withDefaults(),
		clock:    clk,
		logger:   logger.With("component", "mesh", "local", config.Local),
		machines: make(map[PeerID]*machine),
		removed:  make(map[PeerID]time.Time),
		events:   make(chan Event, buffer),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}, nil
}

// Run drains the mailbox on the poll cadence and enforces negotiation
// deadlines on the sweep cadence until ctx is canceled or the pool is
// closed. It always returns nil; per-peer trouble surfaces through
// events and snapshots, never as a pump error.
func (p *Pool) Run(ctx context.Context) error {
	poll := p.clock.NewTicker(p.policy.PollInterval)
	defer poll.Stop()
	sweep := p.clock.NewTicker(p.policy.SweepInterval)
	defer sweep.Stop()
	p.readyOnce.Do(func() { close(p.ready) })

	// Drain whatever queued up before we started, offers included.
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return nil
		case <-p.closed:
			return nil
		case <-poll.C:
			p.pollOnce(ctx)
		case <-sweep.C:
			p.sweepOnce()
		}
	}
}

// Ready is closed once Run has started pumping the mailbox.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// pollOnce fetches everything currently queued for us and routes each
// message. Fetch errors are logged and absorbed; the next tick is the
// retry.
func (p *Pool) pollOnce(ctx context.Context) {
	messages, err := p.mailbox.Fetch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
			return
		}
		p.logger.Warn("mailbox fetch failed", "error", err)
		return
	}
	for _, msg := range messages {
		p.HandleInboundMessage(msg)
	}
}

// sweepOnce nudges every machine to check its deadlines and prunes
// expired tombstones.
func (p *Pool) sweepOnce() {
	now := p.clock.Now()
	p.mu.Lock()
	machines := make([]*machine, 0, len(p.machines))
	for _, m := range p.machines {
		machines = append(machines, m)
	}
	for peer, at := range p.removed {
		if now.Sub(at) > tombstoneTTL {
			delete(p.removed, peer)
		}
	}
	p.mu.Unlock()
	for _, m := range machines {
		m.post(machineEvent{kind: evSweep})
	}
}

// EstablishConnections asks the pool to reach every listed peer,
// initiating wherever no negotiation is underway. Peers already
// negotiating or connected are untouched, the local peer is skipped,
// and fresh offers go out staggered in input order so a player
// joining a full table does not burst the relay. The call itself
// never blocks on network I/O.
func (p *Pool) EstablishConnections(peers []PeerID) {
	select {
	case <-p.closed:
		return
	default:
	}
	var scheduled int
	for _, peer := range peers {
		if peer == p.local || peer == "" {
			continue
		}
		p.mu.Lock()
		delete(p.removed, peer)
		m, ok := p.machines[peer]
		if !ok {
			m = p.spawnLocked(peer)
		}
		p.mu.Unlock()
		if m.currentState() != StateIdle {
			continue
		}
		delay := time.Duration(scheduled) * p.policy.EstablishStagger
		scheduled++
		if delay <= 0 {
			m.post(machineEvent{kind: evInitiate})
			continue
		}
		target := m
		p.clock.AfterFunc(delay, func() {
			target.post(machineEvent{kind: evInitiate})
		})
	}
}

// HandleInboundMessage routes one signaling message to its sender's
// machine, creating the machine on first contact. Malformed or
// misaddressed messages, our own echoes, and traffic from removed
// peers are dropped silently: the relay redelivers and reorders, so
// surprising messages are routine, not errors.
func (p *Pool) HandleInboundMessage(msg mailbox.Message) {
	select {
	case <-p.closed:
		return
	default:
	}
	if err := msg.Validate(); err != nil {
		p.logger.Debug("dropping malformed signal", "error", err)
		return
	}
	if msg.To != string(p.local) || msg.From == string(p.local) {
		p.logger.Debug("dropping misaddressed signal", "from", msg.From, "to", msg.To)
		return
	}
	peer := PeerID(msg.From)
	p.mu.Lock()
	if _, gone := p.removed[peer]; gone {
		p.mu.Unlock()
		p.logger.Debug("dropping signal from removed peer", "peer", peer)
		return
	}
	m, ok := p.machines[peer]
	if !ok {
		m = p.spawnLocked(peer)
	}
	p.mu.Unlock()
	m.post(machineEvent{kind: evMessage, msg: msg})
}

// RemovePeer tears down the connection to peer and tombstones it so
// late mailbox traffic cannot resurrect the machine. Idempotent.
func (p *Pool) RemovePeer(peer PeerID) {
	p.mu.Lock()
	m, ok := p.machines[peer]
	delete(p.machines, peer)
	p.removed[peer] = p.clock.Now()
	p.mu.Unlock()
	if ok {
		m.post(machineEvent{kind: evClose})
	}
}

// Snapshot copies every live connection's state, keyed by peer. The
// copies are stable; the pool moves on underneath them.
func (p *Pool) Snapshot() map[PeerID]ConnectionInfo {
	p.mu.Lock()
	machines := make([]*machine, 0, len(p.machines))
	for _, m := range p.machines {
		machines = append(machines, m)
	}
	p.mu.Unlock()
	infos := make(map[PeerID]ConnectionInfo, len(machines))
	for _, m := range machines {
		info := m.info()
		infos[info.Peer] = info
	}
	return infos
}

// Streams returns the live media streams keyed by peer, a convenience
// over Snapshot for render loops.
func (p *Pool) Streams() map[PeerID]*MediaStream {
	streams := make(map[PeerID]*MediaStream)
	for peer, info := range p.Snapshot() {
		if info.Stream != nil {
			streams[peer] = info.Stream
		}
	}
	return streams
}

// Events exposes the lifecycle feed. The channel is never closed; it
// goes quiet when the pool does. A subscriber that stops reading
// loses events, not connections.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Close tears down every machine and stops Run. The mailbox stays
// open; its owner closes it.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		machines := make([]*machine, 0, len(p.machines))
		for _, m := range p.machines {
			machines = append(machines, m)
		}
		p.machines = make(map[PeerID]*machine)
		p.mu.Unlock()
		for _, m := range machines {
			m.post(machineEvent{kind: evClose})
		}
	})
	return nil
}

// spawnLocked creates and registers the machine for peer. Callers
// hold p.mu.
func (p *Pool) spawnLocked(peer PeerID) *machine {
	m := newMachine(machineConfig{
		local:    p.local,
		peer:     peer,
		mailbox:  p.mailbox,
		sessions: p.sessions,
		policy:   p.policy,
		clock:    p.clock,
		logger:   p.logger,
		publish:  p.publish,
		retired:  p.retire,
	})
	p.machines[peer] = m
	return m
}

// retire drops a terminal machine from the table. The identity check
// protects a successor machine for the same peer from its
// predecessor's late retirement.
func (p *Pool) retire(m *machine) {
	p.mu.Lock()
	if current, ok := p.machines[m.cfg.peer]; ok && current == m {
		delete(p.machines, m.cfg.peer)
	}
	p.mu.Unlock()
}

// publish delivers one event to the subscriber without blocking.
func (p *Pool) publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("event subscriber lagging, dropping event", "kind", ev.Kind, "peer", ev.Peer)
	}
}
