// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/parlor-games/parlor/lib/clock"
	"github.com/parlor-games/parlor/mailbox"
)

// Sizing constants for connection machines.
const (
	// machineInboxSize bounds a machine's event queue. A negotiation
	// is a handful of messages; sustained overflow means the peer is
	// flooding, and dropping is safe because the sweep deadline
	// recovers the negotiation if anything essential was lost.
	machineInboxSize = 64

	// seenLimit bounds the duplicate-suppression window per machine.
	seenLimit = 256
)

type machineEventKind int

const (
	evInitiate machineEventKind = iota
	evMessage
	evSession
	evGraceExpired
	evRetryReady
	evSweep
	evClose
)

func (k machineEventKind) String() string {
	switch k {
	case evInitiate:
		return "initiate"
	case evMessage:
		return "message"
	case evSession:
		return "session"
	case evGraceExpired:
		return "grace_expired"
	case evRetryReady:
		return "retry_ready"
	case evSweep:
		return "sweep"
	case evClose:
		return "close"
	default:
		return "unknown"
	}
}

// machineEvent is one unit of work for a machine's run loop. Only the
// fields implied by kind are set.
type machineEvent struct {
	kind    machineEventKind
	msg     mailbox.Message // evMessage
	session SessionEvent    // evSession
	gen     uint64          // evGraceExpired, evRetryReady
}

// machineConfig carries everything a machine borrows from its pool.
type machineConfig struct {
	local    PeerID
	peer     PeerID
	mailbox  mailbox.Mailbox
	sessions SessionFactory
	policy   Policy
	clock    clock.Clock
	logger   *slog.Logger

	// publish reports lifecycle events. It must not block.
	publish func(Event)

	// retired is called exactly once, after resources are released,
	// when the machine reaches Failed or Closed.
	retired func(*machine)
}

// machine owns the complete connection lifecycle for one remote peer.
// A single goroutine consumes events from inbox and performs every
// state mutation, so the negotiation logic is free of locking; the
// small mu-guarded block exists only so snapshots can read a
// consistent copy without stopping the loop.
type machine struct {
	cfg    machineConfig
	logger *slog.Logger

	inbox chan machineEvent
	done  chan struct{}

	// sendCtx cancels in-flight mailbox sends when the machine dies.
	sendCtx    context.Context
	sendCancel context.CancelFunc

	// Snapshot-visible state. Guarded by mu, written only by the run
	// loop.
	mu            sync.Mutex
	state         State
	role          Role
	attempts      int
	lastError     error
	establishedAt time.Time
	stream        *MediaStream

	// Run-loop private state.
	session          Session
	epoch            uint64
	candidates       *candidateBuffer
	seen             *seenSet
	negotiationStart time.Time
	createdAt        time.Time
	retryPending     bool
	graceTimer       *clock.Timer
	retryTimer       *clock.Timer
	timerGen         uint64
}

func newMachine(cfg machineConfig) *machine {
	sendCtx, sendCancel := context.WithCancel(context.Background())
	m := &machine{
		cfg:        cfg,
		logger:     cfg.logger.With("peer", cfg.peer),
		inbox:      make(chan machineEvent, machineInboxSize),
		done:       make(chan struct{}),
		sendCtx:    sendCtx,
		sendCancel: sendCancel,
		state:      StateIdle,
		candidates: &candidateBuffer{},
		seen:       newSeenSet(seenLimit),
		createdAt:  cfg.clock.Now(),
	}
	go m.run()
	return m
}

// post hands an event to the run loop without ever blocking. Events
// for a finished machine, or beyond the inbox bound, are dropped.
func (m *machine) post(ev machineEvent) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.inbox <- ev:
	default:
		m.logger.Warn("machine inbox full, dropping event", "kind", ev.kind)
	}
}

func (m *machine) run() {
	defer close(m.done)
	for ev := range m.inbox {
		m.handle(ev)
		if s := m.currentState(); s == StateFailed || s == StateClosed {
			return
		}
	}
}

func (m *machine) handle(ev machineEvent) {
	switch ev.kind {
	case evInitiate:
		m.handleInitiate()
	case evMessage:
		m.handleMessage(ev.msg)
	case evSession:
		m.handleSessionEvent(ev.session)
	case evGraceExpired:
		m.handleGraceExpired(ev.gen)
	case evRetryReady:
		m.handleRetryReady(ev.gen)
	case evSweep:
		m.handleSweep()
	case evClose:
		m.finish()
	}
}

func (m *machine) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) info() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionInfo{
		Peer:          m.cfg.peer,
		State:         m.state,
		Role:          m.role,
		Attempts:      m.attempts,
		EstablishedAt: m.establishedAt,
		LastError:     m.lastError,
		Stream:        m.stream,
	}
}

func (m *machine) handleInitiate() {
	if m.currentState() != StateIdle {
		return
	}
	m.startInitiator()
}

// startInitiator opens a fresh session and sends our offer. Any
// previous session is gone by the time this runs; candidates already
// buffered (a machine born Idle from a stray candidate) survive into
// the new attempt.
func (m *machine) startInitiator() {
	m.mu.Lock()
	m.state = StateNegotiating
	m.role = RoleInitiator
	attempt := m.attempts
	m.mu.Unlock()
	m.negotiationStart = m.cfg.clock.Now()
	if m.candidates == nil {
		m.candidates = &candidateBuffer{}
	}

	session, err := m.openSession()
	if err != nil {
		m.fail(fmt.Errorf("create session: %w", err))
		return
	}
	offer, err := session.CreateOffer(m.sendCtx)
	if err != nil {
		m.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	m.sendSignal(mailbox.KindOffer, offer)
	m.logger.Info("sent offer", "attempt", attempt)
}

// startResponder answers remoteOffer on a fresh session. Candidates
// that outran the offer are waiting in the buffer and apply the
// moment the answer exists.
func (m *machine) startResponder(remoteOffer string) {
	m.stopTimers()
	m.retryPending = false
	m.mu.Lock()
	m.state = StateNegotiating
	m.role = RoleResponder
	m.mu.Unlock()
	m.negotiationStart = m.cfg.clock.Now()
	if m.candidates == nil {
		m.candidates = &candidateBuffer{}
	}

	session, err := m.openSession()
	if err != nil {
		m.fail(fmt.Errorf("create session: %w", err))
		return
	}
	answer, err := session.CreateAnswer(m.sendCtx, remoteOffer)
	if err != nil {
		m.fail(fmt.Errorf("answer offer: %w: %w", ErrNegotiationRejected, err))
		return
	}
	m.remoteApplied()
	m.sendSignal(mailbox.KindAnswer, answer)
	m.logger.Info("answered offer")
}

// openSession mints the next session epoch. The emit closure stamps
// every event with that epoch, so events from a torn-down session are
// recognizably stale.
func (m *machine) openSession() (Session, error) {
	m.epoch++
	epoch := m.epoch
	session, err := m.cfg.sessions(m.cfg.peer, epoch, func(ev SessionEvent) {
		ev.Peer = m.cfg.peer
		ev.Epoch = epoch
		m.post(machineEvent{kind: evSession, session: ev})
	})
	if err != nil {
		return nil, err
	}
	m.session = session
	return session, nil
}

// closeSession releases the current session and advances the epoch so
// the dead session's late events cannot touch its successor.
func (m *machine) closeSession() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		m.logger.Debug("session close", "error", err)
	}
	m.session = nil
	m.epoch++
}

// sendSignal ships one signaling message without blocking the run
// loop. Send errors are logged and otherwise ignored: a lost offer or
// answer surfaces as a negotiation timeout and takes the normal
// retry path.
func (m *machine) sendSignal(kind mailbox.Kind, payload string) {
	msg := mailbox.NewMessage(kind, string(m.cfg.local), string(m.cfg.peer), payload, m.cfg.clock.Now())
	go func() {
		if err := m.cfg.mailbox.Send(m.sendCtx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("signal send failed", "kind", kind, "error", err)
		}
	}()
}

func (m *machine) handleMessage(msg mailbox.Message) {
	if m.seen.observe(msg.ID) {
		m.logger.Debug("dropping redelivered signal", "kind", msg.Kind, "id", msg.ID)
		return
	}
	switch msg.Kind {
	case mailbox.KindOffer:
		m.handleOffer(msg)
	case mailbox.KindAnswer:
		m.handleAnswer(msg)
	case mailbox.KindCandidate:
		m.handleCandidate(msg)
	default:
		m.logger.Debug("dropping signal of unknown kind", "kind", msg.Kind)
	}
}

// handleOffer answers the peer's offer, first resolving glare if our
// own offer is in flight.
func (m *machine) handleOffer(msg mailbox.Message) {
	m.mu.Lock()
	state, role := m.state, m.role
	m.mu.Unlock()

	switch state {
	case StateIdle:
		m.startResponder(msg.Payload)
	case StateNegotiating:
		if role == RoleInitiator {
			if !shouldYield(m.cfg.local, m.cfg.peer) {
				m.logger.Info("offer glare, keeping initiator role")
				return
			}
			m.logger.Info("offer glare, yielding to peer's offer")
		}
		// A responder seeing a fresh offer means the peer restarted
		// its attempt; answer the newest one.
		m.closeSession()
		m.startResponder(msg.Payload)
	case StateConnected:
		// Media is flowing. A delayed copy of an old offer must not
		// tear it down; if the peer truly restarted, our transport
		// will drop and the offer that follows finds us in
		// Disconnected.
		m.logger.Debug("ignoring offer while connected")
	case StateDisconnected:
		m.logger.Info("peer re-offered during grace window, renegotiating")
		m.dropStream()
		m.closeSession()
		m.startResponder(msg.Payload)
	case StateFailed, StateClosed:
		// Terminal. The pool has already forgotten us.
	}
}

func (m *machine) handleAnswer(msg mailbox.Message) {
	m.mu.Lock()
	state, role := m.state, m.role
	m.mu.Unlock()
	if state != StateNegotiating || role != RoleInitiator || m.session == nil || m.candidates == nil {
		// Either we never offered or this answers a dead attempt.
		// At-least-once delivery makes stale answers routine.
		m.logger.Debug("dropping stale answer", "state", state, "role", role)
		return
	}
	if err := m.session.AcceptAnswer(msg.Payload); err != nil {
		m.fail(fmt.Errorf("apply answer: %w: %w", ErrNegotiationRejected, err))
		return
	}
	m.remoteApplied()
	m.logger.Info("applied answer")
}

func (m *machine) handleCandidate(msg mailbox.Message) {
	if m.candidates != nil {
		m.candidates.add(msg.Payload)
		m.logger.Debug("buffered early candidate", "buffered", m.candidates.len())
		return
	}
	if m.session == nil {
		m.logger.Debug("dropping candidate without session")
		return
	}
	if err := m.session.AddCandidate(msg.Payload); err != nil {
		m.logger.Warn("candidate rejected", "error", err)
	}
}

// remoteApplied flushes buffered candidates now that the session has
// a remote description, then retires the buffer so later candidates
// apply directly.
func (m *machine) remoteApplied() {
	if m.candidates == nil {
		return
	}
	pending := m.candidates.drain()
	m.candidates = nil
	for _, candidate := range pending {
		if err := m.session.AddCandidate(candidate); err != nil {
			m.logger.Warn("buffered candidate rejected", "error", err)
		}
	}
}

func (m *machine) handleSessionEvent(ev SessionEvent) {
	if ev.Epoch != m.epoch {
		m.logger.Debug("dropping stale session event", "kind", ev.Kind, "epoch", ev.Epoch)
		return
	}
	switch ev.Kind {
	case SessionCandidate:
		m.sendSignal(mailbox.KindCandidate, ev.Candidate)
	case SessionTrack:
		m.mu.Lock()
		m.stream = ev.Stream
		m.mu.Unlock()
		m.cfg.publish(Event{Kind: TrackAdded, Peer: m.cfg.peer, Stream: ev.Stream})
	case SessionConnected:
		m.handleConnected()
	case SessionDisconnected:
		m.handleDisconnected()
	case SessionFailed:
		m.handleTransportFailed(ev.Err)
	}
}

// handleConnected moves to Connected from a live negotiation or from
// a grace-window recovery. Reaching Connected refunds the retry
// budget.
func (m *machine) handleConnected() {
	state := m.currentState()
	if state != StateNegotiating && state != StateDisconnected {
		return
	}
	m.stopTimers()
	m.retryPending = false
	m.mu.Lock()
	m.state = StateConnected
	m.attempts = 0
	m.lastError = nil
	m.establishedAt = m.cfg.clock.Now()
	role := m.role
	m.mu.Unlock()
	m.logger.Info("peer connected", "role", role)
	m.cfg.publish(Event{Kind: PeerConnected, Peer: m.cfg.peer})
}

// handleDisconnected starts the grace window. Transport blips often
// heal on their own; the machine only intervenes if the window
// expires.
func (m *machine) handleDisconnected() {
	if m.currentState() != StateConnected {
		return
	}
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	m.timerGen++
	gen := m.timerGen
	m.graceTimer = m.cfg.clock.AfterFunc(m.cfg.policy.GraceWindow, func() {
		m.post(machineEvent{kind: evGraceExpired, gen: gen})
	})
	m.logger.Info("peer disconnected, grace window started", "grace", m.cfg.policy.GraceWindow)
	m.cfg.publish(Event{Kind: PeerDisconnected, Peer: m.cfg.peer})
}

func (m *machine) handleGraceExpired(gen uint64) {
	if gen != m.timerGen || m.currentState() != StateDisconnected {
		return
	}
	m.repair(fmt.Errorf("%w: transport down past grace window", ErrNegotiationTimeout))
}

func (m *machine) handleRetryReady(gen uint64) {
	if gen != m.timerGen || !m.retryPending {
		return
	}
	m.retryPending = false
	m.startInitiator()
}

// handleSweep enforces the negotiation deadline and reaps machines
// that never progressed past Idle.
func (m *machine) handleSweep() {
	now := m.cfg.clock.Now()
	switch m.currentState() {
	case StateNegotiating:
		if m.retryPending {
			return
		}
		if now.Sub(m.negotiationStart) < m.cfg.policy.NegotiationTimeout {
			return
		}
		m.repair(fmt.Errorf("%w: no progress in %v", ErrNegotiationTimeout, m.cfg.policy.NegotiationTimeout))
	case StateIdle:
		// Born from a stray candidate whose offer never came.
		if now.Sub(m.createdAt) >= m.cfg.policy.NegotiationTimeout {
			m.finish()
		}
	}
}

func (m *machine) handleTransportFailed(cause error) {
	reason := errors.New("transport failed")
	if cause != nil {
		reason = fmt.Errorf("transport failed: %w", cause)
	}
	switch m.currentState() {
	case StateNegotiating:
		if m.retryPending {
			return
		}
		m.repair(reason)
	case StateConnected:
		m.cfg.publish(Event{Kind: PeerDisconnected, Peer: m.cfg.peer})
		m.repair(reason)
	case StateDisconnected:
		m.repair(reason)
	}
}

// repair decides what trouble costs: an initiator spends a retry if
// any remain, everyone else fails. Responders never re-offer, so a
// broken pair cannot generate colliding repair attempts.
func (m *machine) repair(reason error) {
	m.mu.Lock()
	role, attempts := m.role, m.attempts
	m.mu.Unlock()
	if role != RoleInitiator {
		m.fail(reason)
		return
	}
	if attempts >= m.cfg.policy.MaxRetries {
		m.fail(fmt.Errorf("%w after %d retries", reason, attempts))
		return
	}
	m.scheduleRetry()
}

// scheduleRetry tears down the current attempt and arms the backoff
// timer for the next offer. State stays Negotiating so snapshots show
// the connection as being worked on.
func (m *machine) scheduleRetry() {
	m.stopTimers()
	m.dropStream()
	m.closeSession()
	m.candidates = nil
	m.mu.Lock()
	m.attempts++
	m.state = StateNegotiating
	attempt := m.attempts
	m.mu.Unlock()
	m.retryPending = true
	backoff := m.cfg.policy.retryBackoff(attempt)
	m.timerGen++
	gen := m.timerGen
	m.retryTimer = m.cfg.clock.AfterFunc(backoff, func() {
		m.post(machineEvent{kind: evRetryReady, gen: gen})
	})
	m.logger.Info("scheduling negotiation retry", "attempt", attempt, "backoff", backoff)
}

// dropStream retires the current inbound stream, if any, and tells
// subscribers.
func (m *machine) dropStream() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream != nil {
		m.cfg.publish(Event{Kind: TrackRemoved, Peer: m.cfg.peer, Stream: stream})
	}
}

// stopTimers cancels the grace and retry timers and invalidates any
// firing already in flight.
func (m *machine) stopTimers() {
	m.timerGen++
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// fail releases everything and retires the machine as Failed. The
// pool forgets failed machines, so a later offer from the peer gets a
// clean start.
func (m *machine) fail(reason error) {
	m.stopTimers()
	m.sendCancel()
	m.dropStream()
	m.closeSession()
	m.retryPending = false
	m.candidates = nil
	m.mu.Lock()
	m.state = StateFailed
	m.lastError = reason
	m.mu.Unlock()
	m.logger.Warn("connection failed", "error", reason)
	m.cfg.publish(Event{Kind: PeerFailed, Peer: m.cfg.peer, Err: reason})
	m.cfg.retired(m)
}

// finish releases everything and retires the machine as Closed.
func (m *machine) finish() {
	m.stopTimers()
	m.sendCancel()
	m.dropStream()
	m.closeSession()
	m.retryPending = false
	m.candidates = nil
	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	m.cfg.publish(Event{Kind: PeerClosed, Peer: m.cfg.peer})
	m.cfg.retired(m)
}
