package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatsync/internal/metrics"
)

// ConnectionStatus is the externally visible connection state. Owned
// exclusively by the connection manager; consumers only read it.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	// StatusDegraded means the polling fallback is active while the
	// WebSocket transport is unavailable. Messages still flow.
	StatusDegraded ConnectionStatus = "degraded"
	StatusError    ConnectionStatus = "error"
)

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultMaxRetries       = 8
)

type connConfig struct {
	wsURL        string // empty disables the WebSocket transport
	projectID    string
	token        string
	pollInterval time.Duration

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	maxRetries       int
	jitter           float64
}

// connManager owns the active transport and drives the connection state
// machine: disconnected -> connecting -> connected, connected -> degraded
// when the socket drops, terminal error for missing credentials or an
// unprovisioned conversation, and capped exponential backoff for
// everything transient.
type connManager struct {
	cfg      connConfig
	rest     *restClient
	store    *MessageStore
	logger   zerolog.Logger
	onStatus func(ConnectionStatus, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     ConnectionStatus
	lastErr    *SyncError
	transport  Transport
	bo         *backoff.ExponentialBackOff
	attempts   int
	retryTimer *time.Timer
	gen        int // bumped on every teardown; stale transport events are discarded
	closed     bool
}

func newConnManager(cfg connConfig, rest *restClient, store *MessageStore, onStatus func(ConnectionStatus, error), logger zerolog.Logger) *connManager {
	if cfg.reconnectInitial <= 0 {
		cfg.reconnectInitial = defaultReconnectInitial
	}
	if cfg.reconnectMax <= 0 {
		cfg.reconnectMax = defaultReconnectMax
	}
	if cfg.maxRetries <= 0 {
		cfg.maxRetries = defaultMaxRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.reconnectInitial
	bo.RandomizationFactor = cfg.jitter
	bo.Multiplier = 2
	bo.MaxInterval = cfg.reconnectMax
	bo.MaxElapsedTime = 0 // retries are bounded by attempt count, not wall time
	bo.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	return &connManager{
		cfg:      cfg,
		rest:     rest,
		store:    store,
		logger:   logger.With().Str("component", "conn").Logger(),
		onStatus: onStatus,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusDisconnected,
		bo:       bo,
	}
}

// Connect starts the state machine. A missing token is a terminal error
// before any network call; the user must authenticate first.
func (m *connManager) Connect() {
	m.mu.Lock()
	if m.closed || m.status == StatusConnecting {
		m.mu.Unlock()
		return
	}
	if m.cfg.token == "" {
		m.mu.Unlock()
		m.setStatus(StatusError, syncErr(ErrUnauthenticated, nil))
		return
	}
	gen := m.gen
	m.mu.Unlock()

	m.setStatus(StatusConnecting, nil)
	go m.establish(gen)
}

// Retry restarts the machine from error or disconnected with a fresh
// backoff schedule. The UI's retry affordance lands here.
func (m *connManager) Retry() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch m.status {
	case StatusError, StatusDisconnected:
	default:
		m.mu.Unlock()
		return
	}
	m.lastErr = nil
	m.attempts = 0
	m.bo.Reset()
	m.mu.Unlock()

	m.Connect()
}

// Status returns the current state and, in the error state, its cause.
func (m *connManager) Status() (ConnectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return m.status, m.lastErr
	}
	return m.status, nil
}

// ActiveTransport returns the transport currently feeding the store, or
// nil while disconnected.
func (m *connManager) ActiveTransport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// Close tears everything down synchronously: the retry timer is stopped,
// the context cancels any in-flight fetch (its result is discarded), and
// the active transport is closed. Nothing outlives the subscription.
func (m *connManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	transport := m.transport
	m.transport = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.cancel()
	if transport != nil {
		transport.Close()
	}
}

// establish performs the seed fetch and activates a transport. The first
// successful contact with the backend is what moves the machine out of
// connecting.
func (m *connManager) establish(gen int) {
	msgs, err := m.rest.listMessages(m.ctx, m.cfg.projectID)
	if m.stale(gen) {
		return
	}
	if err != nil {
		failure := classify(err)
		if terminal(failure) {
			m.logger.Warn().Err(failure).Msg("conversation unavailable")
			m.setStatus(StatusError, failure)
			return
		}
		m.scheduleRetry(gen, failure)
		return
	}

	m.store.Merge(msgs)

	// Prefer the push transport; fall back to polling without clearing
	// the store when the socket cannot be opened.
	if m.cfg.wsURL != "" {
		ws := newWSTransport(
			wsEndpoint(m.cfg.wsURL, m.cfg.projectID, m.cfg.token),
			m.cfg.projectID,
			m.callbacks(gen),
			m.logger,
		)
		if err := ws.Start(m.ctx); err == nil {
			if !m.activate(gen, ws) {
				ws.Close()
				return
			}
			m.resetBackoff()
			m.setStatus(StatusConnected, nil)
			return
		} else {
			m.logger.Debug().Err(err).Msg("socket unavailable, polling instead")
		}
	}

	m.startPolling(gen, m.cfg.wsURL != "")
}

// startPolling activates the pull transport. degraded marks that the
// preferred push transport is unavailable.
func (m *connManager) startPolling(gen int, degraded bool) {
	p := newPollTransport(m.rest, m.cfg.projectID, m.cfg.pollInterval, m.callbacks(gen), m.logger)
	if !m.activate(gen, p) {
		return
	}
	p.Start(m.ctx)
	m.resetBackoff()
	if degraded {
		metrics.Degrades.Inc()
		m.setStatus(StatusDegraded, nil)
	} else {
		m.setStatus(StatusConnected, nil)
	}
}

// activate installs the transport unless the generation went stale while
// it was being built.
func (m *connManager) activate(gen int, t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return false
	}
	m.transport = t
	return true
}

// callbacks binds transport events to this generation so events from a
// torn-down transport cannot touch the store or the state machine.
func (m *connManager) callbacks(gen int) transportCallbacks {
	return transportCallbacks{
		onMessages: func(msgs []Message) {
			if m.stale(gen) {
				return
			}
			m.store.Merge(msgs)
		},
		onLost: func(err error) {
			m.handleLoss(gen, err)
		},
	}
}

// handleLoss reacts to a transport reporting its channel gone. A lost
// socket degrades to polling; a dead poll loop goes through backoff; a
// terminal failure parks the machine in error.
func (m *connManager) handleLoss(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen = m.gen
	lost := m.transport
	m.transport = nil
	m.mu.Unlock()

	lostName := ""
	if lost != nil {
		lost.Close()
		lostName = lost.Name()
	}

	failure := classify(err)
	if terminal(failure) {
		m.logger.Warn().Err(failure).Msg("transport failed terminally")
		m.setStatus(StatusError, failure)
		return
	}

	if lostName == "websocket" {
		m.logger.Info().Err(err).Msg("socket lost, degrading to polling")
		m.startPolling(gen, true)
		return
	}

	m.logger.Info().Err(err).Msg("transport lost, reconnecting")
	m.scheduleRetry(gen, failure)
}

// scheduleRetry arms the backoff timer for another connection attempt,
// or parks the machine in error once the attempt budget is spent.
func (m *connManager) scheduleRetry(gen int, failure *SyncError) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.cfg.maxRetries {
		m.mu.Unlock()
		m.logger.Warn().Err(failure).Int("attempts", m.attempts-1).Msg("retries exhausted")
		m.setStatus(StatusError, failure)
		return
	}
	delay := m.bo.NextBackOff()
	attempt := m.attempts
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.mu.Unlock()
		m.establish(gen)
	})
	m.mu.Unlock()

	metrics.Reconnects.Inc()
	m.logger.Debug().
		Dur("delay", delay).
		Int("attempt", attempt).
		Msg("retry scheduled")
	m.setStatus(StatusConnecting, nil)
}

func (m *connManager) resetBackoff() {
	m.mu.Lock()
	m.attempts = 0
	m.bo.Reset()
	m.mu.Unlock()
}

// stale reports whether events for gen should be discarded.
func (m *connManager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || gen != m.gen
}

// setStatus records a transition and notifies the listener outside the
// lock. Transitions to the same status are not re-emitted.
func (m *connManager) setStatus(status ConnectionStatus, failure *SyncError) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.status == status && failure == nil {
		m.mu.Unlock()
		return
	}
	from := m.status
	m.status = status
	m.lastErr = failure
	fn := m.onStatus
	m.mu.Unlock()

	m.logger.Debug().
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("status changed")

	if fn != nil {
		var err error
		if failure != nil {
			err = failure
		}
		fn(status, err)
	}
}
