// Package session owns the per-account upstream WebSocket sessions: request
// correlation, outbound backpressure, heartbeats and re-authorizing
// reconnects.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
)

// Manager implements core.ISessionManager. One managed session per account;
// sessions are created lazily on first use and live until closed.
type Manager struct {
	cfg      config.SessionConfig
	upstream string
	logger   core.ILogger

	mu       sync.RWMutex
	sessions map[string]*managedSession

	// Hooks into the risk layer, set once during wiring.
	onReconnect   func(accountID string)
	onAckLatency  func(ms float64)
	onAuthFailure func(accountID string, err error)
}

// NewManager creates a session manager speaking to the given upstream URL.
func NewManager(upstream string, cfg config.SessionConfig, logger core.ILogger) *Manager {
	return &Manager{
		cfg:      cfg,
		upstream: upstream,
		logger:   logger.WithField("component", "session_manager"),
		sessions: make(map[string]*managedSession),
	}
}

// SetReconnectHook registers a callback fired on every lost connection.
func (m *Manager) SetReconnectHook(fn func(accountID string)) {
	m.onReconnect = fn
}

// SetAckLatencyHook registers a callback fed with send-to-ack latencies.
func (m *Manager) SetAckLatencyHook(fn func(ms float64)) {
	m.onAckLatency = fn
}

// SetAuthFailureHook registers a callback fired when a session fails
// terminally (authorization rejected upstream).
func (m *Manager) SetAuthFailureHook(fn func(accountID string, err error)) {
	m.onAuthFailure = fn
}

// GetOrCreate returns an authorized session for the account, establishing
// one if needed. Concurrent callers for the same account share the same
// session and wait on the same first authorization.
func (m *Manager) GetOrCreate(ctx context.Context, token, accountID string) (*core.SessionInfo, error) {
	m.mu.RLock()
	s, ok := m.sessions[accountID]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		s, ok = m.sessions[accountID]
		if !ok {
			s = newManagedSession(m, accountID, token)
			m.sessions[accountID] = s
			s.start()
		}
		m.mu.Unlock()
	}

	s.refreshToken(token)

	info, err := s.waitAuthorized(ctx)
	if err != nil {
		if core.IsKind(err, core.KindAuth) {
			m.remove(accountID, s)
		}
		return nil, err
	}
	return info, nil
}

// SendRequest writes a frame tagged with a fresh request id and resolves
// with the correlated response.
func (m *Manager) SendRequest(ctx context.Context, accountID string, req protocol.Request, deadline time.Duration) (*protocol.Message, error) {
	s, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	if deadline <= 0 {
		deadline = time.Duration(m.cfg.RequestTimeoutMS) * time.Millisecond
	}
	return s.sendRequest(ctx, req, deadline)
}

// SendFireAndForget enqueues a frame without awaiting its response.
func (m *Manager) SendFireAndForget(accountID string, req protocol.Request) error {
	s, err := m.lookup(accountID)
	if err != nil {
		return err
	}
	return s.sendFireAndForget(req)
}

// RegisterStreamingListener subscribes fn to unsolicited inbound frames
// for the account. Listeners run in arrival order on one dispatcher.
func (m *Manager) RegisterStreamingListener(accountID string, fn core.StreamingHandler) {
	if s, err := m.lookup(accountID); err == nil {
		s.addStreamingListener(fn)
	}
}

// RegisterConnectionReadyListener subscribes fn to post-authorize
// connection events for the account.
func (m *Manager) RegisterConnectionReadyListener(accountID string, fn core.ConnectionReadyHandler) {
	if s, err := m.lookup(accountID); err == nil {
		s.addReadyListener(fn)
	}
}

// Close tears down the session for one account.
func (m *Manager) Close(accountID string) error {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	s.close()
	return nil
}

// CloseAll tears down every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*managedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) lookup(accountID string) (*managedSession, error) {
	m.mu.RLock()
	s, ok := m.sessions[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.NewErrorf(core.KindValidation, "no session for account %s", accountID)
	}
	return s, nil
}

func (m *Manager) remove(accountID string, s *managedSession) {
	m.mu.Lock()
	if cur, ok := m.sessions[accountID]; ok && cur == s {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()
	s.close()
}

func (m *Manager) noteReconnect(accountID string) {
	if m.onReconnect != nil {
		m.onReconnect(accountID)
	}
}

func (m *Manager) noteAckLatency(ms float64) {
	if m.onAckLatency != nil {
		m.onAckLatency(ms)
	}
}

func (m *Manager) noteAuthFailure(accountID string, err error) {
	if m.onAuthFailure != nil {
		m.onAuthFailure(accountID, err)
	}
}

// CheckHealth reports how many sessions are currently disconnected.
func (m *Manager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var down int
	for _, s := range m.sessions {
		if !s.client.IsConnected() {
			down++
		}
	}
	if down > 0 {
		return fmt.Errorf("%d of %d sessions disconnected", down, len(m.sessions))
	}
	return nil
}
