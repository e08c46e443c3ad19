// Package terminal relays a browser terminal viewer to a shell session on
// an agent. The AI side mints a short-lived one-shot token; the viewer
// socket redeems it, the manager opens a shell on the agent and polls its
// output buffer, forwarding bytes both ways.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/metrics"
	"github.com/screenlink/broker/internal/registry"
	"github.com/screenlink/broker/internal/token"
)

const (
	tokenTTL     = 5 * time.Minute
	pollInterval = 100 * time.Millisecond
)

var (
	ErrTokenInvalid  = errors.New("terminal token invalid or expired")
	ErrAgentOffline  = errors.New("agent is not connected")
	ErrNoSuchSession = errors.New("terminal session not found")
)

// TokenInfo is what a minted viewer token grants.
type TokenInfo struct {
	AgentID       uuid.UUID
	UserID        uuid.UUID
	RemoteAddress string
	ExpiresAt     time.Time
}

// ViewerConn is the write side of a terminal viewer socket.
type ViewerConn interface {
	WriteOutput(data []byte) error
	Close(reason string) error
}

// Session is one live viewer↔shell relay.
type Session struct {
	ID             string
	AgentConnID    uuid.UUID
	AgentSessionID string
	UserID         uuid.UUID

	viewer ViewerConn
	cancel context.CancelFunc
}

// Manager owns terminal tokens and live sessions.
type Manager struct {
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	tokens   map[string]*TokenInfo
	sessions map[string]*Session
}

// NewManager builds the terminal session manager.
func NewManager(reg *registry.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		registry: reg,
		logger:   logger,
		now:      time.Now,
		tokens:   make(map[string]*TokenInfo),
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches the Prometheus instruments. Optional.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// CreateSessionToken mints a one-shot viewer token for the agent. Stale
// tokens are expired lazily on each call.
func (m *Manager) CreateSessionToken(agentID, userID uuid.UUID, remoteAddr string) (string, time.Time, error) {
	tok, err := token.NewSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expires := m.now().Add(tokenTTL)

	m.mu.Lock()
	m.expireTokensLocked()
	m.tokens[tok] = &TokenInfo{
		AgentID:       agentID,
		UserID:        userID,
		RemoteAddress: remoteAddr,
		ExpiresAt:     expires,
	}
	m.mu.Unlock()
	return tok, expires, nil
}

func (m *Manager) expireTokensLocked() {
	now := m.now()
	for k, info := range m.tokens {
		if now.After(info.ExpiresAt) {
			delete(m.tokens, k)
		}
	}
}

// redeemToken validates and consumes a viewer token.
func (m *Manager) redeemToken(tok string) (*TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireTokensLocked()
	info, ok := m.tokens[tok]
	if !ok {
		return nil, ErrTokenInvalid
	}
	delete(m.tokens, tok)
	return info, nil
}

// CreateSession redeems the token, starts a shell on the agent, and begins
// relaying output to the viewer.
func (m *Manager) CreateSession(ctx context.Context, viewer ViewerConn, tok string) (*Session, error) {
	info, err := m.redeemToken(tok)
	if err != nil {
		return nil, err
	}
	agent := m.registry.GetAgent(info.AgentID)
	if agent == nil {
		return nil, ErrAgentOffline
	}

	raw, err := m.registry.SendCommand(ctx, agent.ConnID, "terminal_start", "", json.RawMessage(`{}`))
	if err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &started); err != nil || started.SessionID == "" {
		return nil, errors.New("agent did not return a shell session id")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:             uuid.NewString(),
		AgentConnID:    agent.ConnID,
		AgentSessionID: started.SessionID,
		UserID:         info.UserID,
		viewer:         viewer,
		cancel:         cancel,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.TerminalOpened()

	go m.pollOutput(pollCtx, s)
	m.logger.Info("terminal session opened",
		zap.String("session_id", s.ID), zap.String("agent_conn", agent.ConnID.String()))
	return s, nil
}

// pollOutput relays shell output to the viewer on a 100 ms cadence until
// the session closes or the relay fails.
func (m *Manager) pollOutput(ctx context.Context, s *Session) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		params, _ := json.Marshal(map[string]string{"sessionId": s.AgentSessionID})
		raw, err := m.registry.SendCommand(ctx, s.AgentConnID, "terminal_output", "", params)
		if err != nil {
			m.CloseSession(context.Background(), s.ID, "agent relay failed")
			return
		}
		var out struct {
			Output string `json:"output"`
		}
		if err := json.Unmarshal(raw, &out); err != nil || out.Output == "" {
			continue
		}
		if err := s.viewer.WriteOutput([]byte(out.Output)); err != nil {
			m.CloseSession(context.Background(), s.ID, "viewer gone")
			return
		}
	}
}

// Input forwards viewer keystrokes to the agent shell.
func (m *Manager) Input(ctx context.Context, sessionID string, data string) error {
	s := m.getSession(sessionID)
	if s == nil {
		return ErrNoSuchSession
	}
	params, err := json.Marshal(map[string]string{"sessionId": s.AgentSessionID, "input": data})
	if err != nil {
		return err
	}
	_, err = m.registry.SendCommand(ctx, s.AgentConnID, "terminal_input", "", params)
	return err
}

// Resize forwards a viewer resize to the agent shell.
func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	s := m.getSession(sessionID)
	if s == nil {
		return ErrNoSuchSession
	}
	params, err := json.Marshal(map[string]any{"sessionId": s.AgentSessionID, "cols": cols, "rows": rows})
	if err != nil {
		return err
	}
	_, err = m.registry.SendCommand(ctx, s.AgentConnID, "terminal_resize", "", params)
	return err
}

// CloseSession stops the relay, tells the agent to end the shell, and
// closes the viewer. Safe to call from either side's teardown.
func (m *Manager) CloseSession(ctx context.Context, sessionID, reason string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	m.metrics.TerminalClosed()

	params, _ := json.Marshal(map[string]string{"sessionId": s.AgentSessionID})
	if _, err := m.registry.SendCommand(ctx, s.AgentConnID, "terminal_stop", "", params); err != nil {
		m.logger.Debug("terminal stop", zap.Error(err))
	}
	s.viewer.Close(reason)
	m.logger.Info("terminal session closed",
		zap.String("session_id", sessionID), zap.String("reason", reason))
}

func (m *Manager) getSession(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}
