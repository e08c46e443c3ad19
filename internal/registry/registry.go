// Package registry holds the live agent index: one ConnectedAgent per open
// agent socket, addressable by connection id, machine id, and database id.
// It owns registration, displacement, heartbeat bookkeeping, the license
// projection, request correlation, and the per-agent sleep queue.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/metrics"
	"github.com/screenlink/broker/internal/protocol"
	"github.com/screenlink/broker/internal/store"
)

// Errors surfaced to command callers. The strings are part of the tool-call
// contract with AI clients and must stay stable.
var (
	ErrAgentNotFound     = errors.New("Agent not found")
	ErrAgentNotConnected = errors.New("Agent not connected")
	ErrAgentDisconnected = errors.New("Agent disconnected")
	ErrQueueFull         = errors.New("Agent queue full")
	ErrRequestTimeout    = errors.New("Request timeout")
)

// Heartbeat cadence by power state.
var heartbeatIntervals = map[store.PowerState]time.Duration{
	store.PowerActive:  5 * time.Second,
	store.PowerPassive: 30 * time.Second,
	store.PowerSleep:   300 * time.Second,
}

// HeartbeatInterval returns the cadence for a power state, defaulting to the
// PASSIVE interval for unknown values.
func HeartbeatInterval(p store.PowerState) time.Duration {
	if d, ok := heartbeatIntervals[p]; ok {
		return d
	}
	return heartbeatIntervals[store.PowerPassive]
}

// AgentConn is the write side of an agent socket. The concrete
// implementation is the gorilla-backed Socket; tests substitute fakes.
type AgentConn interface {
	// WriteEnvelope queues one frame for delivery. It must be safe to call
	// from any goroutine.
	WriteEnvelope(env *protocol.Envelope) error
	// Close sends a close frame with the given code and reason, then tears
	// down the transport. Safe to call more than once.
	Close(code int, reason string) error
	RemoteAddr() string
}

// pendingRequest is one in-flight command awaiting its correlated response.
type pendingRequest struct {
	ch        chan pendingResult
	timer     *time.Timer
	logID     uuid.UUID
	startedAt time.Time
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// queuedCommand is a command parked while its agent sleeps.
type queuedCommand struct {
	method     string
	tool       string
	params     json.RawMessage
	enqueuedAt time.Time
	done       chan pendingResult
}

// ConnectedAgent is the in-memory record for one live agent socket.
// All mutable fields are guarded by the owning Registry's mutex.
type ConnectedAgent struct {
	ConnID      uuid.UUID
	DBID        uuid.UUID
	OwnerUserID uuid.UUID
	Conn        AgentConn

	CustomerID    string
	MachineID     string
	Hostname      string
	DisplayName   string
	OSType        store.OSType
	OSVersion     string
	Arch          string
	AgentVersion  string
	LicenseUUID   string
	LicenseStatus string // projected: active | pending | expired | blocked
	State         store.AgentState
	PowerState    store.PowerState
	ScreenLocked  bool
	CurrentTask   string

	ConnectedAt  time.Time
	LastPing     time.Time
	LastActivity time.Time

	// Tools is the cached capability catalog fetched from the agent.
	Tools          []ToolDef
	ToolsFetchedAt time.Time

	sessionID uuid.UUID
	pending   map[string]*pendingRequest
	queue     []*queuedCommand
}

// ToolDef is one advertised tool in an agent's catalog.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Name returns what callers may see: display name, hostname, or a
// placeholder. Internal ids are never exposed.
func (a *ConnectedAgent) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Hostname != "" {
		return a.Hostname
	}
	return "Unnamed Agent"
}

// Config holds the registry's tunables.
type Config struct {
	// QueueBound caps the per-agent sleep queue.
	QueueBound int
	// CommandTimeout bounds one forwarded command round-trip.
	CommandTimeout time.Duration
	// GraceHours is advertised to agents in the registered config block.
	GraceHours int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{QueueBound: 100, CommandTimeout: 30 * time.Second, GraceHours: 72}
}

// Registry is the process-wide agent index.
type Registry struct {
	store   store.Store
	logger  *zap.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.Mutex
	byConn    map[uuid.UUID]*ConnectedAgent
	byMachine map[string]uuid.UUID // "customerId|machineId" → connID
	byDB      map[uuid.UUID]uuid.UUID
}

// New builds a Registry over the given store.
func New(st store.Store, logger *zap.Logger, cfg Config) *Registry {
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = 100
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.GraceHours <= 0 {
		cfg.GraceHours = 72
	}
	return &Registry{
		store:     st,
		logger:    logger,
		cfg:       cfg,
		byConn:    make(map[uuid.UUID]*ConnectedAgent),
		byMachine: make(map[string]uuid.UUID),
		byDB:      make(map[uuid.UUID]uuid.UUID),
	}
}

// SetMetrics attaches the Prometheus instruments. Optional; a nil metrics
// set records nothing.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func machineKey(customerID, machineID string) string {
	return customerID + "|" + machineID
}

// ParseOSType maps free-form OS strings reported by agents onto the stored
// enum. Anything that is not recognizably Windows or Linux is treated as
// macOS, matching the agent installer matrix.
func ParseOSType(s string) store.OSType {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "windows"), strings.Contains(l, "win32"):
		return store.OSWindows
	case strings.Contains(l, "linux"):
		return store.OSLinux
	default:
		return store.OSMacOS
	}
}

// ComputeFingerprint canonicalizes the hardware identity block into the
// stored SHA-256 hex digest. MAC addresses are sorted so ordering on the
// wire cannot change the digest.
func ComputeFingerprint(fp *protocol.Fingerprint) string {
	if fp == nil {
		return ""
	}
	macs := append([]string(nil), fp.MACAddresses...)
	sort.Strings(macs)
	parts := []string{fp.CPUModel, fp.DiskSerial, fp.MotherboardUUID, strings.Join(macs, ",")}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ProjectLicense derives the caller-visible license status from the agent
// state machine and the license row. Agent state wins over the row.
func ProjectLicense(state store.AgentState, lic *store.License, now time.Time) string {
	switch state {
	case store.StateBlocked:
		return "blocked"
	case store.StateExpired:
		return "expired"
	case store.StateActive:
		return "active"
	}
	if lic == nil {
		return "pending"
	}
	switch lic.Status {
	case store.LicenseSuspended:
		return "blocked"
	case store.LicenseExpired:
		return "expired"
	case store.LicenseActive:
		if lic.ValidUntil != nil && lic.ValidUntil.Before(now) {
			return "expired"
		}
		if lic.IsTrial && lic.TrialEnds != nil && lic.TrialEnds.Before(now) {
			return "expired"
		}
		return "active"
	}
	return "pending"
}

// Register admits an agent socket. An existing connection for the same
// (customer, machine) pair is displaced first: closed with 1000 and fully
// unregistered before the new entry lands in the indices.
func (r *Registry) Register(ctx context.Context, conn AgentConn, msg *protocol.RegisterPayload) (*ConnectedAgent, error) {
	if msg.MachineID == "" {
		return nil, errors.New("register: missing machineId")
	}

	key := machineKey(msg.CustomerID, msg.MachineID)

	r.mu.Lock()
	if oldID, ok := r.byMachine[key]; ok {
		if old := r.byConn[oldID]; old != nil {
			r.logger.Info("displacing agent connection",
				zap.String("machine_id", msg.MachineID),
				zap.String("old_conn", oldID.String()))
			old.Conn.Close(protocol.CloseNormal, "New connection from same machine")
			r.unregisterLocked(ctx, old)
		}
	}
	r.mu.Unlock()

	now := time.Now().UTC()
	fingerprint := ComputeFingerprint(msg.Fingerprint)
	fpRaw, _ := json.Marshal(msg.Fingerprint)

	agent, err := r.store.GetAgentByMachine(ctx, msg.CustomerID, msg.MachineID)
	switch {
	case err == nil:
		agent.Hostname = msg.Hostname
		agent.OSType = ParseOSType(msg.OS)
		agent.OSVersion = msg.OSVersion
		agent.Arch = msg.Arch
		agent.AgentVersion = msg.AgentVersion
		agent.IPAddress = conn.RemoteAddr()
		agent.LastSeenAt = now
		if fingerprint != "" && agent.MachineFingerprint != "" && fingerprint != agent.MachineFingerprint {
			change := &store.FingerprintChange{
				AgentID:       agent.ID,
				ChangeType:    "fingerprint_mismatch",
				PreviousValue: agent.MachineFingerprint,
				NewValue:      fingerprint,
				ActionTaken:   "accepted",
				Details:       fpRaw,
			}
			if err := r.store.RecordFingerprintChange(ctx, change); err != nil {
				r.logger.Warn("record fingerprint change", zap.Error(err))
			}
			r.logger.Warn("machine fingerprint changed",
				zap.String("agent_id", agent.ID.String()),
				zap.String("machine_id", msg.MachineID))
		}
		if fingerprint != "" {
			agent.MachineFingerprint = fingerprint
			agent.FingerprintRaw = fpRaw
		}
		if err := r.store.UpdateAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		agent = &store.Agent{
			CustomerID:         msg.CustomerID,
			MachineID:          msg.MachineID,
			MachineFingerprint: fingerprint,
			FingerprintRaw:     fpRaw,
			Hostname:           msg.Hostname,
			OSType:             ParseOSType(msg.OS),
			OSVersion:          msg.OSVersion,
			Arch:               msg.Arch,
			AgentVersion:       msg.AgentVersion,
			IPAddress:          conn.RemoteAddr(),
			Status:             store.AgentOnline,
			State:              store.StatePending,
			PowerState:         store.PowerPassive,
		}
		if err := r.store.CreateAgentWithTrial(ctx, agent); err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup agent: %w", err)
	}

	if err := r.store.MarkAgentOnline(ctx, agent.ID, conn.RemoteAddr()); err != nil {
		return nil, fmt.Errorf("mark online: %w", err)
	}

	lic, err := r.store.GetLicense(ctx, agent.LicenseID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load license: %w", err)
	}
	licenseStatus := ProjectLicense(agent.State, lic, now)

	session, err := r.store.OpenAgentSession(ctx, agent.ID, conn.RemoteAddr())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	ca := &ConnectedAgent{
		ConnID:        uuid.New(),
		DBID:          agent.ID,
		OwnerUserID:   agent.OwnerUserID,
		Conn:          conn,
		CustomerID:    msg.CustomerID,
		MachineID:     msg.MachineID,
		Hostname:      agent.Hostname,
		DisplayName:   agent.DisplayName,
		OSType:        agent.OSType,
		OSVersion:     agent.OSVersion,
		Arch:          agent.Arch,
		AgentVersion:  agent.AgentVersion,
		LicenseUUID:   agent.LicenseUUID,
		LicenseStatus: licenseStatus,
		State:         agent.State,
		PowerState:    agent.PowerState,
		ScreenLocked:  agent.IsScreenLocked,
		CurrentTask:   agent.CurrentTask,
		ConnectedAt:   now,
		LastPing:      now,
		LastActivity:  now,
		sessionID:     session.ID,
		pending:       make(map[string]*pendingRequest),
	}

	r.mu.Lock()
	// The mutex was dropped across the store calls above, so a concurrent
	// registration for the same machine may have landed meanwhile. Re-check
	// and displace it under the same lock as the insert, keeping the
	// one-socket-per-machine invariant across every index.
	if oldID, ok := r.byMachine[key]; ok {
		if old := r.byConn[oldID]; old != nil {
			r.logger.Info("displacing agent connection",
				zap.String("machine_id", msg.MachineID),
				zap.String("old_conn", oldID.String()))
			old.Conn.Close(protocol.CloseNormal, "New connection from same machine")
			r.unregisterLocked(ctx, old)
		}
	}
	r.byConn[ca.ConnID] = ca
	r.byMachine[key] = ca.ConnID
	r.byDB[ca.DBID] = ca.ConnID
	r.mu.Unlock()
	r.metrics.AgentConnected(string(ca.PowerState))

	registered, err := protocol.NewEnvelope(protocol.TypeRegistered, "", &protocol.RegisteredPayload{
		AgentID:       ca.DBID.String(),
		State:         string(ca.State),
		LicenseStatus: ca.LicenseStatus,
		PowerState:    string(ca.PowerState),
		LicenseUUID:   ca.LicenseUUID,
		Config: protocol.AgentConfig{
			HeartbeatInterval: int(HeartbeatInterval(ca.PowerState).Seconds()),
			GraceHours:        r.cfg.GraceHours,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteEnvelope(registered); err != nil {
		r.Unregister(ctx, ca.ConnID)
		return nil, fmt.Errorf("send registered: %w", err)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", ca.DBID.String()),
		zap.String("machine_id", ca.MachineID),
		zap.String("license_status", licenseStatus))
	return ca, nil
}

// Unregister removes the agent from all indices, rejects every pending
// request, marks the agent offline and closes its session row.
func (r *Registry) Unregister(ctx context.Context, connID uuid.UUID) {
	r.mu.Lock()
	agent := r.byConn[connID]
	if agent != nil {
		r.unregisterLocked(ctx, agent)
	}
	r.mu.Unlock()
}

// unregisterLocked needs r.mu held. It is also invoked from Register when
// displacing, so the caller-visible invariant holds: the old entry is gone
// from every index before the new one appears.
func (r *Registry) unregisterLocked(ctx context.Context, agent *ConnectedAgent) {
	for id, p := range agent.pending {
		p.timer.Stop()
		p.ch <- pendingResult{err: ErrAgentDisconnected}
		delete(agent.pending, id)
	}
	for _, q := range agent.queue {
		q.done <- pendingResult{err: ErrAgentDisconnected}
	}
	agent.queue = nil

	delete(r.byConn, agent.ConnID)
	if cur, ok := r.byMachine[machineKey(agent.CustomerID, agent.MachineID)]; ok && cur == agent.ConnID {
		delete(r.byMachine, machineKey(agent.CustomerID, agent.MachineID))
	}
	if cur, ok := r.byDB[agent.DBID]; ok && cur == agent.ConnID {
		delete(r.byDB, agent.DBID)
	}

	if err := r.store.MarkAgentOffline(ctx, agent.DBID); err != nil {
		r.logger.Warn("mark agent offline", zap.Error(err))
	}
	if err := r.store.CloseAgentSession(ctx, agent.sessionID); err != nil {
		r.logger.Warn("close agent session", zap.Error(err))
	}
	r.metrics.AgentDisconnected(string(agent.PowerState))
	r.logger.Info("agent unregistered", zap.String("agent_id", agent.DBID.String()))
}

// GetAgent resolves either a connection id or a database id.
func (r *Registry) GetAgent(id uuid.UUID) *ConnectedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byConn[id]; ok {
		return a
	}
	if connID, ok := r.byDB[id]; ok {
		return r.byConn[connID]
	}
	return nil
}

// AgentsByOwner lists the live agents belonging to one user.
func (r *Registry) AgentsByOwner(ownerID uuid.UUID) []*ConnectedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConnectedAgent
	for _, a := range r.byConn {
		if a.OwnerUserID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Cleanup tears down every connection for graceful shutdown.
func (r *Registry) Cleanup(ctx context.Context) {
	r.mu.Lock()
	agents := make([]*ConnectedAgent, 0, len(r.byConn))
	for _, a := range r.byConn {
		agents = append(agents, a)
	}
	for _, a := range agents {
		a.Conn.Close(protocol.CloseNormal, "Server shutting down")
		r.unregisterLocked(ctx, a)
	}
	r.mu.Unlock()
}
