package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and by development mode
// when no DATABASE_URL is configured. All methods are safe for concurrent
// use; a single mutex keeps the multi-row operations atomic.
type MemoryStore struct {
	mu sync.Mutex

	users        map[uuid.UUID]*User
	licenses     map[uuid.UUID]*License
	agents       map[uuid.UUID]*Agent
	sessions     map[uuid.UUID]*AgentSession
	commandLogs  map[uuid.UUID]*CommandLog
	fingerprints []*FingerprintChange
	clients      map[string]*OAuthClient
	codes        map[string]*OAuthAuthorizationCode
	tokens       map[uuid.UUID]*OAuthAccessToken
	connections  map[uuid.UUID]*McpConnection
	requestLogs  []*McpRequestLog
	aiConns      map[string]*AiConnection
	activity     map[uuid.UUID]*CustomerActivityPattern
	versions     map[ReleaseChannel]*AgentVersion
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]*User),
		licenses:    make(map[uuid.UUID]*License),
		agents:      make(map[uuid.UUID]*Agent),
		sessions:    make(map[uuid.UUID]*AgentSession),
		commandLogs: make(map[uuid.UUID]*CommandLog),
		clients:     make(map[string]*OAuthClient),
		codes:       make(map[string]*OAuthAuthorizationCode),
		tokens:      make(map[uuid.UUID]*OAuthAccessToken),
		connections: make(map[uuid.UUID]*McpConnection),
		aiConns:     make(map[string]*AiConnection),
		activity:    make(map[uuid.UUID]*CustomerActivityPattern),
		versions:    make(map[ReleaseChannel]*AgentVersion),
	}
}

var _ Store = (*MemoryStore)(nil)

// ─── Users & licenses ────────────────────────────────────────────────────────

func (m *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetLicense(_ context.Context, id uuid.UUID) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// AddUser seeds a user row. Test helper.
func (m *MemoryStore) AddUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

// AddLicense seeds a license row. Test helper.
func (m *MemoryStore) AddLicense(l *License) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.licenses[l.ID] = &cp
}

// AddConnection seeds a tenant connection row. Test helper.
func (m *MemoryStore) AddConnection(c *McpConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.connections[c.ID] = &cp
}

// ─── Agents ──────────────────────────────────────────────────────────────────

func (m *MemoryStore) GetAgent(_ context.Context, id uuid.UUID) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAgentByMachine(_ context.Context, customerID, machineID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.CustomerID == customerID && a.MachineID == machineID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateAgentWithTrial(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	user := &User{
		ID:            uuid.New(),
		Email:         fmt.Sprintf("system+%s@screenlink.local", agent.CustomerID),
		Name:          "System User",
		AccountStatus: AccountActive,
		CreatedAt:     now,
	}
	trialEnds := now.Add(14 * 24 * time.Hour)
	license := &License{
		ID:           uuid.New(),
		UserID:       user.ID,
		LicenseKey:   "trial-" + uuid.NewString(),
		ProductType:  "TRIAL",
		Status:       LicenseActive,
		IsTrial:      true,
		TrialStarted: &now,
		TrialEnds:    &trialEnds,
	}
	m.users[user.ID] = user
	m.licenses[license.ID] = license

	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	agent.OwnerUserID = user.ID
	agent.LicenseID = license.ID
	agent.LicenseUUID = license.ID.String()
	agent.FirstSeenAt = now
	agent.LastSeenAt = now
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return ErrNotFound
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) SetAgentState(_ context.Context, id uuid.UUID, state AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.State = state
	return nil
}

func (m *MemoryStore) MarkAgentOnline(_ context.Context, id uuid.UUID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = AgentOnline
	a.IPAddress = ip
	a.LastSeenAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkAgentOffline(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = AgentOffline
	a.CurrentTask = ""
	a.LastSeenAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateAgentHeartbeat(_ context.Context, id uuid.UUID, power PowerState, screenLocked bool, currentTask string, lastActivity time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.PowerState = power
	a.IsScreenLocked = screenLocked
	a.CurrentTask = currentTask
	a.LastActivity = lastActivity
	a.LastSeenAt = lastActivity
	return nil
}

func (m *MemoryStore) RecordFingerprintChange(_ context.Context, change *FingerprintChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	change.CreatedAt = time.Now().UTC()
	cp := *change
	m.fingerprints = append(m.fingerprints, &cp)
	return nil
}

// FingerprintChanges returns all recorded changes. Test helper.
func (m *MemoryStore) FingerprintChanges() []*FingerprintChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FingerprintChange, len(m.fingerprints))
	copy(out, m.fingerprints)
	return out
}

// ─── Agent sessions ──────────────────────────────────────────────────────────

func (m *MemoryStore) OpenAgentSession(_ context.Context, agentID uuid.UUID, ip string) (*AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &AgentSession{
		ID:           uuid.New(),
		AgentID:      agentID,
		SessionStart: time.Now().UTC(),
		IPAddress:    ip,
	}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CloseAgentSession(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.SessionEnd != nil {
		return nil
	}
	now := time.Now().UTC()
	s.SessionEnd = &now
	minutes := int(now.Sub(s.SessionStart).Minutes())
	s.DurationMinutes = &minutes
	return nil
}

// GetAgentSession returns a session row. Test helper.
func (m *MemoryStore) GetAgentSession(id uuid.UUID) (*AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ─── Command log ─────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateCommandLog(_ context.Context, log *CommandLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	log.Status = CommandSent
	cp := *log
	m.commandLogs[log.ID] = &cp
	return nil
}

func (m *MemoryStore) CompleteCommandLog(_ context.Context, id uuid.UUID, status CommandStatus, result []byte, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.commandLogs[id]
	if !ok {
		return ErrNotFound
	}
	if log.Status != CommandSent {
		return nil
	}
	now := time.Now().UTC()
	log.Status = status
	log.Result = result
	log.ErrorMessage = errMsg
	log.CompletedAt = &now
	ms := now.Sub(log.StartedAt).Milliseconds()
	log.DurationMs = &ms
	return nil
}

// GetCommandLog returns a command log row. Test helper.
func (m *MemoryStore) GetCommandLog(id uuid.UUID) (*CommandLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.commandLogs[id]
	if !ok {
		return nil, false
	}
	cp := *log
	return &cp, true
}

// CommandLogsByAgent returns all log rows for an agent. Test helper.
func (m *MemoryStore) CommandLogsByAgent(agentID uuid.UUID) []*CommandLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CommandLog
	for _, l := range m.commandLogs {
		if l.AgentID == agentID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

// ─── OAuth clients ───────────────────────────────────────────────────────────

func (m *MemoryStore) CreateOAuthClient(_ context.Context, client *OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client.ClientID]; ok {
		return ErrDuplicate
	}
	cp := *client
	m.clients[client.ClientID] = &cp
	return nil
}

func (m *MemoryStore) GetOAuthClient(_ context.Context, clientID string) (*OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ─── Authorization codes ─────────────────────────────────────────────────────

func (m *MemoryStore) CreateAuthorizationCode(_ context.Context, code *OAuthAuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.CodeHash]; ok {
		return ErrDuplicate
	}
	cp := *code
	m.codes[code.CodeHash] = &cp
	return nil
}

func (m *MemoryStore) GetAuthorizationCodeByHash(_ context.Context, codeHash string) (*OAuthAuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ConsumeCodeAndCreateToken(_ context.Context, codeHash string, tok *OAuthAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeHash]
	if !ok {
		return ErrNotFound
	}
	if c.ConsumedAt != nil {
		return ErrCodeConsumed
	}
	now := time.Now().UTC()
	c.ConsumedAt = &now
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	cp := *tok
	m.tokens[tok.ID] = &cp
	return nil
}

// ─── Access tokens ───────────────────────────────────────────────────────────

func (m *MemoryStore) CreateAccessToken(_ context.Context, tok *OAuthAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	cp := *tok
	m.tokens[tok.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccessTokenByHash(_ context.Context, accessHash string) (*OAuthAccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.AccessTokenHash == accessHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetAccessTokenByRefreshHash(_ context.Context, refreshHash string) (*OAuthAccessToken, error) {
	if refreshHash == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.RefreshTokenHash == refreshHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if t.RevokedAt != nil {
		// Idempotent: keep the original revocation timestamp.
		return nil
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	return nil
}

func (m *MemoryStore) RotateRefreshToken(_ context.Context, oldID uuid.UUID, replacement *OAuthAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.RevokedAt == nil {
		now := time.Now().UTC()
		old.RevokedAt = &now
	}
	if replacement.ID == uuid.Nil {
		replacement.ID = uuid.New()
	}
	cp := *replacement
	m.tokens[replacement.ID] = &cp
	return nil
}

func (m *MemoryStore) TouchAccessToken(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = &at
	return nil
}

// GetAccessToken returns a token row by id. Test helper.
func (m *MemoryStore) GetAccessToken(id uuid.UUID) (*OAuthAccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// ─── Tenant connections ──────────────────────────────────────────────────────

func (m *MemoryStore) CreateConnection(_ context.Context, conn *McpConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	cp := *conn
	m.connections[conn.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConnection(_ context.Context, id uuid.UUID) (*McpConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetConnectionByEndpoint(_ context.Context, endpointUUID string) (*McpConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if c.EndpointUUID == endpointUUID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) TouchConnection(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.TotalRequests++
	c.LastUsedAt = &at
	return nil
}

func (m *MemoryStore) AppendRequestLog(_ context.Context, entry *McpRequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.requestLogs = append(m.requestLogs, &cp)
	return nil
}

// RequestLogs returns the audit log. Test helper.
func (m *MemoryStore) RequestLogs() []*McpRequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*McpRequestLog, len(m.requestLogs))
	copy(out, m.requestLogs)
	return out
}

// ─── AI client sessions ──────────────────────────────────────────────────────

func (m *MemoryStore) UpsertAiConnection(_ context.Context, conn *AiConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.aiConns[conn.SessionID]; ok {
		existing.ClientName = conn.ClientName
		existing.ClientVersion = conn.ClientVersion
		existing.IsActive = conn.IsActive
		existing.LastActivityAt = conn.LastActivityAt
		return nil
	}
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	cp := *conn
	m.aiConns[conn.SessionID] = &cp
	return nil
}

func (m *MemoryStore) CloseAiConnection(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.aiConns[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.IsActive = false
	c.DisconnectedAt = &now
	return nil
}

// ─── Activity patterns ───────────────────────────────────────────────────────

func (m *MemoryStore) BumpActivity(_ context.Context, userID uuid.UUID, hour int) (*CustomerActivityPattern, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("hour out of range: %d", hour)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activity[userID]
	if !ok {
		p = &CustomerActivityPattern{UserID: userID}
		m.activity[userID] = p
	}
	p.HourlyActivity[hour]++
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetActivityPattern(_ context.Context, userID uuid.UUID) (*CustomerActivityPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activity[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetQuietHours(_ context.Context, userID uuid.UUID, start, end int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activity[userID]
	if !ok {
		return ErrNotFound
	}
	p.QuietHoursStart = &start
	p.QuietHoursEnd = &end
	return nil
}

// ─── Agent versions ──────────────────────────────────────────────────────────

func (m *MemoryStore) LatestVersion(_ context.Context, channel ReleaseChannel) (*AgentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[channel]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) PublishVersion(_ context.Context, v *AgentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.PublishedAt.IsZero() {
		v.PublishedAt = time.Now().UTC()
	}
	cp := *v
	m.versions[v.Channel] = &cp
	return nil
}
