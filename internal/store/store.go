// Package store is the broker's persistence layer. The Store interface is
// implemented twice: PostgresStore (pgx) for production and MemoryStore for
// tests and DATABASE_URL-less development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by both implementations.
var (
	ErrNotFound     = errors.New("record not found")
	ErrCodeConsumed = errors.New("authorization code already consumed")
	ErrDuplicate    = errors.New("record already exists")
)

// Store is the transactional repository contract the broker core consumes.
type Store interface {
	// ── Users & licenses ────────────────────────────────────────────────────
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetLicense(ctx context.Context, id uuid.UUID) (*License, error)

	// ── Agents ──────────────────────────────────────────────────────────────
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetAgentByMachine(ctx context.Context, customerID, machineID string) (*Agent, error)
	// CreateAgentWithTrial inserts the agent together with a system user and a
	// 14-day trial license, all in one transaction. The agent's LicenseID and
	// OwnerUserID are populated on return.
	CreateAgentWithTrial(ctx context.Context, agent *Agent) error
	UpdateAgent(ctx context.Context, agent *Agent) error
	SetAgentState(ctx context.Context, id uuid.UUID, state AgentState) error
	MarkAgentOnline(ctx context.Context, id uuid.UUID, ip string) error
	// MarkAgentOffline sets status OFFLINE and clears the current task.
	MarkAgentOffline(ctx context.Context, id uuid.UUID) error
	UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, power PowerState, screenLocked bool, currentTask string, lastActivity time.Time) error
	RecordFingerprintChange(ctx context.Context, change *FingerprintChange) error

	// ── Agent sessions ──────────────────────────────────────────────────────
	OpenAgentSession(ctx context.Context, agentID uuid.UUID, ip string) (*AgentSession, error)
	// CloseAgentSession stamps SessionEnd and computes DurationMinutes.
	CloseAgentSession(ctx context.Context, sessionID uuid.UUID) error

	// ── Command log ─────────────────────────────────────────────────────────
	CreateCommandLog(ctx context.Context, log *CommandLog) error
	// CompleteCommandLog transitions SENT → status, stamping CompletedAt and
	// DurationMs exactly once. Completing an already-completed row is a no-op.
	CompleteCommandLog(ctx context.Context, id uuid.UUID, status CommandStatus, result []byte, errMsg string) error

	// ── OAuth clients ───────────────────────────────────────────────────────
	CreateOAuthClient(ctx context.Context, client *OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error)

	// ── Authorization codes ─────────────────────────────────────────────────
	CreateAuthorizationCode(ctx context.Context, code *OAuthAuthorizationCode) error
	GetAuthorizationCodeByHash(ctx context.Context, codeHash string) (*OAuthAuthorizationCode, error)
	// ConsumeCodeAndCreateToken marks the code consumed and inserts the token
	// in a single transaction. Returns ErrCodeConsumed when ConsumedAt is
	// already set, leaving the stored token set untouched.
	ConsumeCodeAndCreateToken(ctx context.Context, codeHash string, tok *OAuthAccessToken) error

	// ── Access tokens ───────────────────────────────────────────────────────
	CreateAccessToken(ctx context.Context, tok *OAuthAccessToken) error
	GetAccessTokenByHash(ctx context.Context, accessHash string) (*OAuthAccessToken, error)
	GetAccessTokenByRefreshHash(ctx context.Context, refreshHash string) (*OAuthAccessToken, error)
	// RevokeAccessToken is idempotent: a second call does not rewrite RevokedAt.
	RevokeAccessToken(ctx context.Context, id uuid.UUID) error
	// RotateRefreshToken revokes the old token row and inserts its replacement
	// in one transaction.
	RotateRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *OAuthAccessToken) error
	TouchAccessToken(ctx context.Context, id uuid.UUID, at time.Time) error

	// ── Tenant connections ──────────────────────────────────────────────────
	CreateConnection(ctx context.Context, conn *McpConnection) error
	GetConnection(ctx context.Context, id uuid.UUID) (*McpConnection, error)
	GetConnectionByEndpoint(ctx context.Context, endpointUUID string) (*McpConnection, error)
	// TouchConnection bumps TotalRequests and LastUsedAt.
	TouchConnection(ctx context.Context, id uuid.UUID, at time.Time) error
	AppendRequestLog(ctx context.Context, entry *McpRequestLog) error

	// ── AI client sessions ──────────────────────────────────────────────────
	UpsertAiConnection(ctx context.Context, conn *AiConnection) error
	CloseAiConnection(ctx context.Context, sessionID string) error

	// ── Activity patterns ───────────────────────────────────────────────────
	// BumpActivity increments the bucket for hour (0–23) and returns the
	// updated pattern.
	BumpActivity(ctx context.Context, userID uuid.UUID, hour int) (*CustomerActivityPattern, error)
	GetActivityPattern(ctx context.Context, userID uuid.UUID) (*CustomerActivityPattern, error)
	SetQuietHours(ctx context.Context, userID uuid.UUID, start, end int) error

	// ── Agent versions ──────────────────────────────────────────────────────
	LatestVersion(ctx context.Context, channel ReleaseChannel) (*AgentVersion, error)
	PublishVersion(ctx context.Context, v *AgentVersion) error
}
