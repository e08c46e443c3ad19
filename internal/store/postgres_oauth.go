package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, letting token
// inserts run standalone or inside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ─── OAuth clients ───────────────────────────────────────────────────────────

func (s *PostgresStore) CreateOAuthClient(ctx context.Context, client *OAuthClient) error {
	client.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, redirect_uris, grant_types, response_types,
			 scopes, token_endpoint_auth_method, registration_access_token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		client.ClientID, client.ClientSecretHash, client.RedirectURIs, client.GrantTypes,
		client.ResponseTypes, client.Scopes, client.TokenEndpointAuthMethod,
		client.RegistrationAccessTokenHash, client.CreatedAt)
	return err
}

func (s *PostgresStore) GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	var c OAuthClient
	err := s.db.QueryRow(ctx, `
		SELECT client_id, client_secret_hash, redirect_uris, grant_types, response_types,
		       scopes, token_endpoint_auth_method, registration_access_token_hash, created_at
		FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ClientID, &c.ClientSecretHash, &c.RedirectURIs, &c.GrantTypes,
		&c.ResponseTypes, &c.Scopes, &c.TokenEndpointAuthMethod,
		&c.RegistrationAccessTokenHash, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ─── Authorization codes ─────────────────────────────────────────────────────

func (s *PostgresStore) CreateAuthorizationCode(ctx context.Context, code *OAuthAuthorizationCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_authorization_codes
			(code_hash, client_id, user_id, connection_id, redirect_uri, scope,
			 code_challenge, code_challenge_method, audience, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		code.CodeHash, code.ClientID, code.UserID, code.ConnectionID, code.RedirectURI,
		code.Scope, code.CodeChallenge, code.CodeChallengeMethod, code.Audience,
		code.ExpiresAt)
	return err
}

func (s *PostgresStore) GetAuthorizationCodeByHash(ctx context.Context, codeHash string) (*OAuthAuthorizationCode, error) {
	var c OAuthAuthorizationCode
	err := s.db.QueryRow(ctx, `
		SELECT code_hash, client_id, user_id, connection_id, redirect_uri, scope,
		       code_challenge, code_challenge_method, audience, expires_at, consumed_at
		FROM oauth_authorization_codes WHERE code_hash = $1`, codeHash,
	).Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.ConnectionID, &c.RedirectURI,
		&c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Audience,
		&c.ExpiresAt, &c.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ConsumeCodeAndCreateToken(ctx context.Context, codeHash string, tok *OAuthAccessToken) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The consumed_at IS NULL guard makes the code single-use; a concurrent
	// replay sees zero rows affected.
	tag, err := tx.Exec(ctx, `
		UPDATE oauth_authorization_codes SET consumed_at = NOW()
		WHERE code_hash = $1 AND consumed_at IS NULL`, codeHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := s.GetAuthorizationCodeByHash(ctx, codeHash); lookupErr != nil {
			return lookupErr
		}
		return ErrCodeConsumed
	}

	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	if err := insertAccessToken(ctx, tx, tok); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ─── Access tokens ───────────────────────────────────────────────────────────

const accessTokenColumns = `
	id, access_token_hash, user_id, connection_id, client_id, scope, audience,
	access_expires_at, refresh_token_hash, refresh_expires_at, revoked_at, last_used_at`

func insertAccessToken(ctx context.Context, exec execer, tok *OAuthAccessToken) error {
	_, err := exec.Exec(ctx, `
		INSERT INTO oauth_access_tokens (`+accessTokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tok.ID, tok.AccessTokenHash, tok.UserID, tok.ConnectionID, tok.ClientID,
		tok.Scope, tok.Audience, tok.AccessExpiresAt, tok.RefreshTokenHash,
		tok.RefreshExpiresAt, tok.RevokedAt, tok.LastUsedAt)
	return err
}

func scanAccessToken(row pgx.Row) (*OAuthAccessToken, error) {
	var t OAuthAccessToken
	err := row.Scan(
		&t.ID, &t.AccessTokenHash, &t.UserID, &t.ConnectionID, &t.ClientID,
		&t.Scope, &t.Audience, &t.AccessExpiresAt, &t.RefreshTokenHash,
		&t.RefreshExpiresAt, &t.RevokedAt, &t.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateAccessToken(ctx context.Context, tok *OAuthAccessToken) error {
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	return insertAccessToken(ctx, s.db, tok)
}

func (s *PostgresStore) GetAccessTokenByHash(ctx context.Context, accessHash string) (*OAuthAccessToken, error) {
	return scanAccessToken(s.db.QueryRow(ctx,
		`SELECT `+accessTokenColumns+` FROM oauth_access_tokens WHERE access_token_hash = $1`,
		accessHash))
}

func (s *PostgresStore) GetAccessTokenByRefreshHash(ctx context.Context, refreshHash string) (*OAuthAccessToken, error) {
	if refreshHash == "" {
		return nil, ErrNotFound
	}
	return scanAccessToken(s.db.QueryRow(ctx,
		`SELECT `+accessTokenColumns+` FROM oauth_access_tokens WHERE refresh_token_hash = $1`,
		refreshHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, id uuid.UUID) error {
	// revoked_at IS NULL keeps revocation idempotent: the first timestamp wins.
	_, err := s.db.Exec(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	return err
}

func (s *PostgresStore) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *OAuthAccessToken) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, oldID); err != nil {
		return err
	}
	if replacement.ID == uuid.Nil {
		replacement.ID = uuid.New()
	}
	if err := insertAccessToken(ctx, tx, replacement); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TouchAccessToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE oauth_access_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// ─── Tenant connections ──────────────────────────────────────────────────────

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *McpConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mcp_connections (id, user_id, endpoint_uuid, name, status, total_requests)
		VALUES ($1, $2, $3, $4, $5, 0)`,
		conn.ID, conn.UserID, conn.EndpointUUID, conn.Name, conn.Status)
	return err
}

func scanConnection(row pgx.Row) (*McpConnection, error) {
	var c McpConnection
	err := row.Scan(&c.ID, &c.UserID, &c.EndpointUUID, &c.Name, &c.Status,
		&c.TotalRequests, &c.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id uuid.UUID) (*McpConnection, error) {
	return scanConnection(s.db.QueryRow(ctx, `
		SELECT id, user_id, endpoint_uuid, name, status, total_requests, last_used_at
		FROM mcp_connections WHERE id = $1`, id))
}

func (s *PostgresStore) GetConnectionByEndpoint(ctx context.Context, endpointUUID string) (*McpConnection, error) {
	return scanConnection(s.db.QueryRow(ctx, `
		SELECT id, user_id, endpoint_uuid, name, status, total_requests, last_used_at
		FROM mcp_connections WHERE endpoint_uuid = $1`, endpointUUID))
}

func (s *PostgresStore) TouchConnection(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE mcp_connections SET total_requests = total_requests + 1, last_used_at = $2
		WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) AppendRequestLog(ctx context.Context, entry *McpRequestLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mcp_request_logs (id, connection_id, user_id, method, status_code, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ConnectionID, entry.UserID, entry.Method, entry.StatusCode,
		entry.IPAddress, entry.CreatedAt)
	return err
}

// ─── AI client sessions ──────────────────────────────────────────────────────

func (s *PostgresStore) UpsertAiConnection(ctx context.Context, conn *AiConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO ai_connections
			(id, session_id, user_id, client_name, client_version, is_active, authorized_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			client_name      = EXCLUDED.client_name,
			client_version   = EXCLUDED.client_version,
			is_active        = EXCLUDED.is_active,
			last_activity_at = EXCLUDED.last_activity_at`,
		conn.ID, conn.SessionID, conn.UserID, conn.ClientName, conn.ClientVersion,
		conn.IsActive, conn.AuthorizedAt, conn.LastActivityAt)
	return err
}

func (s *PostgresStore) CloseAiConnection(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE ai_connections SET is_active = FALSE, disconnected_at = NOW()
		WHERE session_id = $1`, sessionID)
	return err
}

// ─── Activity patterns ───────────────────────────────────────────────────────

func (s *PostgresStore) BumpActivity(ctx context.Context, userID uuid.UUID, hour int) (*CustomerActivityPattern, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("hour out of range: %d", hour)
	}
	// hourly_activity is int[24]; array indices in Postgres are 1-based.
	// The insert value already carries this bump so a fresh row counts it.
	initial := make([]int, 24)
	initial[hour] = 1
	var p CustomerActivityPattern
	var hourly []int
	err := s.db.QueryRow(ctx, `
		INSERT INTO customer_activity_patterns (user_id, hourly_activity)
		VALUES ($1, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			hourly_activity[$2] = customer_activity_patterns.hourly_activity[$2] + 1
		RETURNING user_id, hourly_activity, quiet_hours_start, quiet_hours_end`,
		userID, hour+1, initial,
	).Scan(&p.UserID, &hourly, &p.QuietHoursStart, &p.QuietHoursEnd)
	if err != nil {
		return nil, err
	}
	copy(p.HourlyActivity[:], hourly)
	return &p, nil
}

func (s *PostgresStore) GetActivityPattern(ctx context.Context, userID uuid.UUID) (*CustomerActivityPattern, error) {
	var p CustomerActivityPattern
	var hourly []int
	err := s.db.QueryRow(ctx, `
		SELECT user_id, hourly_activity, quiet_hours_start, quiet_hours_end
		FROM customer_activity_patterns WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &hourly, &p.QuietHoursStart, &p.QuietHoursEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(p.HourlyActivity[:], hourly)
	return &p, nil
}

func (s *PostgresStore) SetQuietHours(ctx context.Context, userID uuid.UUID, start, end int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE customer_activity_patterns SET quiet_hours_start = $2, quiet_hours_end = $3
		WHERE user_id = $1`, userID, start, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Agent versions ──────────────────────────────────────────────────────────

func (s *PostgresStore) LatestVersion(ctx context.Context, channel ReleaseChannel) (*AgentVersion, error) {
	var v AgentVersion
	err := s.db.QueryRow(ctx, `
		SELECT id, channel, version, min_version, rollout_percent, builds, published_at
		FROM agent_versions WHERE channel = $1
		ORDER BY published_at DESC LIMIT 1`, channel,
	).Scan(&v.ID, &v.Channel, &v.Version, &v.MinVersion, &v.RolloutPercent,
		&v.Builds, &v.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) PublishVersion(ctx context.Context, v *AgentVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.PublishedAt.IsZero() {
		v.PublishedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_versions (id, channel, version, min_version, rollout_percent, builds, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.Channel, v.Version, v.MinVersion, v.RolloutPercent, v.Builds, v.PublishedAt)
	return err
}
