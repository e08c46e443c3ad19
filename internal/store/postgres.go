package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against PostgreSQL via pgxpool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// ─── Users & licenses ────────────────────────────────────────────────────────

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, name, account_status, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.AccountStatus, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, id uuid.UUID) (*License, error) {
	var l License
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, license_key, product_type, status,
		       valid_until, is_trial, trial_started, trial_ends
		FROM licenses WHERE id = $1`, id,
	).Scan(&l.ID, &l.UserID, &l.LicenseKey, &l.ProductType, &l.Status,
		&l.ValidUntil, &l.IsTrial, &l.TrialStarted, &l.TrialEnds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ─── Agents ──────────────────────────────────────────────────────────────────

const agentColumns = `
	id, license_id, owner_user_id, agent_key, customer_id, machine_id,
	machine_fingerprint, fingerprint_raw, hostname, display_name,
	os_type, os_version, arch, agent_version, ip_address,
	status, state, power_state, is_screen_locked, current_task,
	license_uuid, first_seen_at, last_seen_at, last_activity, activated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.LicenseID, &a.OwnerUserID, &a.AgentKey, &a.CustomerID, &a.MachineID,
		&a.MachineFingerprint, &a.FingerprintRaw, &a.Hostname, &a.DisplayName,
		&a.OSType, &a.OSVersion, &a.Arch, &a.AgentVersion, &a.IPAddress,
		&a.Status, &a.State, &a.PowerState, &a.IsScreenLocked, &a.CurrentTask,
		&a.LicenseUUID, &a.FirstSeenAt, &a.LastSeenAt, &a.LastActivity, &a.ActivatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return scanAgent(s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) GetAgentByMachine(ctx context.Context, customerID, machineID string) (*Agent, error) {
	return scanAgent(s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE customer_id = $1 AND machine_id = $2`,
		customerID, machineID))
}

func (s *PostgresStore) CreateAgentWithTrial(ctx context.Context, agent *Agent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	userID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, email, name, account_status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, fmt.Sprintf("system+%s@screenlink.local", agent.CustomerID),
		"System User", AccountActive, now)
	if err != nil {
		return fmt.Errorf("insert system user: %w", err)
	}

	licenseID := uuid.New()
	trialEnds := now.Add(14 * 24 * time.Hour)
	_, err = tx.Exec(ctx, `
		INSERT INTO licenses (id, user_id, license_key, product_type, status,
		                      is_trial, trial_started, trial_ends)
		VALUES ($1, $2, $3, 'TRIAL', $4, TRUE, $5, $6)`,
		licenseID, userID, "trial-"+uuid.NewString(), LicenseActive, now, trialEnds)
	if err != nil {
		return fmt.Errorf("insert trial license: %w", err)
	}

	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	agent.OwnerUserID = userID
	agent.LicenseID = licenseID
	agent.LicenseUUID = licenseID.String()
	agent.FirstSeenAt = now
	agent.LastSeenAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		agent.ID, agent.LicenseID, agent.OwnerUserID, agent.AgentKey, agent.CustomerID,
		agent.MachineID, agent.MachineFingerprint, agent.FingerprintRaw, agent.Hostname,
		agent.DisplayName, agent.OSType, agent.OSVersion, agent.Arch, agent.AgentVersion,
		agent.IPAddress, agent.Status, agent.State, agent.PowerState, agent.IsScreenLocked,
		agent.CurrentTask, agent.LicenseUUID, agent.FirstSeenAt, agent.LastSeenAt,
		agent.LastActivity, agent.ActivatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET
			machine_fingerprint = $2,
			fingerprint_raw     = $3,
			hostname            = $4,
			display_name        = $5,
			os_type             = $6,
			os_version          = $7,
			arch                = $8,
			agent_version       = $9,
			ip_address          = $10,
			status              = $11,
			state               = $12,
			power_state         = $13,
			license_uuid        = $14,
			last_seen_at        = $15
		WHERE id = $1`,
		agent.ID, agent.MachineFingerprint, agent.FingerprintRaw, agent.Hostname,
		agent.DisplayName, agent.OSType, agent.OSVersion, agent.Arch, agent.AgentVersion,
		agent.IPAddress, agent.Status, agent.State, agent.PowerState,
		agent.LicenseUUID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAgentState(ctx context.Context, id uuid.UUID, state AgentState) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAgentOnline(ctx context.Context, id uuid.UUID, ip string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET status = $2, ip_address = $3, last_seen_at = $4
		WHERE id = $1`,
		id, AgentOnline, ip, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAgentOffline(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET status = $2, current_task = '', last_seen_at = $3
		WHERE id = $1`,
		id, AgentOffline, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, power PowerState, screenLocked bool, currentTask string, lastActivity time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET power_state = $2, is_screen_locked = $3,
		                  current_task = $4, last_activity = $5, last_seen_at = $5
		WHERE id = $1`,
		id, power, screenLocked, currentTask, lastActivity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordFingerprintChange(ctx context.Context, change *FingerprintChange) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	change.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO fingerprint_changes
			(id, agent_id, change_type, previous_value, new_value, action_taken, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		change.ID, change.AgentID, change.ChangeType, change.PreviousValue,
		change.NewValue, change.ActionTaken, change.Details, change.CreatedAt)
	return err
}

// ─── Agent sessions ──────────────────────────────────────────────────────────

func (s *PostgresStore) OpenAgentSession(ctx context.Context, agentID uuid.UUID, ip string) (*AgentSession, error) {
	session := &AgentSession{
		ID:           uuid.New(),
		AgentID:      agentID,
		SessionStart: time.Now().UTC(),
		IPAddress:    ip,
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_sessions (id, agent_id, session_start, ip_address)
		VALUES ($1, $2, $3, $4)`,
		session.ID, session.AgentID, session.SessionStart, session.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("open agent session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) CloseAgentSession(ctx context.Context, sessionID uuid.UUID) error {
	// duration_minutes is derived from the stored session_start so that the
	// stamp and the duration always agree.
	_, err := s.db.Exec(ctx, `
		UPDATE agent_sessions SET
			session_end      = NOW(),
			duration_minutes = FLOOR(EXTRACT(EPOCH FROM (NOW() - session_start)) / 60)
		WHERE id = $1 AND session_end IS NULL`, sessionID)
	return err
}

// ─── Command log ─────────────────────────────────────────────────────────────

func (s *PostgresStore) CreateCommandLog(ctx context.Context, log *CommandLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	log.Status = CommandSent
	_, err := s.db.Exec(ctx, `
		INSERT INTO command_logs
			(id, agent_id, ai_connection_id, method, tool_name, params, status, started_at, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.AgentID, log.AiConnectionID, log.Method, log.ToolName,
		log.Params, log.Status, log.StartedAt, log.IPAddress)
	return err
}

func (s *PostgresStore) CompleteCommandLog(ctx context.Context, id uuid.UUID, status CommandStatus, result []byte, errMsg string) error {
	// The WHERE status = 'SENT' guard makes the SENT → terminal transition
	// happen exactly once; late completions after a timeout are dropped.
	_, err := s.db.Exec(ctx, `
		UPDATE command_logs SET
			status        = $2,
			result        = $3,
			error_message = $4,
			completed_at  = NOW(),
			duration_ms   = FLOOR(EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)
		WHERE id = $1 AND status = $5`,
		id, status, result, errMsg, CommandSent)
	return err
}
