package store

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle state of a user account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// User is an end customer. Agents on first contact are attached to a
// system-provisioned user until the dashboard claims them.
type User struct {
	ID            uuid.UUID     `json:"id"             db:"id"`
	Email         string        `json:"email"          db:"email"`
	Name          string        `json:"name,omitempty" db:"name"`
	AccountStatus AccountStatus `json:"account_status" db:"account_status"`
	CreatedAt     time.Time     `json:"created_at"     db:"created_at"`
}

// LicenseStatus is the stored status of a license row.
type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "ACTIVE"
	LicenseExpired   LicenseStatus = "EXPIRED"
	LicenseSuspended LicenseStatus = "SUSPENDED"
)

// License entitles a user to run agents. A license with Status ACTIVE is
// only effective while ValidUntil (if set) and TrialEnds (if IsTrial) are
// in the future.
type License struct {
	ID           uuid.UUID     `json:"id"                      db:"id"`
	UserID       uuid.UUID     `json:"user_id"                 db:"user_id"`
	LicenseKey   string        `json:"license_key"             db:"license_key"`
	ProductType  string        `json:"product_type"            db:"product_type"`
	Status       LicenseStatus `json:"status"                  db:"status"`
	ValidUntil   *time.Time    `json:"valid_until,omitempty"   db:"valid_until"`
	IsTrial      bool          `json:"is_trial"                db:"is_trial"`
	TrialStarted *time.Time    `json:"trial_started,omitempty" db:"trial_started"`
	TrialEnds    *time.Time    `json:"trial_ends,omitempty"    db:"trial_ends"`
}

// OSType is the agent host operating system.
type OSType string

const (
	OSWindows OSType = "WINDOWS"
	OSMacOS   OSType = "MACOS"
	OSLinux   OSType = "LINUX"
)

// AgentStatus tracks socket presence: ONLINE iff a live registry entry
// holds this agent's id.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentOffline AgentStatus = "OFFLINE"
)

// AgentState is the activation state machine for an agent.
type AgentState string

const (
	StatePending AgentState = "PENDING"
	StateActive  AgentState = "ACTIVE"
	StateBlocked AgentState = "BLOCKED"
	StateExpired AgentState = "EXPIRED"
)

// PowerState is the agent's self-reported activity posture. It drives the
// heartbeat cadence and command queueing across sleep.
type PowerState string

const (
	PowerActive  PowerState = "ACTIVE"
	PowerPassive PowerState = "PASSIVE"
	PowerSleep   PowerState = "SLEEP"
)

// Agent is the durable identity of a desktop agent. (CustomerID, MachineID)
// identifies the same machine across reconnects.
type Agent struct {
	ID                 uuid.UUID   `json:"id"                  db:"id"`
	LicenseID          uuid.UUID   `json:"license_id"          db:"license_id"`
	OwnerUserID        uuid.UUID   `json:"owner_user_id"       db:"owner_user_id"`
	AgentKey           string      `json:"-"                   db:"agent_key"`
	CustomerID         string      `json:"customer_id"         db:"customer_id"`
	MachineID          string      `json:"machine_id"          db:"machine_id"`
	MachineFingerprint string      `json:"machine_fingerprint" db:"machine_fingerprint"`
	FingerprintRaw     []byte      `json:"-"                   db:"fingerprint_raw"`
	Hostname           string      `json:"hostname"            db:"hostname"`
	DisplayName        string      `json:"display_name"        db:"display_name"`
	OSType             OSType      `json:"os_type"             db:"os_type"`
	OSVersion          string      `json:"os_version"          db:"os_version"`
	Arch               string      `json:"arch"                db:"arch"`
	AgentVersion       string      `json:"agent_version"       db:"agent_version"`
	IPAddress          string      `json:"ip_address"          db:"ip_address"`
	Status             AgentStatus `json:"status"              db:"status"`
	State              AgentState  `json:"state"               db:"state"`
	PowerState         PowerState  `json:"power_state"         db:"power_state"`
	IsScreenLocked     bool        `json:"is_screen_locked"    db:"is_screen_locked"`
	CurrentTask        string      `json:"current_task"        db:"current_task"`
	LicenseUUID        string      `json:"license_uuid"        db:"license_uuid"`
	FirstSeenAt        time.Time   `json:"first_seen_at"       db:"first_seen_at"`
	LastSeenAt         time.Time   `json:"last_seen_at"        db:"last_seen_at"`
	LastActivity       time.Time   `json:"last_activity"       db:"last_activity"`
	ActivatedAt        *time.Time  `json:"activated_at"        db:"activated_at"`
}

// AgentSession brackets one socket connection of an agent.
type AgentSession struct {
	ID              uuid.UUID  `json:"id"               db:"id"`
	AgentID         uuid.UUID  `json:"agent_id"         db:"agent_id"`
	SessionStart    time.Time  `json:"session_start"    db:"session_start"`
	SessionEnd      *time.Time `json:"session_end"      db:"session_end"`
	DurationMinutes *int       `json:"duration_minutes" db:"duration_minutes"`
	IPAddress       string     `json:"ip_address"       db:"ip_address"`
}

// CommandStatus is the lifecycle of one forwarded command.
// Transitions only SENT → COMPLETED | FAILED | TIMEOUT.
type CommandStatus string

const (
	CommandSent      CommandStatus = "SENT"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimeout   CommandStatus = "TIMEOUT"
)

// CommandLog is the audit row for a command forwarded to an agent.
type CommandLog struct {
	ID             uuid.UUID     `json:"id"               db:"id"`
	AgentID        uuid.UUID     `json:"agent_id"         db:"agent_id"`
	AiConnectionID *uuid.UUID    `json:"ai_connection_id" db:"ai_connection_id"`
	Method         string        `json:"method"           db:"method"`
	ToolName       string        `json:"tool_name"        db:"tool_name"`
	Params         []byte        `json:"params"           db:"params"`
	Status         CommandStatus `json:"status"           db:"status"`
	Result         []byte        `json:"result"           db:"result"`
	ErrorMessage   string        `json:"error_message"    db:"error_message"`
	StartedAt      time.Time     `json:"started_at"       db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at"     db:"completed_at"`
	DurationMs     *int64        `json:"duration_ms"      db:"duration_ms"`
	IPAddress      string        `json:"ip_address"       db:"ip_address"`
}

// FingerprintChange records a hardware fingerprint mismatch between
// reconnects of the same (customer, machine) pair.
type FingerprintChange struct {
	ID            uuid.UUID `json:"id"             db:"id"`
	AgentID       uuid.UUID `json:"agent_id"       db:"agent_id"`
	ChangeType    string    `json:"change_type"    db:"change_type"`
	PreviousValue string    `json:"previous_value" db:"previous_value"`
	NewValue      string    `json:"new_value"      db:"new_value"`
	ActionTaken   string    `json:"action_taken"   db:"action_taken"`
	Details       []byte    `json:"details"        db:"details"`
	CreatedAt     time.Time `json:"created_at"     db:"created_at"`
}

// ConnectionStatus is the state of a tenant endpoint.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "ACTIVE"
	ConnectionRevoked ConnectionStatus = "REVOKED"
)

// McpConnection links a user to one tenant endpoint (/mcp/{EndpointUUID}).
type McpConnection struct {
	ID            uuid.UUID        `json:"id"             db:"id"`
	UserID        uuid.UUID        `json:"user_id"        db:"user_id"`
	EndpointUUID  string           `json:"endpoint_uuid"  db:"endpoint_uuid"`
	Name          string           `json:"name"           db:"name"`
	Status        ConnectionStatus `json:"status"         db:"status"`
	TotalRequests int64            `json:"total_requests" db:"total_requests"`
	LastUsedAt    *time.Time       `json:"last_used_at"   db:"last_used_at"`
}

// OAuthClient is a dynamically registered OAuth client (RFC 7591).
type OAuthClient struct {
	ClientID                    string    `json:"client_id"                      db:"client_id"`
	ClientSecretHash            string    `json:"-"                              db:"client_secret_hash"`
	RedirectURIs                []string  `json:"redirect_uris"                  db:"redirect_uris"`
	GrantTypes                  []string  `json:"grant_types"                    db:"grant_types"`
	ResponseTypes               []string  `json:"response_types"                 db:"response_types"`
	Scopes                      []string  `json:"scopes"                         db:"scopes"`
	TokenEndpointAuthMethod     string    `json:"token_endpoint_auth_method"     db:"token_endpoint_auth_method"`
	RegistrationAccessTokenHash string    `json:"-"                              db:"registration_access_token_hash"`
	CreatedAt                   time.Time `json:"created_at"                     db:"created_at"`
}

// OAuthAuthorizationCode is a single-use PKCE-bound authorization code.
// Only the SHA-256 hash of the code is stored.
type OAuthAuthorizationCode struct {
	CodeHash            string     `json:"-"                     db:"code_hash"`
	ClientID            string     `json:"client_id"             db:"client_id"`
	UserID              uuid.UUID  `json:"user_id"               db:"user_id"`
	ConnectionID        uuid.UUID  `json:"connection_id"         db:"connection_id"`
	RedirectURI         string     `json:"redirect_uri"          db:"redirect_uri"`
	Scope               []string   `json:"scope"                 db:"scope"`
	CodeChallenge       string     `json:"code_challenge"        db:"code_challenge"`
	CodeChallengeMethod string     `json:"code_challenge_method" db:"code_challenge_method"`
	Audience            string     `json:"audience"              db:"audience"`
	ExpiresAt           time.Time  `json:"expires_at"            db:"expires_at"`
	ConsumedAt          *time.Time `json:"consumed_at"           db:"consumed_at"`
}

// OAuthAccessToken is an issued access (and optional refresh) token pair.
// Plaintext is never stored; lookups go through the hashes.
type OAuthAccessToken struct {
	ID               uuid.UUID  `json:"id"                 db:"id"`
	AccessTokenHash  string     `json:"-"                  db:"access_token_hash"`
	UserID           uuid.UUID  `json:"user_id"            db:"user_id"`
	ConnectionID     uuid.UUID  `json:"connection_id"      db:"connection_id"`
	ClientID         string     `json:"client_id"          db:"client_id"`
	Scope            []string   `json:"scope"              db:"scope"`
	Audience         string     `json:"audience"           db:"audience"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"  db:"access_expires_at"`
	RefreshTokenHash string     `json:"-"                  db:"refresh_token_hash"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at" db:"refresh_expires_at"`
	RevokedAt        *time.Time `json:"revoked_at"         db:"revoked_at"`
	LastUsedAt       *time.Time `json:"last_used_at"       db:"last_used_at"`
}

// McpRequestLog is the append-only audit of tenant-endpoint calls.
type McpRequestLog struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	ConnectionID uuid.UUID `json:"connection_id" db:"connection_id"`
	UserID       uuid.UUID `json:"user_id"       db:"user_id"`
	Method       string    `json:"method"        db:"method"`
	StatusCode   int       `json:"status_code"   db:"status_code"`
	IPAddress    string    `json:"ip_address"    db:"ip_address"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}

// AiConnection tracks one AI client session against a tenant endpoint.
type AiConnection struct {
	ID             uuid.UUID  `json:"id"              db:"id"`
	SessionID      string     `json:"session_id"      db:"session_id"`
	UserID         uuid.UUID  `json:"user_id"         db:"user_id"`
	ClientName     string     `json:"client_name"     db:"client_name"`
	ClientVersion  string     `json:"client_version"  db:"client_version"`
	IsActive       bool       `json:"is_active"       db:"is_active"`
	AuthorizedAt   *time.Time `json:"authorized_at"   db:"authorized_at"`
	DisconnectedAt *time.Time `json:"disconnected_at" db:"disconnected_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
}

// ReleaseChannel selects an agent update stream.
type ReleaseChannel string

const (
	ChannelStable ReleaseChannel = "STABLE"
	ChannelBeta   ReleaseChannel = "BETA"
	ChannelDev    ReleaseChannel = "DEV"
)

// AgentVersion is the latest published version on a channel along with its
// rollout policy and the platform-arch builds that exist for it.
type AgentVersion struct {
	ID             uuid.UUID      `json:"id"              db:"id"`
	Channel        ReleaseChannel `json:"channel"         db:"channel"`
	Version        string         `json:"version"         db:"version"`
	MinVersion     string         `json:"min_version"     db:"min_version"`
	RolloutPercent int            `json:"rollout_percent" db:"rollout_percent"`
	// Builds holds "platform-arch" keys, e.g. "windows-amd64".
	Builds      []string  `json:"builds"       db:"builds"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
}

// CustomerActivityPattern is the per-user hourly command histogram used for
// quiet-hours detection. Advisory only.
type CustomerActivityPattern struct {
	UserID          uuid.UUID `json:"user_id"           db:"user_id"`
	HourlyActivity  [24]int   `json:"hourly_activity"   db:"hourly_activity"`
	QuietHoursStart *int      `json:"quiet_hours_start" db:"quiet_hours_start"`
	QuietHoursEnd   *int      `json:"quiet_hours_end"   db:"quiet_hours_end"`
}

// TotalActivity returns the sum of all hourly buckets.
func (p *CustomerActivityPattern) TotalActivity() int {
	total := 0
	for _, n := range p.HourlyActivity {
		total += n
	}
	return total
}
