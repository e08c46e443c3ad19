// Package protocol defines the JSON frames exchanged with desktop agents
// over their websocket. Every frame is an Envelope whose Type selects the
// payload shape; payloads travel as json.RawMessage so the registry decodes
// only the frames it routes.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame types sent by agents.
const (
	TypeRegister    = "register"
	TypeResponse    = "response"
	TypeError       = "error"
	TypePong        = "pong"
	TypeHeartbeat   = "heartbeat"
	TypeStateChange = "state_change"
)

// Frame types sent to agents.
const (
	TypeRegistered   = "registered"
	TypeRequest      = "request"
	TypeConfig       = "config"
	TypeHeartbeatAck = "heartbeat_ack"
	TypePing         = "ping"
)

// Close codes used on the agent socket.
const (
	CloseNormal   = 1000 // displacement by a newer connection from the same machine
	CloseRejected = 4000 // registration rejected (bad payload, blocked machine)
	CloseInternal = 1011 // server-side failure or missed heartbeats
)

// Envelope is the outer frame. Exactly one payload field is meaningful for
// a given Type; the rest stay nil.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it. A nil payload produces a frame
// with no payload field.
func NewEnvelope(typ, id string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// RegisterPayload is the first frame an agent sends after connecting.
type RegisterPayload struct {
	CustomerID   string          `json:"customerId"`
	MachineID    string          `json:"machineId"`
	Hostname     string          `json:"hostname"`
	OS           string          `json:"os"`
	OSVersion    string          `json:"osVersion,omitempty"`
	Arch         string          `json:"arch,omitempty"`
	AgentVersion string          `json:"agentVersion,omitempty"`
	Fingerprint  *Fingerprint    `json:"fingerprint,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// Fingerprint is the hardware identity block inside a register frame.
type Fingerprint struct {
	CPUModel        string   `json:"cpuModel"`
	DiskSerial      string   `json:"diskSerial"`
	MotherboardUUID string   `json:"motherboardUuid"`
	MACAddresses    []string `json:"macAddresses"`
}

// RegisteredPayload acknowledges a successful registration.
type RegisteredPayload struct {
	AgentID       string      `json:"agentId"`
	State         string      `json:"state"`
	LicenseStatus string      `json:"licenseStatus"`
	PowerState    string      `json:"powerState"`
	LicenseUUID   string      `json:"licenseUuid,omitempty"`
	Config        AgentConfig `json:"config"`
}

// AgentConfig is pushed at registration and whenever server policy changes.
type AgentConfig struct {
	// HeartbeatInterval is seconds between heartbeats for the agent's
	// current power state.
	HeartbeatInterval int `json:"heartbeatInterval"`
	// GraceHours is how long a blocked or expired agent may stay connected
	// in a degraded state before it must disconnect.
	GraceHours int `json:"graceHours"`
}

// RequestPayload carries a forwarded command to the agent. The envelope ID
// is the correlation id echoed back in the response frame.
type RequestPayload struct {
	Method string          `json:"method"`
	Tool   string          `json:"tool,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponsePayload is the agent's answer to a request frame, matched to the
// pending command by the envelope ID.
type ResponsePayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AgentError     `json:"error,omitempty"`
}

// AgentError is a structured failure inside a response or error frame.
type AgentError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HeartbeatPayload is the agent's periodic liveness report. Every field is
// optional; absent fields leave the agent's last known state untouched.
type HeartbeatPayload struct {
	PowerState   string `json:"powerState,omitempty"`
	ScreenLocked *bool  `json:"screenLocked,omitempty"`
	CurrentTask  string `json:"currentTask,omitempty"`
	LastActivity int64  `json:"lastActivity,omitempty"` // unix millis of last user input
}

// LastActivityTime converts the unix-millis field, zero time when absent.
func (h *HeartbeatPayload) LastActivityTime() time.Time {
	if h.LastActivity == 0 {
		return time.Time{}
	}
	return time.UnixMilli(h.LastActivity)
}

// HeartbeatAckPayload answers a heartbeat. LicenseChanged tells the agent to
// re-read its state and adopt the new Config; PendingCommands reports whether
// the sleep queue holds work.
type HeartbeatAckPayload struct {
	LicenseStatus   string       `json:"licenseStatus"`
	LicenseChanged  bool         `json:"licenseChanged,omitempty"`
	LicenseMessage  string       `json:"licenseMessage,omitempty"`
	PendingCommands bool         `json:"pendingCommands"`
	Config          *AgentConfig `json:"config,omitempty"`
}

// StateChangePayload announces a power-state transition outside the
// heartbeat cadence (sleep, wake, screen lock).
type StateChangePayload struct {
	PowerState   string `json:"powerState,omitempty"`
	ScreenLocked *bool  `json:"screenLocked,omitempty"`
}

// ErrorPayload is an error frame in either direction.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
