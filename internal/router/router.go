// Package router sits between the tenant endpoint and the agent registry:
// it picks the target agent (explicitly, as the lone candidate, or by fuzzy
// name match), gates calls on license and lock pre-conditions, aggregates
// tool catalogs, and forwards calls with correlation and timeout handled by
// the registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/registry"
	"github.com/screenlink/broker/internal/store"
)

// PreconditionError is a deny from the pre-flight checks. It reaches the AI
// client as tool-call text, not as a transport failure.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

// SelectionError reports why fuzzy selection could not settle on one agent.
type SelectionError struct {
	Message string
	// Suggestion is set when one candidate scored well but below the
	// auto-select bar; the caller should confirm it.
	Suggestion string
	// Candidates lists caller-visible agent names, never ids.
	Candidates []string
}

func (e *SelectionError) Error() string { return e.Message }

// AgentSummary is the caller-visible shape of one agent.
type AgentSummary struct {
	Name     string    `json:"name"`
	OS       string    `json:"os"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Router routes tool calls onto agent sockets.
type Router struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// New builds a Router over the registry.
func New(reg *registry.Registry, logger *zap.Logger) *Router {
	return &Router{registry: reg, logger: logger}
}

// Methods exempt from the PENDING-activation gate.
var pendingAllowed = map[string]bool{
	"ping":    true,
	"status":  true,
	"getInfo": true,
}

// Methods allowed while the screen is locked.
var lockedAllowed = map[string]bool{
	"ping":       true,
	"status":     true,
	"getInfo":    true,
	"fs_list":    true,
	"fs_read":    true,
	"shell_exec": true,
}

// CheckPreconditions applies the license and lock gates, in precedence
// order, before a command may reach the agent.
func (r *Router) CheckPreconditions(agent *registry.ConnectedAgent, method string) error {
	switch agent.State {
	case store.StateBlocked:
		return &PreconditionError{Reason: "Agent is blocked"}
	case store.StateExpired:
		return &PreconditionError{Reason: "License expired"}
	}
	if agent.LicenseStatus != "active" {
		return &PreconditionError{Reason: "License not active"}
	}
	if agent.State == store.StatePending && !pendingAllowed[method] {
		return &PreconditionError{Reason: "Agent awaiting activation"}
	}
	if agent.ScreenLocked && !lockedAllowed[method] {
		return &PreconditionError{Reason: "Screen is locked"}
	}
	return nil
}

// CallTool runs the full forward pipeline for one tool invocation:
// selection, pre-conditions, dispatch.
func (r *Router) CallTool(ctx context.Context, ownerID uuid.UUID, requestedAgent, tool string, args json.RawMessage) (json.RawMessage, error) {
	agent, selErr := r.SelectAgent(ownerID, requestedAgent)
	if selErr != nil {
		return nil, selErr
	}
	if err := r.CheckPreconditions(agent, tool); err != nil {
		return nil, err
	}
	params, err := json.Marshal(map[string]json.RawMessage{
		"name":      json.RawMessage(fmt.Sprintf("%q", tool)),
		"arguments": nonNull(args),
	})
	if err != nil {
		return nil, err
	}
	return r.registry.SendCommand(ctx, agent.ConnID, "tools/call", tool, params)
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// SelectAgent resolves which of the user's online agents a request targets.
// With no hint, a sole online agent is chosen; otherwise every agent is
// scored against the hint by display name or hostname.
func (r *Router) SelectAgent(ownerID uuid.UUID, requested string) (*registry.ConnectedAgent, *SelectionError) {
	agents := r.registry.AgentsByOwner(ownerID)
	if len(agents) == 0 {
		return nil, &SelectionError{Message: "No agents are currently online"}
	}

	if requested == "" {
		if len(agents) == 1 {
			return agents[0], nil
		}
		return nil, &SelectionError{
			Message:    "Multiple agents are online; specify one by name",
			Candidates: agentNames(agents),
		}
	}

	type scored struct {
		agent *registry.ConnectedAgent
		score float64
	}
	ranked := make([]scored, 0, len(agents))
	for _, a := range agents {
		s := similarity(requested, a.Name())
		if requested == a.DBID.String() || requested == a.ConnID.String() {
			s = 1.0
		}
		ranked = append(ranked, scored{a, s})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	best := ranked[0]
	uniqueTop := len(ranked) == 1 || ranked[1].score < best.score
	switch {
	case best.score >= selectThreshold && uniqueTop:
		return best.agent, nil
	case best.score >= selectThreshold:
		// Tied top scorers: never guess between them.
		var names []string
		for _, s := range ranked {
			if s.score >= suggestThreshold {
				names = append(names, s.agent.Name())
			}
		}
		return nil, &SelectionError{
			Message:    fmt.Sprintf("Multiple agents match %q; specify one by name", requested),
			Candidates: names,
		}
	case best.score >= suggestThreshold:
		return nil, &SelectionError{
			Message:    fmt.Sprintf("Did you mean %q?", best.agent.Name()),
			Suggestion: best.agent.Name(),
		}
	default:
		return nil, &SelectionError{
			Message:    fmt.Sprintf("No agent matches %q", requested),
			Candidates: agentNames(agents),
		}
	}
}

func agentNames(agents []*registry.ConnectedAgent) []string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}
	return names
}

// ListAgents returns the user's online agents as caller-visible summaries.
func (r *Router) ListAgents(ownerID uuid.UUID) []AgentSummary {
	agents := r.registry.AgentsByOwner(ownerID)
	out := make([]AgentSummary, len(agents))
	for i, a := range agents {
		out[i] = AgentSummary{
			Name:     a.Name(),
			OS:       string(a.OSType),
			Status:   string(store.AgentOnline),
			LastSeen: a.LastPing,
		}
	}
	return out
}

// EmergencyStop cancels every outstanding request on the selected agents.
// Queued sleep commands are left in place; they are not re-dispatched here.
func (r *Router) EmergencyStop(ownerID uuid.UUID, requestedAgent string) (int, error) {
	if requestedAgent != "" {
		agent, selErr := r.SelectAgent(ownerID, requestedAgent)
		if selErr != nil {
			return 0, selErr
		}
		return r.registry.CancelPending(agent.ConnID, "Emergency stop"), nil
	}
	total := 0
	for _, a := range r.registry.AgentsByOwner(ownerID) {
		total += r.registry.CancelPending(a.ConnID, "Emergency stop")
	}
	return total, nil
}

// AggregateTools merges the tool catalogs of all of the user's online
// agents, fetching any stale catalog synchronously. On a name collision the
// first writer wins and the loser is logged. An empty merge falls back to
// the built-in desktop catalog.
func (r *Router) AggregateTools(ctx context.Context, ownerID uuid.UUID) []registry.ToolDef {
	merged := make(map[string]registry.ToolDef)
	var order []string

	for _, a := range r.registry.AgentsByOwner(ownerID) {
		tools, ok := r.registry.CachedTools(a.ConnID)
		if !ok {
			fetched, err := r.fetchTools(ctx, a)
			if err != nil {
				r.logger.Warn("tool catalog fetch failed",
					zap.String("agent", a.Name()), zap.Error(err))
				continue
			}
			r.registry.SetAgentTools(a.ConnID, fetched)
			tools = fetched
		}
		for _, tool := range tools {
			if _, exists := merged[tool.Name]; exists {
				r.logger.Warn("tool name collision, keeping first",
					zap.String("tool", tool.Name), zap.String("agent", a.Name()))
				continue
			}
			merged[tool.Name] = tool
			order = append(order, tool.Name)
		}
	}

	if len(merged) == 0 {
		return FallbackCatalog()
	}
	out := make([]registry.ToolDef, 0, len(merged))
	for _, name := range order {
		out = append(out, merged[name])
	}
	return out
}

// HasTool reports whether any online agent of the user advertises the tool.
func (r *Router) HasTool(ctx context.Context, ownerID uuid.UUID, name string) bool {
	for _, t := range r.AggregateTools(ctx, ownerID) {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (r *Router) fetchTools(ctx context.Context, a *registry.ConnectedAgent) ([]registry.ToolDef, error) {
	raw, err := r.registry.SendCommand(ctx, a.ConnID, "tools/list", "", nil)
	if err != nil {
		return nil, err
	}
	// Agents answer either {"tools":[...]} or a bare array.
	var wrapped struct {
		Tools []registry.ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Tools != nil {
		return wrapped.Tools, nil
	}
	var bare []registry.ToolDef
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("malformed tool catalog: %w", err)
	}
	return bare, nil
}

// fallbackToolNames is the built-in desktop catalog advertised when no
// agent has reported its own.
var fallbackToolNames = []string{
	"desktop_screenshot",
	"mouse_move", "mouse_click", "mouse_scroll",
	"keyboard_type", "keyboard_press",
	"window_list", "window_focus",
	"app_launch", "app_quit",
	"clipboard_read", "clipboard_write",
	"file_read", "file_write",
	"system_info",
	"screen_find_text", "screen_find_image",
	"list_agents", "emergency_stop",
}

// FallbackCatalog returns the built-in catalog with a permissive schema.
func FallbackCatalog() []registry.ToolDef {
	out := make([]registry.ToolDef, len(fallbackToolNames))
	for i, name := range fallbackToolNames {
		out[i] = registry.ToolDef{
			Name:        name,
			Description: strings.ReplaceAll(name, "_", " "),
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}
	}
	return out
}
