package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/protocol"
	"github.com/screenlink/broker/internal/registry"
	"github.com/screenlink/broker/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []*protocol.Envelope
}

func (f *fakeConn) WriteEnvelope(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeConn) Close(int, string) error { return nil }
func (f *fakeConn) RemoteAddr() string      { return "10.0.0.9:4000" }

func (f *fakeConn) lastRequest() *protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Type == protocol.TypeRequest {
			return f.frames[i]
		}
	}
	return nil
}

type fixture struct {
	router   *Router
	registry *registry.Registry
	store    *store.MemoryStore
	owner    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st, zap.NewNop(), registry.DefaultConfig())
	return &fixture{
		router:   New(reg, zap.NewNop()),
		registry: reg,
		store:    st,
		owner:    uuid.New(),
	}
}

// seedOnline provisions an ACTIVE agent owned by the fixture owner and
// connects it through the registry.
func (f *fixture) seedOnline(t *testing.T, machineID, hostname, displayName string) (*registry.ConnectedAgent, *fakeConn) {
	t.Helper()
	ctx := context.Background()

	seed := &store.Agent{
		CustomerID: "cust",
		MachineID:  machineID,
		Hostname:   hostname,
		OSType:     store.OSMacOS,
		Status:     store.AgentOffline,
		State:      store.StateActive,
		PowerState: store.PowerPassive,
	}
	if err := f.store.CreateAgentWithTrial(ctx, seed); err != nil {
		t.Fatal(err)
	}
	seed.OwnerUserID = f.owner
	seed.DisplayName = displayName
	if err := f.store.UpdateAgent(ctx, seed); err != nil {
		t.Fatal(err)
	}

	conn := &fakeConn{}
	agent, err := f.registry.Register(ctx, conn, &protocol.RegisterPayload{
		CustomerID: "cust",
		MachineID:  machineID,
		Hostname:   hostname,
		OS:         "Darwin",
	})
	if err != nil {
		t.Fatalf("register %s: %v", machineID, err)
	}
	return agent, conn
}

func TestCheckPreconditions(t *testing.T) {
	base := func() *registry.ConnectedAgent {
		return &registry.ConnectedAgent{State: store.StateActive, LicenseStatus: "active"}
	}

	tests := []struct {
		name   string
		mutate func(*registry.ConnectedAgent)
		method string
		want   string
	}{
		{"blocked", func(a *registry.ConnectedAgent) { a.State = store.StateBlocked }, "ping", "Agent is blocked"},
		{"expired", func(a *registry.ConnectedAgent) { a.State = store.StateExpired }, "ping", "License expired"},
		{"license inactive", func(a *registry.ConnectedAgent) { a.LicenseStatus = "pending" }, "ping", "License not active"},
		{"pending gated", func(a *registry.ConnectedAgent) { a.State = store.StatePending }, "desktop_screenshot", "Agent awaiting activation"},
		{"pending ping ok", func(a *registry.ConnectedAgent) { a.State = store.StatePending }, "ping", ""},
		{"locked gated", func(a *registry.ConnectedAgent) { a.ScreenLocked = true }, "desktop_screenshot", "Screen is locked"},
		{"locked shell ok", func(a *registry.ConnectedAgent) { a.ScreenLocked = true }, "shell_exec", ""},
		{"locked fs_read ok", func(a *registry.ConnectedAgent) { a.ScreenLocked = true }, "fs_read", ""},
		{"clear", func(*registry.ConnectedAgent) {}, "desktop_screenshot", ""},
	}
	r := New(nil, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base()
			tt.mutate(a)
			err := r.CheckPreconditions(a, tt.method)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected deny: %v", err)
				}
				return
			}
			var pe *PreconditionError
			if !errors.As(err, &pe) || pe.Reason != tt.want {
				t.Errorf("got %v, want %q", err, tt.want)
			}
		})
	}
}

func TestSelectAgentNoAgents(t *testing.T) {
	f := newFixture(t)
	_, selErr := f.router.SelectAgent(f.owner, "")
	if selErr == nil || selErr.Message != "No agents are currently online" {
		t.Fatalf("got %v", selErr)
	}
}

func TestSelectAgentSingleton(t *testing.T) {
	f := newFixture(t)
	want, _ := f.seedOnline(t, "m1", "desk-01", "")
	got, selErr := f.router.SelectAgent(f.owner, "")
	if selErr != nil {
		t.Fatal(selErr)
	}
	if got.ConnID != want.ConnID {
		t.Error("sole online agent should be auto-selected")
	}
}

func TestSelectAgentFuzzy(t *testing.T) {
	f := newFixture(t)
	mac, _ := f.seedOnline(t, "m1", "mac-host", "Alice's MacBook Pro")
	f.seedOnline(t, "m2", "alice-linux", "")

	got, selErr := f.router.SelectAgent(f.owner, "alices macbook")
	if selErr != nil {
		t.Fatalf("expected auto-select, got %v", selErr)
	}
	if got.ConnID != mac.ConnID {
		t.Errorf("selected %q", got.Name())
	}

	_, selErr = f.router.SelectAgent(f.owner, "alice")
	if selErr == nil {
		t.Fatal("bare first name must be ambiguous")
	}
	if len(selErr.Candidates) != 2 {
		t.Errorf("candidates: got %v", selErr.Candidates)
	}
	for _, name := range selErr.Candidates {
		if name != "Alice's MacBook Pro" && name != "alice-linux" {
			t.Errorf("candidate leaks something other than a name: %q", name)
		}
	}
}

func TestSelectAgentByID(t *testing.T) {
	f := newFixture(t)
	a, _ := f.seedOnline(t, "m1", "desk-01", "")
	f.seedOnline(t, "m2", "desk-02", "")

	got, selErr := f.router.SelectAgent(f.owner, a.DBID.String())
	if selErr != nil {
		t.Fatal(selErr)
	}
	if got.ConnID != a.ConnID {
		t.Error("db id must select exactly")
	}
}

func TestListAgentsNeverLeaksIDs(t *testing.T) {
	f := newFixture(t)
	a, _ := f.seedOnline(t, "m1", "desk-01", "Front Desk")
	f.seedOnline(t, "m2", "back-office", "")

	list := f.router.ListAgents(f.owner)
	if len(list) != 2 {
		t.Fatalf("got %d agents", len(list))
	}
	for _, s := range list {
		if s.Name == a.DBID.String() || s.Name == "" {
			t.Errorf("summary name %q", s.Name)
		}
		if s.Status != "ONLINE" {
			t.Errorf("status %q", s.Status)
		}
	}
}

func TestAggregateToolsFallback(t *testing.T) {
	f := newFixture(t)
	tools := f.router.AggregateTools(context.Background(), f.owner)
	names := make(map[string]bool, len(tools))
	for _, tl := range tools {
		names[tl.Name] = true
	}
	for _, want := range []string{"desktop_screenshot", "system_info", "list_agents", "emergency_stop"} {
		if !names[want] {
			t.Errorf("fallback catalog missing %s", want)
		}
	}
}

func TestAggregateToolsFetchAndCollision(t *testing.T) {
	f := newFixture(t)
	a1, conn1 := f.seedOnline(t, "m1", "desk-01", "one")
	a2, conn2 := f.seedOnline(t, "m2", "desk-02", "two")

	catalog1 := `{"tools":[{"name":"desktop_screenshot","description":"first"}]}`
	catalog2 := `{"tools":[{"name":"desktop_screenshot","description":"second"},{"name":"shell_exec"}]}`
	go answerToolsList(f.registry, a1.ConnID, conn1, catalog1)
	go answerToolsList(f.registry, a2.ConnID, conn2, catalog2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tools := f.router.AggregateTools(ctx, f.owner)

	byName := map[string]registry.ToolDef{}
	for _, tl := range tools {
		byName[tl.Name] = tl
	}
	if len(byName) != 2 {
		t.Fatalf("merged catalog: %v", tools)
	}
	if byName["desktop_screenshot"].Description != "first" {
		t.Errorf("collision must keep the first writer, got %q", byName["desktop_screenshot"].Description)
	}

	// Second aggregation hits the cache: no further fetches, same merge.
	tools = f.router.AggregateTools(ctx, f.owner)
	if len(tools) != 2 {
		t.Errorf("cached aggregation: got %d tools", len(tools))
	}
}

func TestEmergencyStop(t *testing.T) {
	f := newFixture(t)
	a, _ := f.seedOnline(t, "m1", "desk-01", "")

	errCh := make(chan error, 1)
	go func() {
		_, err := f.registry.SendCommand(context.Background(), a.ConnID, "tools/call", "system_info", nil)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := f.router.EmergencyStop(f.owner, ""); n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-errCh:
		if err == nil || err.Error() != "Emergency stop" {
			t.Errorf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived the stop")
	}
}

// answerToolsList waits for a tools/list request on the fake socket and
// answers it through the registry, the way the socket read loop would.
func answerToolsList(reg *registry.Registry, connID uuid.UUID, conn *fakeConn, catalog string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req := conn.lastRequest(); req != nil {
			var payload protocol.RequestPayload
			req.Decode(&payload)
			if payload.Method == "tools/list" {
				env, _ := protocol.NewEnvelope(protocol.TypeResponse, req.ID, &protocol.ResponsePayload{
					Result: json.RawMessage(catalog),
				})
				reg.HandleResponse(connID, env)
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}
