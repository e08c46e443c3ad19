package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/ratelimit"
	"github.com/screenlink/broker/internal/registry"
	"github.com/screenlink/broker/internal/router"
	"github.com/screenlink/broker/internal/scope"
	"github.com/screenlink/broker/internal/store"
	"github.com/screenlink/broker/internal/token"
)

const appURL = "https://broker.example"

type env struct {
	engine  *gin.Engine
	handler *Handler
	store   *store.MemoryStore
	userID  uuid.UUID
	conn    *store.McpConnection
	bearer  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	reg := registry.New(st, zap.NewNop(), registry.DefaultConfig())
	rt := router.New(reg, zap.NewNop())
	h := NewHandler(st, rt, zap.NewNop(), appURL, ServerInfo{Name: "screenlink-broker", Version: "1.0.0"})

	engine := gin.New()
	h.Register(engine)

	userID := uuid.New()
	st.AddUser(&store.User{ID: userID, Email: "owner@example.com", AccountStatus: store.AccountActive})
	conn := &store.McpConnection{
		ID:           uuid.New(),
		UserID:       userID,
		EndpointUUID: uuid.NewString(),
		Status:       store.ConnectionActive,
	}
	st.AddConnection(conn)

	plaintext, err := token.NewAccessToken()
	require.NoError(t, err)
	require.NoError(t, st.CreateAccessToken(context.Background(), &store.OAuthAccessToken{
		AccessTokenHash: token.HashToken(plaintext),
		UserID:          userID,
		ConnectionID:    conn.ID,
		Scope:           scope.All,
		Audience:        appURL + "/mcp/" + conn.EndpointUUID,
		AccessExpiresAt: time.Now().Add(time.Hour),
	}))

	return &env{engine: engine, handler: h, store: st, userID: userID, conn: conn, bearer: plaintext}
}

func (e *env) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.postTo(t, e.conn.EndpointUUID, e.bearer, body)
}

func (e *env) postTo(t *testing.T, endpointUUID, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp/"+endpointUUID, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestInitialize(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"claude","version":"3.0"}}}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(sessionHeader))

	var resp struct {
		Result struct {
			ProtocolVersion string     `json:"protocolVersion"`
			ServerInfo      ServerInfo `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2024-11-05", resp.Result.ProtocolVersion)
	assert.Equal(t, "screenlink-broker", resp.Result.ServerInfo.Name)
}

func TestUnknownEndpointIs404(t *testing.T) {
	e := newEnv(t)
	w := e.postTo(t, uuid.NewString(), e.bearer, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMissingBearerIs401(t *testing.T) {
	e := newEnv(t)
	w := e.postTo(t, e.conn.EndpointUUID, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestAudienceBinding(t *testing.T) {
	e := newEnv(t)

	// A second endpoint for the same user: the token minted for endpoint A
	// must be rejected at endpoint B.
	other := &store.McpConnection{
		ID:           uuid.New(),
		UserID:       e.userID,
		EndpointUUID: uuid.NewString(),
		Status:       store.ConnectionActive,
	}
	e.store.AddConnection(other)

	w := e.postTo(t, other.EndpointUUID, e.bearer, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
}

func TestAudienceTrailingSlashNormalization(t *testing.T) {
	e := newEnv(t)
	plaintext, err := token.NewAccessToken()
	require.NoError(t, err)
	require.NoError(t, e.store.CreateAccessToken(context.Background(), &store.OAuthAccessToken{
		AccessTokenHash: token.HashToken(plaintext),
		UserID:          e.userID,
		ConnectionID:    e.conn.ID,
		Scope:           scope.All,
		Audience:        appURL + "/mcp/" + e.conn.EndpointUUID + "/",
		AccessExpiresAt: time.Now().Add(time.Hour),
	}))
	w := e.postTo(t, e.conn.EndpointUUID, plaintext, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScopeEnforcement(t *testing.T) {
	e := newEnv(t)
	plaintext, err := token.NewAccessToken()
	require.NoError(t, err)
	require.NoError(t, e.store.CreateAccessToken(context.Background(), &store.OAuthAccessToken{
		AccessTokenHash: token.HashToken(plaintext),
		UserID:          e.userID,
		ConnectionID:    e.conn.ID,
		Scope:           []string{scope.Resources},
		Audience:        appURL + "/mcp/" + e.conn.EndpointUUID,
		AccessExpiresAt: time.Now().Add(time.Hour),
	}))

	w := e.postTo(t, e.conn.EndpointUUID, plaintext,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"system_info"}}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.postTo(t, e.conn.EndpointUUID, plaintext, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotificationIs202(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestParseErrorIs32700(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{not json`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParseError, resp.Error.Code)
}

func TestUnknownMethodIs32601(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{"jsonrpc":"2.0","id":7,"method":"bogus/method"}`)
	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestToolsCallUnknownToolIs32601(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"not_a_tool"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not_a_tool")
}

func TestToolsListFallbackCatalog(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	names := map[string]bool{}
	for _, tool := range resp.Result.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["desktop_screenshot"], "fallback catalog expected with no agents online")
}

func TestToolsCallNoAgentsIsToolError(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"system_info"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result toolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Result.IsError)
	assert.Contains(t, resp.Result.Content[0].Text, "No agents are currently online")
}

func TestConnectionRateLimit(t *testing.T) {
	e := newEnv(t)
	// Shrink the windows so the test exercises the real pipeline cheaply.
	e.handler.ipLimiter = ratelimit.New(ratelimit.Policy{Limit: 1000, Window: time.Minute})
	e.handler.connLimiter = ratelimit.New(ratelimit.Policy{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		w := e.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := e.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestDeleteClosesSession(t *testing.T) {
	e := newEnv(t)
	e.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	req := httptest.NewRequest(http.MethodDelete, "/mcp/"+e.conn.EndpointUUID, nil)
	req.Header.Set("Authorization", "Bearer "+e.bearer)
	req.Header.Set(sessionHeader, "session-1")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPreflight(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/mcp/"+e.conn.EndpointUUID, nil)
	req.Header.Set("Origin", "https://client.example")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://client.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestStreamEmitsInitializedFrame(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/mcp/"+e.conn.EndpointUUID, nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+e.bearer)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"method":"notifications/initialized"`)
	assert.True(t, strings.HasPrefix(w.Body.String(), "data: "))
}

func TestAuditTrail(t *testing.T) {
	e := newEnv(t)
	e.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	logs := e.store.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "ping", logs[0].Method)
	assert.Equal(t, e.conn.ID, logs[0].ConnectionID)
}
