// Package mcp serves the tenant endpoints /mcp/{uuid}: bearer-token
// validation with audience binding, rate limiting, JSON-RPC dispatch with
// notification semantics, the SSE stream, and session close.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/metrics"
	"github.com/screenlink/broker/internal/ratelimit"
	"github.com/screenlink/broker/internal/router"
	"github.com/screenlink/broker/internal/scope"
	"github.com/screenlink/broker/internal/store"
	"github.com/screenlink/broker/internal/token"
)

const (
	sessionHeader = "Mcp-Session-Id"
	ssePingEvery  = 30 * time.Second
	corsMaxAge    = "86400"
)

// ServerInfo names this endpoint in initialize replies.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Handler serves one tenant endpoint route for all connections.
type Handler struct {
	store       store.Store
	router      *router.Router
	logger      *zap.Logger
	appURL      string
	info        ServerInfo
	ipLimiter   *ratelimit.Limiter
	connLimiter *ratelimit.Limiter
	metrics     *metrics.Metrics
}

// SetMetrics attaches the Prometheus instruments. Optional.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// NewHandler builds the tenant endpoint handler. appURL is the public base
// URL used to compute the expected token audience.
func NewHandler(st store.Store, rt *router.Router, logger *zap.Logger, appURL string, info ServerInfo) *Handler {
	return &Handler{
		store:       st,
		router:      rt,
		logger:      logger,
		appURL:      strings.TrimRight(appURL, "/"),
		info:        info,
		ipLimiter:   ratelimit.New(ratelimit.PerIP),
		connLimiter: ratelimit.New(ratelimit.PerConnection),
	}
}

// Register mounts the tenant endpoint routes.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/mcp/:uuid", h.Post)
	r.GET("/mcp/:uuid", h.Stream)
	r.DELETE("/mcp/:uuid", h.Delete)
	r.OPTIONS("/mcp/:uuid", h.Preflight)
}

// Sweep drops expired rate-limit windows. The server calls this on a timer.
func (h *Handler) Sweep() {
	h.ipLimiter.Sweep()
	h.connLimiter.Sweep()
}

// ─── Validation pipeline ─────────────────────────────────────────────────────

func rateLimited(c *gin.Context, retryAfter time.Duration) {
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}

func (h *Handler) unauthorized(c *gin.Context, description string) {
	c.Header("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="mcp", error="invalid_token", error_description=%q`, description))
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": description})
}

func (h *Handler) forbidden(c *gin.Context, description string) {
	c.Header("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="mcp", error="insufficient_scope", error_description=%q`, description))
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope", "error_description": description})
}

// validate runs steps 1–5 of the request pipeline: IP window, endpoint
// lookup, bearer validation with audience binding, connection window, and
// usage bookkeeping.
func (h *Handler) validate(c *gin.Context) (*store.McpConnection, *store.OAuthAccessToken, bool) {
	ctx := c.Request.Context()

	if ok, _, retry := h.ipLimiter.Allow(c.ClientIP()); !ok {
		h.metrics.RecordRateLimited("per_ip")
		rateLimited(c, retry)
		return nil, nil, false
	}

	endpointUUID := c.Param("uuid")
	conn, err := h.store.GetConnectionByEndpoint(ctx, endpointUUID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return nil, nil, false
	}

	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		h.unauthorized(c, "bearer token required")
		return nil, nil, false
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	h.metrics.RecordTokenLookup()
	tok, err := h.store.GetAccessTokenByHash(ctx, token.HashToken(raw))
	if err != nil {
		h.unauthorized(c, "unknown token")
		return nil, nil, false
	}
	if tok.RevokedAt != nil {
		h.unauthorized(c, "token revoked")
		return nil, nil, false
	}
	if time.Now().After(tok.AccessExpiresAt) {
		h.unauthorized(c, "token expired")
		return nil, nil, false
	}
	endpointURL := h.appURL + "/mcp/" + endpointUUID
	if !token.AudienceMatches(tok.Audience, endpointURL) {
		h.forbidden(c, "token is bound to a different endpoint")
		return nil, nil, false
	}
	if conn.Status != store.ConnectionActive {
		h.unauthorized(c, "endpoint revoked")
		return nil, nil, false
	}

	if ok, remaining, retry := h.connLimiter.Allow(conn.ID.String()); !ok {
		h.metrics.RecordRateLimited("per_connection")
		rateLimited(c, retry)
		return nil, nil, false
	} else {
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}

	now := time.Now().UTC()
	if err := h.store.TouchAccessToken(ctx, tok.ID, now); err != nil {
		h.logger.Warn("touch access token", zap.Error(err))
	}
	if err := h.store.TouchConnection(ctx, conn.ID, now); err != nil {
		h.logger.Warn("touch connection", zap.Error(err))
	}
	return conn, tok, true
}

func (h *Handler) audit(c *gin.Context, conn *store.McpConnection, method string, status int) {
	entry := &store.McpRequestLog{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Method:       method,
		StatusCode:   status,
		IPAddress:    c.ClientIP(),
	}
	if err := h.store.AppendRequestLog(c.Request.Context(), entry); err != nil {
		h.logger.Warn("append request log", zap.Error(err))
	}
	h.metrics.RecordMcpRequest(method, status)
}

// ─── POST: JSON-RPC ──────────────────────────────────────────────────────────

// Post handles one JSON-RPC request or notification.
func (h *Handler) Post(c *gin.Context) {
	conn, tok, ok := h.validate(c)
	if !ok {
		return
	}

	sessionID := c.GetHeader(sessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.Header(sessionHeader, sessionID)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, errResponse(nil, codeParseError, "could not read request body"))
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		h.audit(c, conn, "parse_error", http.StatusOK)
		c.JSON(http.StatusOK, errResponse(nil, codeParseError, "malformed JSON-RPC request"))
		return
	}

	if required := scope.Required(req.Method); required != "" && !scope.Has(tok.Scope, required) {
		h.audit(c, conn, req.Method, http.StatusForbidden)
		h.forbidden(c, fmt.Sprintf("method %s requires scope %s", req.Method, required))
		return
	}

	if req.isNotification() {
		// Notifications execute but never answer; handler errors are
		// logged only.
		if _, rpcErr := h.dispatch(c, conn, tok, sessionID, &req); rpcErr != nil {
			h.logger.Debug("notification handler error",
				zap.String("method", req.Method), zap.String("error", rpcErr.Message))
		}
		h.audit(c, conn, req.Method, http.StatusAccepted)
		c.Status(http.StatusAccepted)
		return
	}

	result, rpcErr := h.dispatch(c, conn, tok, sessionID, &req)
	h.audit(c, conn, req.Method, http.StatusOK)
	if rpcErr != nil {
		c.JSON(http.StatusOK, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	c.JSON(http.StatusOK, okResponse(req.ID, result))
}

// dispatch routes one parsed JSON-RPC request to its method handler.
func (h *Handler) dispatch(c *gin.Context, conn *store.McpConnection, tok *store.OAuthAccessToken, sessionID string, req *rpcRequest) (any, *rpcError) {
	switch {
	case req.Method == "initialize":
		return h.initialize(c, conn, sessionID, req.Params)

	case req.Method == "tools/list":
		tools := h.router.AggregateTools(c.Request.Context(), conn.UserID)
		return gin.H{"tools": tools}, nil

	case req.Method == "tools/call":
		return h.toolsCall(c, conn, req.Params)

	case req.Method == "resources/list":
		return gin.H{"resources": []any{}}, nil

	case req.Method == "prompts/list":
		return gin.H{"prompts": []any{}}, nil

	case req.Method == "ping":
		return gin.H{}, nil

	case strings.HasPrefix(req.Method, "notifications/"):
		return gin.H{}, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (h *Handler) initialize(c *gin.Context, conn *store.McpConnection, sessionID string, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}

	now := time.Now().UTC()
	ai := &store.AiConnection{
		SessionID:      sessionID,
		UserID:         conn.UserID,
		ClientName:     p.ClientInfo.Name,
		ClientVersion:  p.ClientInfo.Version,
		IsActive:       true,
		AuthorizedAt:   &now,
		LastActivityAt: now,
	}
	if err := h.store.UpsertAiConnection(c.Request.Context(), ai); err != nil {
		h.logger.Warn("upsert ai connection", zap.Error(err))
	}

	return gin.H{
		"protocolVersion": protocolVersion,
		"capabilities": gin.H{
			"tools":     gin.H{},
			"resources": gin.H{},
			"prompts":   gin.H{},
		},
		"serverInfo": h.info,
	}, nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) toolsCall(c *gin.Context, conn *store.McpConnection, params json.RawMessage) (any, *rpcError) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"}
	}

	var args struct {
		AgentID string `json:"agentId"`
	}
	if len(p.Arguments) > 0 {
		json.Unmarshal(p.Arguments, &args)
	}

	switch p.Name {
	case "list_agents":
		agents := h.router.ListAgents(conn.UserID)
		body, err := json.Marshal(gin.H{"agents": agents})
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return textResult(string(body), false), nil

	case "emergency_stop":
		n, err := h.router.EmergencyStop(conn.UserID, args.AgentID)
		if err != nil {
			return selectionResult(err), nil
		}
		return textResult(fmt.Sprintf("Emergency stop: cancelled %d pending command(s)", n), false), nil
	}

	if !h.router.HasTool(c.Request.Context(), conn.UserID, p.Name) {
		return nil, &rpcError{Code: codeMethodNotFound, Message: "Unknown tool: " + p.Name}
	}

	raw, err := h.router.CallTool(c.Request.Context(), conn.UserID, args.AgentID, p.Name, p.Arguments)
	if err != nil {
		var pre *router.PreconditionError
		var sel *router.SelectionError
		switch {
		case errors.As(err, &pre):
			return textResult(pre.Reason, true), nil
		case errors.As(err, &sel):
			return selectionResult(sel), nil
		default:
			// Timeouts and transport failures reach the AI as tool errors
			// too, so it can retry or pick another agent.
			return textResult(err.Error(), true), nil
		}
	}
	return normalizeToolResult(raw), nil
}

// selectionResult renders a selection failure as guidance text.
func selectionResult(err error) toolResult {
	var sel *router.SelectionError
	if !errors.As(err, &sel) {
		return textResult(err.Error(), true)
	}
	var b strings.Builder
	b.WriteString(sel.Message)
	if sel.Suggestion != "" {
		b.WriteString("\nSuggested agent: " + sel.Suggestion)
	}
	if len(sel.Candidates) > 0 {
		b.WriteString("\nAvailable agents:")
		for _, name := range sel.Candidates {
			b.WriteString("\n- " + name)
		}
	}
	return textResult(b.String(), true)
}

// ─── GET: SSE stream ─────────────────────────────────────────────────────────

// Stream serves the Server-Sent-Events channel with the initialized
// notification and a 30 s keepalive comment.
func (h *Handler) Stream(c *gin.Context) {
	_, _, ok := h.validate(c)
	if !ok {
		return
	}

	sessionID := c.GetHeader(sessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header(sessionHeader, sessionID)
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	initial, _ := json.Marshal(gin.H{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
		"params":  gin.H{},
	})
	fmt.Fprintf(c.Writer, "data: %s\n\n", initial)
	if canFlush {
		flusher.Flush()
	}

	ticker := time.NewTicker(ssePingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// ─── DELETE & OPTIONS ────────────────────────────────────────────────────────

// Delete closes the AI client session.
func (h *Handler) Delete(c *gin.Context) {
	_, _, ok := h.validate(c)
	if !ok {
		return
	}
	if sessionID := c.GetHeader(sessionHeader); sessionID != "" {
		if err := h.store.CloseAiConnection(c.Request.Context(), sessionID); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("close ai connection", zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

// Preflight answers CORS preflights without authentication.
func (h *Handler) Preflight(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if origin == "" {
		origin = "*"
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id")
	c.Header("Access-Control-Max-Age", corsMaxAge)
	c.Status(http.StatusNoContent)
}
