package terminal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/registry"
	"github.com/screenlink/broker/internal/scope"
	"github.com/screenlink/broker/internal/store"
	"github.com/screenlink/broker/internal/token"
)

const (
	viewerWriteWait  = 10 * time.Second
	viewerSendBuffer = 64
)

// Handler exposes the terminal surface: the AI side mints a viewer token
// at /api/terminal-session, the browser redeems it at /ws/terminal.
type Handler struct {
	manager  *Manager
	registry *registry.Registry
	store    store.Store
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(m *Manager, reg *registry.Registry, st store.Store, logger *zap.Logger) *Handler {
	return &Handler{
		manager:  m,
		registry: reg,
		store:    st,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Register(rg gin.IRouter) {
	rg.POST("/api/terminal-session", h.CreateToken)
	rg.GET("/ws/terminal", h.Viewer)
}

// CreateToken mints a one-shot viewer token for one of the caller's agents.
// Authenticated with an OAuth bearer token carrying mcp:agents:write.
func (h *Handler) CreateToken(c *gin.Context) {
	raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if raw == "" || raw == c.GetHeader("Authorization") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	at, err := h.store.GetAccessTokenByHash(c.Request.Context(), token.HashToken(raw))
	if err != nil || at.RevokedAt != nil || time.Now().After(at.AccessExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if !scope.Has(at.Scope, scope.AgentsWrite) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
		return
	}

	var req struct {
		AgentID uuid.UUID `json:"agentId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	agent := h.registry.GetAgent(req.AgentID)
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Agent not connected"})
		return
	}
	if agent.OwnerUserID != at.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "agent belongs to another account"})
		return
	}

	tok, expires, err := h.manager.CreateSessionToken(agent.DBID, at.UserID, c.ClientIP())
	if err != nil {
		h.logger.Error("mint terminal token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "expiresAt": expires.UTC()})
}

// Viewer upgrades the browser socket, redeems the token, and relays the
// shell both ways until either side closes.
func (h *Handler) Viewer(c *gin.Context) {
	tok := c.Query("token")
	if tok == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("terminal viewer upgrade", zap.Error(err))
		return
	}

	viewer := newWSViewer(ws)
	sess, err := h.manager.CreateSession(c.Request.Context(), viewer, tok)
	if err != nil {
		viewer.Close(err.Error())
		return
	}

	for {
		var msg struct {
			Type string `json:"type"`
			Data string `json:"data"`
			Cols int    `json:"cols"`
			Rows int    `json:"rows"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			h.manager.CloseSession(context.Background(), sess.ID, "viewer disconnected")
			return
		}
		switch msg.Type {
		case "input":
			err = h.manager.Input(c.Request.Context(), sess.ID, msg.Data)
		case "resize":
			err = h.manager.Resize(c.Request.Context(), sess.ID, msg.Cols, msg.Rows)
		}
		if err != nil {
			h.manager.CloseSession(context.Background(), sess.ID, "agent relay failed")
			return
		}
	}
}

// wsViewer adapts a gorilla socket to ViewerConn with a single writer
// goroutine, mirroring the agent socket's write pump.
type wsViewer struct {
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSViewer(ws *websocket.Conn) *wsViewer {
	v := &wsViewer{ws: ws, send: make(chan []byte, viewerSendBuffer), closed: make(chan struct{})}
	go v.writePump()
	return v
}

func (v *wsViewer) WriteOutput(data []byte) error {
	select {
	case v.send <- data:
		return nil
	case <-v.closed:
		return websocket.ErrCloseSent
	}
}

func (v *wsViewer) Close(reason string) error {
	v.closeOnce.Do(func() { close(v.closed) })
	return nil
}

func (v *wsViewer) writePump() {
	defer v.ws.Close()
	for {
		select {
		case data := <-v.send:
			v.ws.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := v.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-v.closed:
			v.ws.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			v.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
