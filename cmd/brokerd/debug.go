package main

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/protocol"
	"github.com/screenlink/broker/internal/registry"
)

// registerDebugRoutes mounts the mock-agent admin endpoints. Guarded by
// DEBUG_MODE and an API key; for local development against real MCP clients
// without installing a desktop agent.
func registerDebugRoutes(engine gin.IRouter, reg *registry.Registry, apiKey string, logger *zap.Logger) {
	grp := engine.Group("/api/debug", func(c *gin.Context) {
		if c.GetHeader("X-Api-Key") != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		}
	})

	grp.POST("/mock-agent", func(c *gin.Context) {
		var req struct {
			CustomerID string `json:"customerId" binding:"required"`
			MachineID  string `json:"machineId" binding:"required"`
			Hostname   string `json:"hostname"`
			OS         string `json:"os"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Hostname == "" {
			req.Hostname = "mock-" + req.MachineID
		}
		if req.OS == "" {
			req.OS = "linux"
		}

		conn := &echoConn{reg: reg, remote: c.ClientIP()}
		agent, err := reg.Register(c.Request.Context(), conn, &protocol.RegisterPayload{
			CustomerID:   req.CustomerID,
			MachineID:    req.MachineID,
			Hostname:     req.Hostname,
			OS:           req.OS,
			AgentVersion: "mock",
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		conn.connID = agent.ConnID
		logger.Info("mock agent registered",
			zap.String("agent_id", agent.DBID.String()), zap.String("machine_id", req.MachineID))
		c.JSON(http.StatusCreated, gin.H{
			"connId":  agent.ConnID,
			"agentId": agent.DBID,
			"state":   agent.State,
		})
	})

	grp.DELETE("/mock-agent/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
			return
		}
		agent := reg.GetAgent(id)
		if agent == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		agent.Conn.Close(protocol.CloseNormal, "mock agent removed")
		reg.Unregister(c.Request.Context(), agent.ConnID)
		c.Status(http.StatusNoContent)
	})
}

// echoConn is an in-process agent: it answers every forwarded command
// immediately so the command path can be exercised end to end.
type echoConn struct {
	reg    *registry.Registry
	connID uuid.UUID
	remote string
}

func (e *echoConn) WriteEnvelope(env *protocol.Envelope) error {
	if env.Type != protocol.TypeRequest {
		return nil
	}
	var req protocol.RequestPayload
	if err := env.Decode(&req); err != nil {
		return err
	}

	var result any
	if req.Method == "tools/list" {
		result = map[string]any{"tools": []map[string]any{
			{"name": "ping", "description": "Echo back the arguments"},
			{"name": "system_info", "description": "Mock system information"},
		}}
	} else {
		result = map[string]any{"ok": true, "echo": json.RawMessage(req.Params)}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	resp, err := protocol.NewEnvelope(protocol.TypeResponse, env.ID, &protocol.ResponsePayload{Result: raw})
	if err != nil {
		return err
	}
	// Responses must not land while the registry lock is held by the
	// dispatching caller.
	go e.reg.HandleResponse(e.connID, resp)
	return nil
}

func (e *echoConn) Close(code int, reason string) error { return nil }
func (e *echoConn) RemoteAddr() string                  { return e.remote }
