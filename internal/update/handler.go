package update

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/store"
)

// Handler is the agent-facing HTTP surface for update checks.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(rg gin.IRouter) {
	rg.GET("/api/updates/check", h.Check)
}

// Check answers GET /api/updates/check?version=&platform=&arch=&machineId=&channel=.
func (h *Handler) Check(c *gin.Context) {
	version := c.Query("version")
	platform := c.Query("platform")
	arch := c.Query("arch")
	machineID := c.Query("machineId")
	if version == "" || platform == "" || arch == "" || machineID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version, platform, arch and machineId are required"})
		return
	}

	channel := store.ReleaseChannel(strings.ToUpper(c.DefaultQuery("channel", string(store.ChannelStable))))
	switch channel {
	case store.ChannelStable, store.ChannelBeta, store.ChannelDev:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}

	res, err := h.svc.Check(c.Request.Context(), version, platform, arch, machineID, channel)
	if err != nil {
		h.logger.Error("update check", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}
