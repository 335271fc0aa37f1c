package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ofkm/agenthost/pkg/types"
)

// EngineController is the part of the heartbeat engine the API exposes.
type EngineController interface {
	Status() types.EngineStatus
	Stop()
}

type StatusHandler struct {
	engine EngineController
}

func NewStatusHandler(engine EngineController) *StatusHandler {
	return &StatusHandler{
		engine: engine,
	}
}

func (h *StatusHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// StopEngine halts heartbeats for good. The process keeps serving this API
// until it is signalled.
func (h *StatusHandler) StopEngine(c *gin.Context) {
	h.engine.Stop()

	status := h.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"message": "Heartbeat engine stopped",
		"state":   status.State,
	})
}
