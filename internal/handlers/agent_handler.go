package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ofkm/agenthost/internal/docker"
	"github.com/ofkm/agenthost/pkg/types"
)

// AgentLister is the registry view used by the agents routes.
type AgentLister interface {
	List() []types.AgentDescriptor
	Lookup(agentID string) (types.AgentDescriptor, bool)
}

// ContainerInspector reports the state of an agent's container.
type ContainerInspector interface {
	ContainerState(ctx context.Context, containerID string) docker.ContainerState
}

type AgentHandler struct {
	agents     AgentLister
	containers ContainerInspector
}

func NewAgentHandler(agents AgentLister, containers ContainerInspector) *AgentHandler {
	return &AgentHandler{
		agents:     agents,
		containers: containers,
	}
}

type agentView struct {
	types.AgentDescriptor
	ContainerState string `json:"container_state,omitempty"`
}

func (h *AgentHandler) ListAgents(c *gin.Context) {
	agents := h.agents.List()

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, h.view(c.Request.Context(), a))
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": views,
		"total":  len(views),
	})
}

func (h *AgentHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")
	agent, ok := h.agents.Lookup(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	c.JSON(http.StatusOK, h.view(c.Request.Context(), agent))
}

func (h *AgentHandler) view(ctx context.Context, agent types.AgentDescriptor) agentView {
	v := agentView{AgentDescriptor: agent}
	if agent.Isolation == types.IsolationContainer && h.containers != nil {
		v.ContainerState = h.containers.ContainerState(ctx, agent.ContainerID).String()
	}
	return v
}
