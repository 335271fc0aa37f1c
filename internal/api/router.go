package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ofkm/agenthost/internal/config"
	"github.com/ofkm/agenthost/internal/handlers"
	"github.com/ofkm/agenthost/internal/middleware"
)

func NewRouter(cfg *config.Config, engine handlers.EngineController, agents handlers.AgentLister, containers handlers.ContainerInspector, log logrus.FieldLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log))

	statusHandler := handlers.NewStatusHandler(engine)
	agentHandler := handlers.NewAgentHandler(agents, containers)

	api := router.Group("/api")
	{
		// Health stays open for local probes
		api.GET("/health", statusHandler.GetHealth)

		protected := api.Group("")
		if cfg.Status.APIKey != "" {
			protected.Use(middleware.APIKeyMiddleware(cfg.Status.APIKey))
		}
		setupStatusRoutes(protected, statusHandler)
		setupAgentRoutes(protected, agentHandler)
	}

	return router
}

func setupStatusRoutes(api *gin.RouterGroup, statusHandler *handlers.StatusHandler) {
	api.GET("/status", statusHandler.GetStatus)
	api.POST("/engine/stop", statusHandler.StopEngine)
}

func setupAgentRoutes(api *gin.RouterGroup, agentHandler *handlers.AgentHandler) {
	agents := api.Group("/agents")
	{
		agents.GET("", agentHandler.ListAgents)
		agents.GET("/:id", agentHandler.GetAgent)
	}
}
