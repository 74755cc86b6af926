package handlers

import (
	"spa_engine/internal/logger"
	"spa_engine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger) *Handler {
	return &Handler{services: services, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/health", h.health)

	// push channels
	router.GET("/ws", h.wsConnect)
	router.GET("/events", h.streamEvents)

	h.registerAPIRoutes(router)

	return router
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		h.registerSpaRoutes(api)
		h.registerAutomationRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerSpaRoutes(api *gin.RouterGroup) {
	spa := api.Group("/spa")
	{
		spa.GET("/state", h.getState)
		// Body example: {"kind":"set-temperature","payload":{"temperature":101}}
		spa.POST("/command", h.submitCommand)
	}
}

func (h *Handler) registerAutomationRoutes(api *gin.RouterGroup) {
	rules := api.Group("/automations")
	{
		rules.GET("", h.listRules)
		rules.POST("", h.createRule)
		rules.GET("/:id", h.getRule)
		rules.PUT("/:id", h.updateRule)
		rules.DELETE("/:id", h.deleteRule)
		rules.POST("/:id/run", h.runRule)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	api.GET("/logs", h.getLogs)
}
