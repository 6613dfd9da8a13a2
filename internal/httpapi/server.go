// Package httpapi exposes the orchestration engine over HTTP: REST control
// surface, SSE streams and a WebSocket fan-out.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/config"
	"github.com/devboard/devboard/internal/common/httpmw"
	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/engine"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/probe"
	"github.com/devboard/devboard/internal/store"
)

// Server hosts the REST and streaming endpoints.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	logger     *logger.Logger
}

// NewServer builds the router and wires all handlers.
func NewServer(cfg *config.Config, st *store.Store, eng *engine.Engine, prober *probe.Prober, eventBus bus.EventBus, log *logger.Logger) *Server {
	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := NewHub(eventBus, log)
	handler := NewHandler(st, eng, prober, eventBus, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "api"))
	router.Use(httpmw.OtelTracing("api"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/projects", handler.CreateProject)
		v1.GET("/projects", handler.ListProjects)
		v1.GET("/projects/:projectId", handler.GetProject)
		v1.PUT("/projects/:projectId", handler.UpdateProject)
		v1.DELETE("/projects/:projectId", handler.DeleteProject)

		v1.POST("/projects/:projectId/issues", handler.CreateIssue)
		v1.GET("/projects/:projectId/issues", handler.ListIssues)

		issues := v1.Group("/issues/:issueId")
		{
			issues.GET("", handler.GetIssue)
			issues.PUT("", handler.UpdateIssue)
			issues.DELETE("", handler.DeleteIssue)
			issues.PUT("/status", handler.UpdateIssueStatus)
			issues.GET("/logs", handler.ListLogs)
			issues.GET("/tool-calls", handler.ListToolCalls)
			issues.GET("/attachments", handler.ListAttachments)

			issues.POST("/execute", handler.ExecuteIssue)
			issues.POST("/followup", handler.FollowUpIssue)
			issues.POST("/cancel", handler.CancelIssue)
			issues.POST("/restart", handler.RestartIssue)
			issues.GET("/execution", handler.GetExecutionStatus)

			issues.GET("/stream", handler.StreamIssue)
		}

		v1.GET("/engines", handler.ListEngines)
		v1.POST("/engines/probe", handler.ProbeEngines)

		v1.GET("/settings/:key", handler.GetSetting)
		v1.PUT("/settings/:key", handler.SetSetting)

		v1.GET("/ws", hub.HandleConnection)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			// No ReadTimeout/WriteTimeout: SSE and WebSocket connections
			// are long-lived.
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:    hub,
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// Start runs the hub and serves until the listener closes.
func (s *Server) Start(ctx context.Context) error {
	if err := s.hub.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}
