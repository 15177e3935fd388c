// Package httptransport wires the control-plane HTTP surface. Handlers
// translate JSON requests into operations on the store, registry,
// dispatcher and execution log; nothing else lives here.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/schedulezero/schedulezero/internal/transport/http/handler"
	"github.com/schedulezero/schedulezero/internal/transport/http/middleware"
)

func NewRouter(
	logger *slog.Logger,
	schedules *handler.ScheduleHandler,
	jobs *handler.JobHandler,
	executions *handler.ExecutionHandler,
	handlers *handler.RegistryHandler,
	instances *handler.InstanceHandler,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	api := r.Group("/api")
	api.GET("/handlers", handlers.List)

	api.POST("/schedule", schedules.Create)
	api.GET("/schedules", schedules.List)
	api.GET("/schedules/:id", schedules.GetByID)
	api.DELETE("/schedules/:id", schedules.Delete)
	api.POST("/schedules/:id/pause", schedules.Pause)
	api.POST("/schedules/:id/resume", schedules.Resume)

	api.POST("/run_now", jobs.RunNow)

	api.GET("/executions", executions.List)
	api.GET("/executions/stats", executions.Stats)
	api.GET("/executions/errors", executions.Errors)
	api.POST("/executions/clear", executions.Clear)

	api.GET("/instances", instances.List)

	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
