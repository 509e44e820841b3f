package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/stepflow/internal/api/handler"
	"github.com/timmy/stepflow/internal/api/middleware"
	"github.com/timmy/stepflow/internal/config"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/service"
)

// Services are the application services the router exposes.
type Services struct {
	Jobs *service.JobService
	Work *service.WorkService
	// Ping checks the database; nil skips the check
	Ping handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(services *Services, cfg *config.ServerConfig, log *logger.Logger) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler(services.Ping)
	workHandler := handler.NewWorkHandler(services.Work)
	jobHandler := handler.NewJobHandler(services.Jobs)

	r.GET("/health", healthHandler.Health)

	// worker protocol
	work := r.Group("/work")
	{
		work.GET("", workHandler.Claim)
		work.GET("/:id", workHandler.Get)
		work.PUT("/:id", workHandler.Complete)
	}

	jobs := r.Group("/jobs")
	{
		jobs.POST("", jobHandler.Create)
		jobs.GET("", jobHandler.List)
		jobs.GET("/:id", jobHandler.Get)
		jobs.GET("/:id/work-items", jobHandler.ListWorkItems)
		jobs.POST("/:id/cancel", jobHandler.Cancel)
		jobs.POST("/:id/pause", jobHandler.Pause)
		jobs.POST("/:id/resume", jobHandler.Resume)
	}

	return r
}
