package router

import (
	"net/http"

	"github.com/cuongbtq/toolmeter/internal/api/dto"
	"github.com/cuongbtq/toolmeter/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.Health(deps.HealthChecks))

	jobHandler := handler.NewJobHandler(deps)
	creditHandler := handler.NewCreditHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(ActorMiddleware())
	{
		// POST /api/v1/tools/:tool_slug/jobs - Submit a job
		v1.POST("/tools/:tool_slug/jobs", jobHandler.CreateJob)

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		v1.GET("/credits", creditHandler.GetBalance)
	}

	// the provider authenticates with a signature, not gateway headers
	r.POST("/webhooks/billing", webhookHandler.HandleBilling)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "route not found"})
	})

	return r
}
