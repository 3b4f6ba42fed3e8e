package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/atlascdp/identity-backend/internal/handlers"
	"github.com/atlascdp/identity-backend/internal/middleware"
)

type RouterConfig struct {
	ServiceName    string
	AllowOrigins   []string
	AuthMiddleware *middleware.AuthMiddleware
	ProfileHandler *handlers.ProfileHandler
	MergeHandler   *handlers.MergeHandler
	RFMHandler     *handlers.RFMHandler
	SegmentHandler *handlers.SegmentHandler
	EventHandler   *handlers.EventHandler
	JobHandler     *handlers.JobHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())

	// Ingestion
	api.POST("/events", cfg.EventHandler.Ingest)

	// Profiles
	api.GET("/profiles/:id", cfg.ProfileHandler.Get)
	api.GET("/profiles/:id/identity-graph", cfg.ProfileHandler.IdentityGraph)
	api.GET("/profiles/:id/canonical", cfg.ProfileHandler.Canonical)
	api.GET("/profiles/:id/rfm", cfg.ProfileHandler.RFMScore)
	api.GET("/profiles/:id/merge-history", cfg.ProfileHandler.MergeHistory)
	api.GET("/profiles/:id/events", cfg.ProfileHandler.Events)
	api.POST("/profiles/search", cfg.ProfileHandler.Search)
	api.POST("/profiles/export", cfg.ProfileHandler.Export)
	api.POST("/profiles/merge", cfg.MergeHandler.Merge)

	// Merges
	api.GET("/merges", cfg.MergeHandler.ListRecent)
	api.POST("/merges/:id/rollback", cfg.MergeHandler.Rollback)

	// RFM
	api.POST("/rfm/compute", cfg.RFMHandler.Compute)
	api.GET("/rfm/summary", cfg.RFMHandler.Summary)

	// Segments
	api.POST("/segments", cfg.SegmentHandler.Create)
	api.GET("/segments", cfg.SegmentHandler.List)
	api.POST("/segments/preview", cfg.SegmentHandler.Preview)
	api.GET("/segments/:id", cfg.SegmentHandler.Get)
	api.PATCH("/segments/:id", cfg.SegmentHandler.Update)
	api.DELETE("/segments/:id", cfg.SegmentHandler.Delete)
	api.POST("/segments/:id/compute", cfg.SegmentHandler.Compute)
	api.GET("/segments/:id/members", cfg.SegmentHandler.Members)
	api.POST("/segments/:id/members", cfg.SegmentHandler.AddMember)
	api.DELETE("/segments/:id/members/:profile_id", cfg.SegmentHandler.RemoveMember)

	// Jobs
	api.GET("/jobs/:id", cfg.JobHandler.Get)

	return router
}
