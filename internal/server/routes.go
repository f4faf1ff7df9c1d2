package server

import (
	"github.com/casetrace/backend/internal/server/middleware"
	"github.com/casetrace/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", routes.HealthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Record routes
	apiRoutes.POST("/ingest", routes.IngestHandler, middleware.RequirePermission(middleware.PermIngest))
	apiRoutes.GET("/records/:id", routes.GetRecordHandler, middleware.RequirePermission(middleware.PermViewRecords))
	apiRoutes.POST("/query", routes.QueryHandler, middleware.RequirePermission(middleware.PermViewRecords))

	// Entity routes
	apiRoutes.GET("/entities/:id", routes.GetEntityHandler, middleware.RequirePermission(middleware.PermViewEntities))
	apiRoutes.GET("/entities/:id/timeline", routes.GetEntityTimelineHandler, middleware.RequirePermission(middleware.PermViewEntities))
	apiRoutes.GET("/entities/:id/neighbors", routes.GetEntityNeighborsHandler, middleware.RequirePermission(middleware.PermViewEntities))
	apiRoutes.GET("/entities/:id/risk", routes.GetEntityRiskHandler, middleware.RequirePermission(middleware.PermViewEntities))

	// Merge review routes
	apiRoutes.GET("/merge-candidates", routes.GetMergeCandidatesHandler, middleware.RequirePermission(middleware.PermReviewMerges))
	apiRoutes.POST("/merge-candidates/:id/confirm", routes.ConfirmMergeHandler, middleware.RequirePermission(middleware.PermReviewMerges))
	apiRoutes.POST("/merge-candidates/:id/reject", routes.RejectMergeHandler, middleware.RequirePermission(middleware.PermReviewMerges))

	// Audit routes
	apiRoutes.GET("/audit", routes.GetAuditHandler, middleware.RequirePermission(middleware.PermViewAudit))
	apiRoutes.GET("/audit/verify", routes.VerifyAuditHandler, middleware.RequirePermission(middleware.PermViewAudit))
}
