// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lifeline/internal/http/handlers"
	"lifeline/internal/http/middleware"
	"lifeline/internal/modules/dispatch"
	"lifeline/internal/modules/unit"
)

func NewRouter(
	dispatchService *dispatch.Service,
	unitService *unit.Service,
	log *slog.Logger,
) http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))

	requestHandler := handlers.NewRequestHandler(dispatchService)
	r.POST("/api/requests", requestHandler.Create)
	r.GET("/api/requests/:id", requestHandler.Status)
	r.POST("/api/requests/:id/cancel", requestHandler.Cancel)
	r.POST("/api/requests/:id/dispatch", requestHandler.Retry)
	r.POST("/api/requests/:id/facility", requestHandler.AssignFacility)
	r.POST("/api/requests/:id/eta", requestHandler.SetETA)
	r.POST("/api/requests/:id/accept", requestHandler.Accept)
	r.POST("/api/requests/:id/reject", requestHandler.Reject)

	unitHandler := handlers.NewUnitHandler(unitService, dispatchService)
	r.POST("/api/units/:id/duty", unitHandler.SetDuty)
	r.PUT("/api/units/:id/location", unitHandler.ReportPosition)
	r.GET("/api/units/:id/offer", unitHandler.PollOffer)
	r.GET("/api/units/:id/assignment", unitHandler.PollAssignment)
	r.POST("/api/units/:id/assignment/complete", unitHandler.CompleteAssignment)
	r.GET("/api/units/nearby", unitHandler.Nearby)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
