// Package api is the admin HTTP surface: gin routes over the status facade
// and a websocket stream of lifecycle events.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the admin router. stream may be nil, which disables
// the websocket endpoint.
func NewRouter(h *Handlers, stream *Stream) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/api/v1/health", func(c *gin.Context) {
		success(c, gin.H{"status": "ok"})
	})

	admin := r.Group("/api/v1/admin")
	{
		admin.GET("/scheduler/status", h.SchedulerStatus)
		admin.POST("/scheduler/emergency-stop", h.EmergencyStop)
		admin.POST("/scheduler/force-reschedule", h.ForceReschedule)
		admin.GET("/market", h.Market)

		admin.GET("/exits", h.ListExits)
		admin.GET("/exits/:id", h.GetExit)

		admin.GET("/positions/:position_id/exit", h.ExitOutlook)
		admin.POST("/positions/:position_id/exit/cancel", h.CancelExit)
		admin.POST("/positions/:position_id/exit/reset", h.ResetExit)
		admin.POST("/positions/:position_id/exit/trigger", h.TriggerExit)

		admin.GET("/orders", h.ListOrders)
		admin.GET("/orders/:order_id", h.GetOrder)
		admin.POST("/orders/:order_id/resolve-review", h.ResolveReview)

		admin.GET("/monitor/status", h.MonitorStatus)
		admin.POST("/monitor/start", h.StartMonitor)
		admin.POST("/monitor/stop", h.StopMonitor)

		admin.POST("/housekeeping/purge", h.Purge)

		admin.GET("/events/ws", func(c *gin.Context) {
			if stream == nil {
				fail(c, http.StatusNotImplemented, codeNotSupported, "event stream disabled")
				return
			}
			stream.Serve(c.Writer, c.Request)
		})
	}
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("admin request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "took_ms", time.Since(start).Milliseconds())
	}
}
