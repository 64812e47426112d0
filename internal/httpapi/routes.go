package httpapi

import (
	"call-signaling/internal/rbac"

	"github.com/gin-gonic/gin"
)

// RegisterCallRoutes mounts the call endpoints on g, which must already
// authenticate the caller. ws serves the push transport and may be nil.
func RegisterCallRoutes(g *gin.RouterGroup, h Handlers, ws gin.HandlerFunc) {
	g.GET("/me", h.Me)

	calls := g.Group("/calls")
	{
		calls.POST("", h.CreateCall)
		calls.GET("/:session_id", h.GetCall)
		calls.POST("/:session_id/end", h.EndCall)
		calls.POST("/:session_id/fail", h.FailCall)

		calls.POST("/:session_id/quality", h.ReportQuality)
		calls.GET("/:session_id/quality", rbac.RequireAnyRole(rbac.RoleDoctor), h.GetQuality)
		calls.GET("/:session_id/audit", rbac.RequireAnyRole(rbac.RoleAdmin), h.GetAudit)

		sig := calls.Group("/:session_id/signaling")
		sig.POST("/offer", h.SubmitOffer)
		sig.GET("/offer", h.TakeOffer)
		sig.POST("/answer", h.SubmitAnswer)
		sig.GET("/answer", h.TakeAnswer)
		sig.POST("/ice", h.RelayICE)
		sig.GET("/ice", h.DrainICE)

		calls.POST("/:session_id/push-ticket", h.IssuePushTicket)
		if ws != nil {
			calls.GET("/:session_id/ws", ws)
		}
	}

	reports := g.Group("/reports")
	reports.GET("/calls", h.CallsSummary)
}
