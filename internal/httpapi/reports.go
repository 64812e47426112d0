package httpapi

import (
	"net/http"
	"strings"
	"time"

	"call-signaling/internal/rbac"
	"call-signaling/internal/reporting"

	"github.com/gin-gonic/gin"
)

const defaultReportWindow = 30 * 24 * time.Hour

// CallsSummary aggregates one party's sessions over [from, to).
// party_id defaults to the caller; reporting on another party needs the doctor or admin role.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	p, ok := principalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	partyID := strings.TrimSpace(c.Query("party_id"))
	if partyID == "" {
		partyID = p.UserID
	}
	if partyID != p.UserID && p.Role != rbac.RoleDoctor && !p.isAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	to := h.now().UTC()
	from := to.Add(-defaultReportWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		PartyID: partyID,
		Range:   reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		abortWithError(c, "calls summary", err)
		return
	}
	c.JSON(http.StatusOK, out)
}
