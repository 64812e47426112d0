package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// pushTicketQuery carries a push ticket on websocket upgrades.
const pushTicketQuery = "ticket"

// RequireAccessToken verifies the caller and injects identity into request context.
// Requests authenticate with a bearer access token; websocket upgrades may
// instead present a push ticket scoped to the :session_id being opened.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, m, time.Now())
		if !ok {
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Email, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)

		c.Next()
	}
}

func authenticate(c *gin.Context, m *Manager, now time.Time) (Claims, bool) {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if raw == "" && isUpgrade(c) {
		ticket := strings.TrimSpace(c.Query(pushTicketQuery))
		if ticket == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing push ticket"})
			return Claims{}, false
		}
		claims, err := m.Verify(ticket, TokenTypePush, now)
		if err != nil || claims.SessionID != c.Param("session_id") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid push ticket"})
			return Claims{}, false
		}
		return claims, true
	}

	tok := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	if !strings.HasPrefix(raw, bearerPrefix) || tok == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return Claims{}, false
	}
	claims, err := m.Verify(tok, TokenTypeAccess, now)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return Claims{}, false
	}
	return claims, true
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}
