package httpapi

import (
	"errors"
	"net/http"

	"call-signaling/internal/calls"
	"call-signaling/internal/reporting"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// abortWithError maps a core error onto the client-visible taxonomy without
// exposing internals: 404 unknown session, 409 wrong state (with the current
// state) or a lost version race, 400 bad input, 500 anything else.
func abortWithError(c *gin.Context, op string, err error) {
	var se *calls.StateError
	switch {
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.As(err, &se):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "operation not allowed in current state", "state": se.Current})
	case errors.Is(err, calls.ErrVersionConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session changed concurrently, retry"})
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "op", op, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
