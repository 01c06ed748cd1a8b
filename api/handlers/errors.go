package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/internal/domain"
)

// statusFor maps core errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrStorageWipeFailure):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrInvalidHandle):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDestinationConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStaleProgress),
		errors.Is(err, domain.ErrProgressOverflow):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRequestBlocked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrBusClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. A failed private wipe gets
// a message the user can act on.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	var wipeErr *domain.StorageWipeError
	if errors.As(err, &wipeErr) {
		body["error"] = "private browsing data could not be fully removed"
		body["window_id"] = wipeErr.WindowID
		body["quarantined"] = true
	}
	c.JSON(statusFor(err), body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
