package contracts

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/membershiphub/esign/internal/middleware"
	"github.com/membershiphub/esign/internal/signing"
)

// respondError maps a workflow error to its HTTP status. The body is always {"error": msg}
// and never carries storage or database internals.
func respondError(c *gin.Context, err error) {
	var (
		validation *signing.ValidationError
		notFound   *signing.NotFoundError
		already    *signing.AlreadySignedError
		transition *signing.InvalidTransitionError
		store      *signing.StorageError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &already):
		c.JSON(http.StatusConflict, gin.H{"error": already.Error()})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{"error": transition.Error()})
	case errors.Is(err, signing.ErrInconsistentState):
		c.JSON(http.StatusConflict, gin.H{"error": "Contract is in an inconsistent state and cannot be signed"})
	case errors.Is(err, signing.ErrInvalidSigningToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.As(err, &store):
		c.JSON(http.StatusBadGateway, gin.H{"error": "The signed document could not be stored; please try again"})
	default:
		slog.Error("contract request failed",
			"path", c.FullPath(),
			"request_id", c.GetString(middleware.RequestIDKey),
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
