package response

import (
	"errors"
	"net/http"

	"chatbridge_backend/platform/apperr"

	"github.com/gin-gonic/gin"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func JSON(c *gin.Context, status int, payload interface{}) {
	c.JSON(status, payload)
}

func Error(c *gin.Context, status int, message string, details interface{}) {
	c.JSON(status, ErrorResponse{Error: message, Details: details})
}

func OK(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusOK, payload)
}

// FromError maps a domain error to its HTTP status. Unknown errors become
// opaque 500s so internals never leak to clients.
func FromError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		Error(c, appErr.HTTPStatus(), appErr.Message, nil)
		return
	}
	Error(c, http.StatusInternalServerError, "internal error", nil)
}
