package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"olmoplayground/internal/apierr"
)

// respondError writes err as {"error": {"code", "message"}}. Errors without an
// API status are reported as a generic 500.
func respondError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"code":    "internal_error",
			"message": "internal server error",
		}})
		return
	}
	body := gin.H{
		"code":    apiErr.Code,
		"message": apiErr.Error(),
	}
	if apiErr.Field != "" {
		body["field"] = apiErr.Field
	}
	c.JSON(apiErr.Status, gin.H{"error": body})
}
