package middleware

import (
	"net/http"

	"flowplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders errutil errors attached by handlers as structured JSON.
// Callers never see a raw stack trace.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": "internal error",
			},
		})
	}
}
