// internal/middleware/recovery_middleware.go
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sweep-service/internal/utils"
)

// RecoveryMiddleware turns a handler panic into a 500 error envelope that
// carries the request id. The panic value is logged, never returned.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		RequestLogger(c, logger).Error("Handler panicked",
			zap.Error(panicError(recovered)),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Bool("response_started", c.Writer.Written()),
			zap.Stack("stacktrace"),
		)

		if c.Writer.Written() {
			c.Abort()
			return
		}
		utils.ErrorResponse(c, http.StatusInternalServerError, "Internal server error",
			fmt.Errorf("%s %s aborted", c.Request.Method, route))
		c.Abort()
	})
}

func panicError(recovered interface{}) error {
	if err, ok := recovered.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", recovered)
}
