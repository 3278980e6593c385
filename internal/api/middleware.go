package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"olmoplayground/internal/logger"
)

// NewRouter builds the gin engine with tracing, recovery and request logging.
func NewRouter(log *logger.Logger, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(otelgin.Middleware(serviceName), gin.Recovery(), requestLogger(log))
	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	log = log.With("service", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.String())
			log.Error("request failed", kv...)
			return
		}
		if c.FullPath() == "/health" || c.FullPath() == "/metrics" {
			return
		}
		log.Info("request", kv...)
	}
}
