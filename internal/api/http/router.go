// Package http is the Control API's HTTP surface (component G's boundary):
// a thin Gin router translating the eight routes from spec.md §4.G into
// calls on a controlplane.Orchestrator, with no business logic of its own.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/api/http/middleware"
)

// maxBodyBytes bounds a /consume or /queues-info request body; every route
// here carries a handful of fields, so anything past this is abuse.
const maxBodyBytes = 1 << 16

// requestIDHeader correlates a request across the access log and, if the
// operator forwards it, their own reverse proxy's logs.
const requestIDHeader = "X-Request-ID"

// RouterDeps holds the dependencies NewRouter needs to wire handlers.
type RouterDeps struct {
	Orchestrator Orchestrator
	Logger       *zap.Logger
	// GinMode selects gin's run mode ("release", "debug", "test"). Left
	// empty, gin's own default (debug) applies.
	GinMode string
}

// NewRouter builds the Gin engine: global middleware, the metrics
// endpoint, and the eight control-plane routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.GinMode != "" {
		gin.SetMode(deps.GinMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(middleware.Logger(deps.Logger))
	router.Use(bodySizeLimit(maxBodyBytes))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := newHandler(deps.Orchestrator, deps.Logger)

	router.GET("/health", h.health)
	router.POST("/consume", h.consume)
	router.GET("/active-queues", h.activeQueues)
	router.GET("/queue-info/:queue", h.queueInfo)
	router.POST("/queues-info", h.queuesInfo)
	router.POST("/pause", h.pause)
	router.POST("/resume", h.resume)
	router.POST("/stop", h.stop)

	return router
}

// requestID tags the request with a correlation ID (reusing the caller's
// own, if supplied) that middleware.Logger attaches to its access-log
// entry for this request. Kept inline here rather than as its own
// middleware package file: it is two lines of actual logic and every
// consumer is this router.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			v7, _ := uuid.NewV7()
			id = v7.String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// bodySizeLimit rejects a request whose declared Content-Length already
// exceeds maxBytes, and caps the body reader itself in case the header
// lied. Inlined for the same reason as requestID above.
func bodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
