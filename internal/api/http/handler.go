package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/controlplane"
	"github.com/relaymq/forwarder/internal/domain"
)

// Orchestrator is the subset of controlplane.Orchestrator the HTTP layer
// calls. Declared here, rather than depended on concretely, so handlers can
// be tested against a fake without spinning up a broker or store.
type Orchestrator interface {
	Consume(ctx context.Context, spec domain.ConsumerSpec) error
	ActiveQueues(ctx context.Context) []controlplane.ActiveQueueView
	QueueInfo(ctx context.Context, queue string) (controlplane.QueueInfoView, error)
	QueuesInfo(ctx context.Context, queues []string) []controlplane.QueueInfoResult
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Stop(ctx context.Context, queue string) error
	Healthy() bool
}

type handler struct {
	orc    Orchestrator
	logger *zap.Logger
}

func newHandler(orc Orchestrator, logger *zap.Logger) *handler {
	return &handler{orc: orc, logger: logger}
}

// health handles GET /health.
func (h *handler) health(c *gin.Context) {
	if !h.orc.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// consumeRequest mirrors spec.md §4.G's /consume body; the optional fields
// use pointers so omission can be told apart from an explicit zero and
// defaulted accordingly.
type consumeRequest struct {
	Queue         string `json:"queue"`
	Webhook       string `json:"webhook"`
	MinInterval   *int64 `json:"minInterval"`
	MaxInterval   *int64 `json:"maxInterval"`
	BusinessHours *struct {
		Start int `json:"start"`
		End   int `json:"end"`
	} `json:"businessHours"`
}

// consume handles POST /consume.
func (h *handler) consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	spec := domain.ConsumerSpec{
		Queue:              req.Queue,
		Webhook:            req.Webhook,
		MinIntervalMs:      domain.DefaultMinIntervalMs,
		MaxIntervalMs:      domain.DefaultMaxIntervalMs,
		BusinessHoursStart: domain.DefaultHoursStart,
		BusinessHoursEnd:   domain.DefaultHoursEnd,
	}
	if req.MinInterval != nil {
		spec.MinIntervalMs = *req.MinInterval
	}
	if req.MaxInterval != nil {
		spec.MaxIntervalMs = *req.MaxInterval
	}
	if req.BusinessHours != nil {
		spec.BusinessHoursStart = req.BusinessHours.Start
		spec.BusinessHoursEnd = req.BusinessHours.End
	}

	err := h.orc.Consume(c.Request.Context(), spec)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"queue": spec.Queue, "status": "consuming"})
	case errors.Is(err, domain.ErrInvalidSpec):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyConsuming):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrQueueNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("consume failed", zap.String("queue", spec.Queue), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// activeQueues handles GET /active-queues.
func (h *handler) activeQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.orc.ActiveQueues(c.Request.Context()))
}

// queueInfo handles GET /queue-info/:queue.
func (h *handler) queueInfo(c *gin.Context) {
	queue := c.Param("queue")
	view, err := h.orc.QueueInfo(c.Request.Context(), queue)
	if err != nil {
		if errors.Is(err, domain.ErrQueueNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("queue-info failed", zap.String("queue", queue), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, view)
}

type queuesInfoRequest struct {
	Queues []string `json:"queues"`
}

// queuesInfo handles POST /queues-info.
func (h *handler) queuesInfo(c *gin.Context) {
	var req queuesInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.orc.QueuesInfo(c.Request.Context(), req.Queues))
}

type queueActionRequest struct {
	Queue string `json:"queue"`
}

// pause handles POST /pause.
func (h *handler) pause(c *gin.Context) {
	h.queueAction(c, h.orc.Pause)
}

// resume handles POST /resume.
func (h *handler) resume(c *gin.Context) {
	h.queueAction(c, h.orc.Resume)
}

// stop handles POST /stop.
func (h *handler) stop(c *gin.Context) {
	h.queueAction(c, h.orc.Stop)
}

// queueAction is the shared {queue} decode + error-mapping path for
// pause/resume/stop, which differ only in which Orchestrator method they
// call; each error response carries the text of the error that method
// returned.
func (h *handler) queueAction(c *gin.Context, action func(ctx context.Context, queue string) error) {
	var req queueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	err := action(c.Request.Context(), req.Queue)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"queue": req.Queue, "status": "ok"})
	case errors.Is(err, domain.ErrNotConsuming):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyPaused), errors.Is(err, domain.ErrNotPaused):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("queue action failed", zap.String("queue", req.Queue), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
