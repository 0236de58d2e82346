package aml

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sbasnet/givesafe/internal/pagination"
	"github.com/sbasnet/givesafe/internal/queue"
	"github.com/sbasnet/givesafe/internal/validation"
)

// Handler provides HTTP endpoints for the AML subsystem.
type Handler struct {
	service  *Service
	alerts   AlertStore
	queue    *queue.Queue
	notifier Notifier
}

// NewHandler creates a new AML handler.
func NewHandler(service *Service, alerts AlertStore, q *queue.Queue, notifier Notifier) *Handler {
	return &Handler{service: service, alerts: alerts, queue: q, notifier: notifier}
}

// RegisterInternalRoutes sets up the routes called by other services
// (payment webhook pipeline, ops tooling).
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/score", h.EnqueueScore)
	r.GET("/jobs", h.JobCounts)
}

// RegisterAdminRoutes sets up the compliance review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/:id", h.GetAlert)
	r.POST("/alerts/:id/review", h.ReviewAlert)
}

// EnqueueScore handles POST /v1/internal/payments/:id/score — the
// payment-completed trigger.
func (h *Handler) EnqueueScore(c *gin.Context) {
	paymentID := c.Param("id")
	if paymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "payment id required"})
		return
	}

	job, err := h.service.EnqueueScore(c.Request.Context(), paymentID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "enqueue_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// JobCounts handles GET /v1/internal/jobs.
func (h *Handler) JobCounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"counts": h.queue.Counts()})
}

// ListAlerts handles GET /v1/aml/alerts. Pages newest-first with an opaque
// cursor.
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	onlyUnreviewed := c.Query("unreviewed") == "true"

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid cursor"})
		return
	}

	alerts, err := h.alerts.List(c.Request.Context(), onlyUnreviewed, limit+1, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	alerts, next, hasMore := pagination.ComputePage(alerts, limit, func(a *Alert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"alerts":     alerts,
		"count":      len(alerts),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetAlert handles GET /v1/aml/alerts/:id.
func (h *Handler) GetAlert(c *gin.Context) {
	alert, err := h.alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such alert"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

type reviewRequest struct {
	Outcome    string `json:"outcome" binding:"required"`
	ReportType string `json:"reportType"`
}

// ReviewAlert handles POST /v1/aml/alerts/:id/review.
func (h *Handler) ReviewAlert(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	if req.ReportType == "" {
		req.ReportType = ReportNone
	}
	if errs := validation.Validate(
		validation.Required("outcome", req.Outcome),
		validation.OneOf("outcome", req.Outcome, OutcomeUnderReview, OutcomeReported, OutcomeDismissed),
		validation.OneOf("reportType", req.ReportType, ReportNone, ReportSTR, ReportTTR),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": errs.Error()})
		return
	}

	err := h.alerts.Review(c.Request.Context(), c.Param("id"), req.Outcome, req.ReportType)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such alert"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	if h.notifier != nil {
		h.notifier.AlertReviewed(c.Param("id"), req.Outcome, req.ReportType)
	}

	c.JSON(http.StatusOK, gin.H{"reviewed": true})
}
