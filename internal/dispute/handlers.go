package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swifthaul/payhold/internal/escrow"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up session-authenticated dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.FileDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/escrows/:id/disputes", h.ListByEscrow)
}

// RegisterAdminRoutes sets up administrative dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListByStatus)
	r.POST("/disputes/:id/investigate", h.StartInvestigation)
	r.POST("/disputes/:id/close", h.CloseDispute)
	r.POST("/disputes/:id/annotations", h.AnnotateDispute)
}

// FileDispute handles POST /v1/disputes
func (h *Handler) FileDispute(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId, raisedBy, raisedByUserId and reason are required",
		})
		return
	}

	d, err := h.service.File(c.Request.Context(), req)
	if err != nil {
		h.writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByEscrow handles GET /v1/escrows/:id/disputes
func (h *Handler) ListByEscrow(c *gin.Context) {
	disputes, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListByStatus handles GET /v1/admin/disputes?status=open&limit=50
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	switch status {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown dispute status",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// StartInvestigation handles POST /v1/admin/disputes/:id/investigate
func (h *Handler) StartInvestigation(c *gin.Context) {
	admin := c.GetString("sessionUserID")
	d, err := h.service.StartInvestigation(c.Request.Context(), c.Param("id"), admin)
	if err != nil {
		h.writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type closeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CloseDispute handles POST /v1/admin/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor := c.GetString("sessionUserID")
	d, err := h.service.Close(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		h.writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type annotateRequest struct {
	Note string `json:"note" binding:"required"`
}

// AnnotateDispute handles POST /v1/admin/disputes/:id/annotations
func (h *Handler) AnnotateDispute(c *gin.Context) {
	var req annotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "note is required",
		})
		return
	}

	author := c.GetString("sessionUserID")
	if err := h.service.Annotate(c.Request.Context(), c.Param("id"), author, req.Note); err != nil {
		h.writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "noted"})
}

// writeDisputeError maps dispute errors onto HTTP responses.
func (h *Handler) writeDisputeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrDuplicateOpenDispute):
		status = http.StatusConflict
		code = "duplicate_dispute"
	case errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, ErrAlreadyClosed):
		status = http.StatusConflict
		code = "already_closed"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, escrow.ErrInvalidStateTransition):
		status = http.StatusConflict
		code = "invalid_state_transition"
	case errors.Is(err, escrow.ErrDisputeWindowExpired):
		status = http.StatusConflict
		code = "dispute_window_expired"
	case errors.Is(err, ErrReasonRequired):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrInvalidParty):
		status = http.StatusForbidden
		code = "invalid_party"
	case errors.Is(err, ErrUnknownDecision), errors.Is(err, ErrAmountRequired),
		errors.Is(err, ErrAmountNotAllowed), errors.Is(err, ErrAmountOutOfRange):
		status = http.StatusBadRequest
		code = "invalid_decision"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
