package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/swifthaul/payhold/internal/money"
	"github.com/swifthaul/payhold/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/timeline", h.GetTimeline)
	r.GET("/users/:userId/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up session-authenticated escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/conditions/:type/satisfy", h.SatisfyCondition)
	r.POST("/escrows/:id/conditions/:type/fail", h.FailCondition)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
}

// RegisterAdminRoutes sets up administrative money-movement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, instructions, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrSameParty):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrow":              tx,
		"paymentInstructions": instructions,
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// GetTimeline handles GET /v1/escrows/:id/timeline
func (h *Handler) GetTimeline(c *gin.Context) {
	timeline, err := h.service.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline, "count": len(timeline)})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), after, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(escrows, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var conf Confirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid confirmation body",
		})
		return
	}

	tx, err := h.service.Fund(c.Request.Context(), c.Param("id"), conf)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx, "status": tx.Status})
}

// SatisfyCondition handles POST /v1/escrows/:id/conditions/:type/satisfy
func (h *Handler) SatisfyCondition(c *gin.Context) {
	actor := c.GetString("sessionUserID")
	tx, err := h.service.SatisfyCondition(c.Request.Context(), c.Param("id"),
		ConditionType(c.Param("type")), actor)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx, "evaluation": EvalRelease(tx)})
}

// FailCondition handles POST /v1/escrows/:id/conditions/:type/fail
func (h *Handler) FailCondition(c *gin.Context) {
	actor := c.GetString("sessionUserID")
	tx, err := h.service.FailCondition(c.Request.Context(), c.Param("id"),
		ConditionType(c.Param("type")), actor)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

type actionRequest struct {
	Reason string      `json:"reason"`
	Amount money.Cents `json:"amount,omitempty"`
}

// ReleaseEscrow handles POST /v1/escrows/:id/release (manual release)
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor := c.GetString("sessionUserID")
	tx, err := h.service.Release(c.Request.Context(), c.Param("id"), ReleaseManual, req.Reason, actor)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":         tx,
		"status":         tx.Status,
		"releasedAmount": tx.PayeeCredit,
	})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor := c.GetString("sessionUserID")
	tx, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason, actor)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":         tx,
		"status":         tx.Status,
		"refundedAmount": tx.PayerCredit,
	})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	actor := c.GetString("sessionUserID")
	tx, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx, "status": tx.Status})
}

// writeTransitionError maps ledger errors onto HTTP responses. State
// conflicts are 409 so callers know to re-fetch before retrying.
func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidStateTransition):
		status = http.StatusConflict
		code = "invalid_state_transition"
	case errors.Is(err, ErrFundingMismatch):
		status = http.StatusUnprocessableEntity
		code = "funding_mismatch"
	case errors.Is(err, ErrDisputeWindowExpired):
		status = http.StatusConflict
		code = "dispute_window_expired"
	case errors.Is(err, ErrReasonRequired):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, money.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrUnknownCondition):
		status = http.StatusBadRequest
		code = "unknown_condition"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
