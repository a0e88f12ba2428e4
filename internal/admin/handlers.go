package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swifthaul/payhold/internal/dispute"
	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/money"
)

// Handler provides the admin resolution HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RequireSecret guards admin routes with a shared secret header.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// RegisterRoutes sets up the resolution workspace routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id/case", h.GetCase)
	r.GET("/queue", h.GetQueue)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// GetCase handles GET /v1/admin/disputes/:id/case
func (h *Handler) GetCase(c *gin.Context) {
	kase, err := h.service.Case(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) || errors.Is(err, escrow.ErrNotFound) {
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
	c.JSON(http.StatusOK, gin.H{"case": kase})
}

// GetQueue handles GET /v1/admin/queue?status=open&limit=50
func (h *Handler) GetQueue(c *gin.Context) {
	status := dispute.Status(c.DefaultQuery("status", string(dispute.StatusOpen)))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	queue, err := h.service.Queue(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": queue, "count": len(queue)})
}

type resolveRequest struct {
	Decision dispute.DecisionCode `json:"decision" binding:"required"`
	Amount   *money.Cents         `json:"amount"`
	Reason   string               `json:"reason" binding:"required"`
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision and reason are required",
		})
		return
	}

	decision, err := dispute.ParseDecision(req.Decision, req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_decision",
			"message": err.Error(),
			"action":  correctiveAction(err),
		})
		return
	}

	admin := c.GetString("sessionUserID")
	if admin == "" {
		admin = "admin"
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), decision, req.Reason, admin)
	if err != nil {
		h.writeResolveError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "resolution": d.Resolution})
}

// writeResolveError surfaces typed resolution errors with a corrective
// action the operator can act on directly.
func (h *Handler) writeResolveError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, dispute.ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, dispute.ErrAlreadyClosed):
		status = http.StatusConflict
		code = "already_closed"
	case errors.Is(err, dispute.ErrReasonRequired):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, dispute.ErrAmountOutOfRange):
		status = http.StatusBadRequest
		code = "invalid_decision"
	case errors.Is(err, escrow.ErrUnbalancedSettlement):
		status = http.StatusUnprocessableEntity
		code = "unbalanced_settlement"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
		"action":  correctiveAction(err),
	})
}

// correctiveAction maps a typed error to the next step for the operator.
func correctiveAction(err error) string {
	switch {
	case errors.Is(err, dispute.ErrAlreadyResolved):
		return "This dispute already has a recorded decision; fetch the case to see the resolution."
	case errors.Is(err, dispute.ErrAlreadyClosed):
		return "This dispute was closed without a decision; file a new dispute if the issue persists."
	case errors.Is(err, dispute.ErrReasonRequired):
		return "Provide a non-empty reason explaining the decision."
	case errors.Is(err, dispute.ErrAmountRequired):
		return "partial_refund requires an amount; include the payer's share."
	case errors.Is(err, dispute.ErrAmountNotAllowed):
		return "Remove the amount field; it is only valid with partial_refund."
	case errors.Is(err, dispute.ErrAmountOutOfRange):
		return "The partial refund amount must be greater than zero and less than the escrowed amount."
	case errors.Is(err, dispute.ErrUnknownDecision):
		return "Use one of: release_payment, refund_sender, partial_refund."
	}
	return ""
}
