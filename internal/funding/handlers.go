package funding

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/money"
)

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 64 << 10

// Handler provides webhook endpoints for payment confirmations.
type Handler struct {
	service      *Service
	secret       string // generic webhook HMAC secret
	stripeSecret string // stripe endpoint signing secret
}

// NewHandler creates a new funding webhook handler.
func NewHandler(service *Service, secret, stripeSecret string) *Handler {
	return &Handler{service: service, secret: secret, stripeSecret: stripeSecret}
}

// RegisterRoutes sets up webhook routes. These are unauthenticated by
// session; the signature is the credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/funding", h.FundingWebhook)
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// FundingWebhook handles POST /v1/webhooks/funding
func (h *Handler) FundingWebhook(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhook_disabled",
			"message": "Funding webhook is not configured",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read payload"})
		return
	}

	if err := VerifySignature(payload, c.GetHeader("X-Payhold-Signature"), h.secret); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": err.Error()})
		return
	}

	var conf Confirmation
	if err := json.Unmarshal(payload, &conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid confirmation payload"})
		return
	}

	tx, err := h.service.Apply(c.Request.Context(), conf)
	if err != nil {
		h.writeApplyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx, "status": tx.Status})
}

// StripeWebhook handles POST /v1/webhooks/stripe
//
// Only payment_intent.succeeded moves money; everything else is
// acknowledged so Stripe stops retrying.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.stripeSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhook_disabled",
			"message": "Stripe webhook is not configured",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": "stripe signature verification failed"})
		return
	}

	if event.Type != "payment_intent.succeeded" {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": string(event.Type)})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid payment_intent payload"})
		return
	}

	escrowID := intent.Metadata["escrow_id"]
	if escrowID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "missing_escrow",
			"message": "payment_intent has no escrow_id metadata",
		})
		return
	}

	tx, err := h.service.Apply(c.Request.Context(), Confirmation{
		EscrowID:      escrowID,
		Amount:        money.Cents(intent.AmountReceived),
		Method:        escrow.MethodCard,
		ReferenceCode: intent.ID,
	})
	if err != nil {
		h.writeApplyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx, "status": tx.Status})
}

func (h *Handler) writeApplyError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrMissingEscrow):
		status = http.StatusUnprocessableEntity
		code = "missing_escrow"
	case errors.Is(err, escrow.ErrFundingMismatch):
		status = http.StatusUnprocessableEntity
		code = "funding_mismatch"
	case errors.Is(err, escrow.ErrInvalidStateTransition):
		// Usually a replay of an already-applied confirmation.
		status = http.StatusConflict
		code = "invalid_state_transition"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
