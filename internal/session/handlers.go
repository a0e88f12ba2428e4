package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides session login/logout endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.Login)
	r.DELETE("/sessions/:id", h.Logout)
}

type loginRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   Role   `json:"role" binding:"required"`
}

// Login handles POST /v1/sessions
//
// Identity verification (passwords, OTP) happens upstream; this endpoint
// mints the session object once the caller is known.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and role are required",
		})
		return
	}

	token, sess, err := h.manager.Login(c.Request.Context(), req.UserID, req.Role)
	if err != nil {
		if errors.Is(err, ErrUnknownRole) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "role must be one of rider, driver, courier, admin",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": sess,
		"token":   token, // shown once
	})
}

// Logout handles DELETE /v1/sessions/:id
func (h *Handler) Logout(c *gin.Context) {
	sess, ok := FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Session required.",
		})
		return
	}

	err := h.manager.Logout(c.Request.Context(), c.Param("id"), sess.UserID, sess.Role)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
		case errors.Is(err, ErrInvalidSession):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only revoke your own sessions",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
