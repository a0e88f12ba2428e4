package session

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeySession is the gin context key for the resolved session.
	ContextKeySession = "session"
	// ContextKeyUserID is the gin context key for the acting user.
	ContextKeyUserID = "sessionUserID"
	// ContextKeyRole is the gin context key for the acting user's role.
	ContextKeyRole = "sessionRole"
)

// Middleware resolves the bearer token to a session and sets the acting
// user on the request context. Resolution is optional here; RequireAuth
// enforces it.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Session-Token")
		}

		if token != "" {
			if sess, err := m.Validate(c.Request.Context(), token); err == nil {
				c.Set(ContextKeySession, sess)
				c.Set(ContextKeyUserID, sess.UserID)
				c.Set(ContextKeyRole, string(sess.Role))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a live session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeySession); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session required. Include 'Authorization: Bearer ses_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose session lacks the role.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session required.",
			})
			return
		}
		if sess.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This operation requires the " + string(role) + " role.",
			})
			return
		}
		c.Next()
	}
}

// FromContext returns the resolved session, if any.
func FromContext(c *gin.Context) (*Session, bool) {
	v, exists := c.Get(ContextKeySession)
	if !exists {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}
