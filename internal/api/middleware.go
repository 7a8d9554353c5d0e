package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/upstream"
)

// requestID tags every request, honoring an inbound x-request-id so callers
// can trace across hops. The header is set on the response unconditionally.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header("x-request-id", id)
		c.Next()
	}
}

// requestLog emits one line per request with metadata only. Bodies are
// never logged: they carry OAuth codes and access tokens.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("reqId", c.GetString(ctxRequestID)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		}
		if userID := c.GetString(ctxUserID); userID != "" {
			fields = append(fields, zap.String("userId", userID))
		}
		if env := c.GetString(ctxEnv); env != "" {
			fields = append(fields, zap.String("env", env))
		}
		s.log.Info("http request", fields...)
		s.met.ObserveHTTP(c.Request.Method, c.FullPath(), status, elapsed)
	}
}

// internalAuth rejects requests without the configured internal key. With no
// key configured the check is disabled.
func (s *Server) internalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.internalKey == "" {
			c.Next()
			return
		}
		got := c.GetHeader("x-internal-key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.internalKey)) != 1 {
			s.writeError(c, http.StatusUnauthorized, "invalid internal key", nil)
			return
		}
		c.Next()
	}
}

// userContext extracts the optional identity headers. Only the env header is
// validated here; userId presence is checked per route since a few routes
// accept it in the body instead.
func (s *Server) userContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if env := c.GetHeader("x-ctrader-env"); env != "" {
			if !upstream.ValidEnv(env) {
				s.writeError(c, http.StatusBadRequest, fmt.Sprintf("invalid x-ctrader-env %q (want demo or live)", env), nil)
				return
			}
			c.Set(ctxEnv, env)
		}
		if userID := c.GetHeader("x-user-id"); userID != "" {
			c.Set(ctxUserID, userID)
		}
		if token := c.GetHeader("x-ctrader-access-token"); token != "" {
			c.Set(ctxToken, token)
		}
		c.Next()
	}
}

// requireUser resolves the effective user id from an explicit body value or
// the x-user-id header, rejecting the request when neither is present.
func (s *Server) requireUser(c *gin.Context, bodyUserID string) (string, bool) {
	userID := bodyUserID
	if userID == "" {
		userID = c.GetString(ctxUserID)
	}
	if userID == "" {
		s.writeError(c, http.StatusBadRequest, "userId is required (body field or x-user-id header)", nil)
		return "", false
	}
	return userID, true
}
