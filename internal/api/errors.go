package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/gateway"
	"github.com/tradewire/ctrader-gateway/internal/upstream"
)

// httpStatus maps operation failures onto status codes. Unrecognized
// errors are treated as internal.
func httpStatus(err error) int {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		switch gerr.Kind {
		case gateway.KindValidation, gateway.KindAuth:
			return http.StatusBadRequest
		case gateway.KindNotFound:
			return http.StatusNotFound
		case gateway.KindBusy:
			return http.StatusTooManyRequests
		case gateway.KindTimeout:
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	var te *upstream.TimeoutError
	switch {
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrDisconnected), errors.Is(err, upstream.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError converts an operation failure into the error envelope.
func (s *Server) respondError(c *gin.Context, err error) {
	var details any
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		details = gerr.Details
	}
	s.writeError(c, httpStatus(err), err.Error(), details)
}

// writeError emits the {error, details, requestId} envelope and aborts the
// chain. Server-side failures log as errors, caller mistakes as warnings.
func (s *Server) writeError(c *gin.Context, status int, msg string, details any) {
	reqID := c.GetString(ctxRequestID)
	fields := []zap.Field{
		zap.String("reqId", reqID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.String("error", msg),
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", fields...)
	} else {
		s.log.Warn("request rejected", fields...)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":     msg,
		"details":   details,
		"requestId": reqID,
	})
}
