// Package middleware provides the gateway's HTTP middleware chain.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GatewayError is the body written when the gateway itself rejects a request.
type GatewayError struct {
	Success   bool             `json:"success"`
	Code      int              `json:"code"`
	Message   string           `json:"message"`
	Error     GatewayErrorInfo `json:"error"`
	Timestamp string           `json:"timestamp"`
}

// GatewayErrorInfo carries the machine-readable error code.
type GatewayErrorInfo struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// DenialResponse is the body written when the admission filter denies a request.
type DenialResponse struct {
	ResponseMessage string `json:"responseMessage"`
}

// abortWithGatewayError writes a GatewayError and stops the chain.
func abortWithGatewayError(c *gin.Context, status int, message, code, detail string) {
	c.AbortWithStatusJSON(status, GatewayError{
		Success: false,
		Code:    status,
		Message: message,
		Error: GatewayErrorInfo{
			Code:   code,
			Detail: detail,
		},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
