package mcp

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Observe, when set, receives one (action, code) pair per handled request.
// Code is empty on success. Wired to Prometheus metrics at startup.
var Observe func(action, code string)

// HandlerFunc processes a validated envelope and returns the response data.
type HandlerFunc func(c *gin.Context, req *Request) (any, error)

// GinHandler adapts a HandlerFunc to gin. It decodes and validates the
// envelope, dispatches, and writes the mcp.v1 response. codeOf maps handler
// errors to wire codes.
func GinHandler(action string, codeOf func(error) string, fn HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var req Request
		if err := c.ShouldBindJSON(&req); err != nil {
			code, msg := CodeInvalidRequest, "malformed envelope: "+err.Error()
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				code, msg = CodePayloadTooLarge, "request body exceeds limit"
			}
			write(c, action, Fail(nil, action, code, msg, time.Since(started)))
			return
		}
		if err := req.Validate(action); err != nil {
			write(c, action, Fail(&req, action, CodeInvalidRequest, err.Error(), time.Since(started)))
			return
		}
		data, err := fn(c, &req)
		if err != nil {
			write(c, action, Fail(&req, action, codeOf(err), err.Error(), time.Since(started)))
			return
		}
		write(c, action, OK(&req, data, time.Since(started)))
	}
}

func write(c *gin.Context, action string, resp Response) {
	status := http.StatusOK
	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
		status = HTTPStatus(code)
	}
	if Observe != nil {
		Observe(action, code)
	}
	c.JSON(status, resp)
}
