// Package mcp implements the mcp.v1 request/response envelope used by every
// action endpoint.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// Version is the only accepted envelope version.
	Version = "mcp.v1"
	// ServiceName is the only accepted service identifier.
	ServiceName = "user-memory"
)

// Context carries caller-scoped request context.
type Context struct {
	UserID       string `json:"userId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	HasHistory   bool   `json:"hasHistory,omitempty"`
}

// Request is the inbound envelope.
type Request struct {
	Version   string          `json:"version"`
	Service   string          `json:"service"`
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Context   Context         `json:"context"`
	Payload   json.RawMessage `json:"payload"`
}

// Error is the wire error body.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the outbound envelope.
type Response struct {
	Version   string         `json:"version"`
	Service   string         `json:"service"`
	Action    string         `json:"action"`
	RequestID string         `json:"requestId"`
	Status    string         `json:"status"` // "ok" | "error"
	Data      any            `json:"data"`
	Error     *Error         `json:"error"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// Stable error codes surfaced to callers.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeNotFound        = "NOT_FOUND"
	CodeEmbeddingFailed = "EMBEDDING_FAILED"
	CodeDatabaseError   = "DATABASE_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

// HTTPStatus maps a wire error code to its HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeEmbeddingFailed, CodeDatabaseError, CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Validate checks the envelope shape. The action argument is the route the
// request arrived on; a mismatched envelope action is rejected.
func (r *Request) Validate(action string) error {
	if r.Version != Version {
		return fmt.Errorf("version must be %q", Version)
	}
	if r.Service != ServiceName {
		return fmt.Errorf("service must be %q", ServiceName)
	}
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	if action != "" && r.Action != action {
		return fmt.Errorf("envelope action %q does not match endpoint %q", r.Action, action)
	}
	if r.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	return nil
}

// DecodePayload unmarshals the request payload into v. A missing payload is
// treated as an empty object.
func (r *Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// UserID resolves the caller scope, falling back to the given default.
func (c Context) ResolveUserID(fallback string) string {
	if c.UserID != "" {
		return c.UserID
	}
	return fallback
}

// OK builds a success response mirroring the request envelope.
func OK(req *Request, data any, elapsed time.Duration) Response {
	return Response{
		Version:   Version,
		Service:   ServiceName,
		Action:    req.Action,
		RequestID: req.RequestID,
		Status:    "ok",
		Data:      data,
		Metrics:   map[string]any{"elapsedMs": elapsed.Milliseconds()},
	}
}

// Fail builds an error response. req may be nil when the envelope itself
// could not be decoded.
func Fail(req *Request, action, code, message string, elapsed time.Duration) Response {
	resp := Response{
		Version: Version,
		Service: ServiceName,
		Action:  action,
		Status:  "error",
		Error:   &Error{Code: code, Message: message},
		Metrics: map[string]any{"elapsedMs": elapsed.Milliseconds()},
	}
	if req != nil {
		resp.RequestID = req.RequestID
		if resp.Action == "" {
			resp.Action = req.Action
		}
	}
	return resp
}
