package mcp

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validRequest() *Request {
	return &Request{
		Version:   Version,
		Service:   ServiceName,
		Action:    "memory.store",
		RequestID: "req-1",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate("memory.store"))

	r := validRequest()
	r.Version = "mcp.v2"
	require.Error(t, r.Validate("memory.store"))

	r = validRequest()
	r.Service = "other"
	require.Error(t, r.Validate("memory.store"))

	r = validRequest()
	r.RequestID = ""
	require.Error(t, r.Validate("memory.store"))

	r = validRequest()
	require.Error(t, r.Validate("memory.search"), "action mismatch")
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(CodeUnauthorized))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(CodeInvalidRequest))
	require.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(CodePayloadTooLarge))
	require.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeEmbeddingFailed))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeDatabaseError))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus("SOMETHING_ELSE"))
}

func TestOKAndFail(t *testing.T) {
	req := validRequest()
	resp := OK(req, map[string]any{"stored": true}, 5*time.Millisecond)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "req-1", resp.RequestID)
	require.Nil(t, resp.Error)
	require.EqualValues(t, 5, resp.Metrics["elapsedMs"])

	resp = Fail(req, "", CodeNotFound, "memory not found", 0)
	require.Equal(t, "error", resp.Status)
	require.Equal(t, "memory.store", resp.Action)
	require.Equal(t, CodeNotFound, resp.Error.Code)

	resp = Fail(nil, "memory.store", CodeInvalidRequest, "bad envelope", 0)
	require.Empty(t, resp.RequestID)
	require.Equal(t, "memory.store", resp.Action)
}

func TestResolveUserID(t *testing.T) {
	require.Equal(t, "u1", Context{UserID: "u1"}.ResolveUserID("default_user"))
	require.Equal(t, "default_user", Context{}.ResolveUserID("default_user"))
}
