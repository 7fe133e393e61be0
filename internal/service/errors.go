package service

import (
	"errors"
	"fmt"

	"github.com/thinkdrop/user-memory-service/internal/embed"
	"github.com/thinkdrop/user-memory-service/internal/mcp"
	"github.com/thinkdrop/user-memory-service/internal/store"
)

var (
	// ErrInvalidRequest marks caller input errors.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmbeddingFailed marks an embedding that produced neither a real nor a
	// fallback vector.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrDatabase marks persistence failures.
	ErrDatabase = errors.New("database error")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func dbJoin(sentinel, cause error) error {
	return fmt.Errorf("%w: %v", sentinel, cause)
}

func dbErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDatabase, err)
}

// ErrorCode maps a service error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return mcp.CodeNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, embed.ErrInvalidInput):
		return mcp.CodeInvalidRequest
	case errors.Is(err, ErrEmbeddingFailed), errors.Is(err, embed.ErrNotReady):
		return mcp.CodeEmbeddingFailed
	case errors.Is(err, ErrDatabase), errors.Is(err, store.ErrUnavailable):
		return mcp.CodeDatabaseError
	default:
		return mcp.CodeInternalError
	}
}
