// Package remote uploads records to the collection service.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/loykin/syncq/internal/protocol"
)

// Endpoint accepts one record per call. A nil error means the remote has
// durably accepted the record.
type Endpoint interface {
	CreateRecord(ctx context.Context, u protocol.Upload, credential string) error
}

// Func adapts a plain function to Endpoint.
type Func func(ctx context.Context, u protocol.Upload, credential string) error

func (f Func) CreateRecord(ctx context.Context, u protocol.Upload, credential string) error {
	return f(ctx, u, credential)
}

// ErrUnauthorized matches a StatusError carrying 401 or 403.
var ErrUnauthorized = errors.New("remote: unauthorized")

// StatusError is a non-2xx answer from the remote.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: HTTP %d", e.Code)
	}
	return fmt.Sprintf("remote: HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden)
}

// Transient reports whether err is worth retrying: network failures,
// 5xx answers and 429.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}
