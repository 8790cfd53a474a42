// Package factory opens the record store named by a DSN.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/syncq/internal/store"
	pg "github.com/loykin/syncq/internal/store/postgres"
	sq "github.com/loykin/syncq/internal/store/sqlite"
)

var (
	ErrEmptyDSN       = errors.New("store DSN is empty")
	ErrUnsupportedDSN = errors.New("unsupported store DSN")
)

// Backend names the implementation a DSN selects: "postgres" or "sqlite".
// A path without a scheme is a SQLite database file.
func Backend(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case lower == "":
		return "", ErrEmptyDSN
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(lower, "sqlite://"), !strings.Contains(lower, "://"):
		return "sqlite", nil
	default:
		scheme, _, _ := strings.Cut(lower, "://")
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}
}

// NewFromDSN opens the store for dsn. The schema is not created; call
// EnsureSchema on the result.
func NewFromDSN(dsn string) (store.Store, error) {
	backend, err := Backend(dsn)
	if err != nil {
		return nil, err
	}
	d := strings.TrimSpace(dsn)
	if backend == "postgres" {
		return pg.New(d)
	}
	if len(d) >= len("sqlite://") && strings.EqualFold(d[:len("sqlite://")], "sqlite://") {
		d = d[len("sqlite://"):]
	}
	return sq.New(d)
}
