package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates a key does not exist.
var ErrNotFound = errors.New("key not found")

// Keys that make up a persisted session. User is the source of truth; the
// three scalar keys are a fallback for when it is absent or unreadable.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyUserID       = "userId"
	KeyUserRole     = "userRole"
	KeyProfileID    = "profileId"
)

// SessionKeys lists every key written by a login and removed by a logout.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUser,
	KeyUserID,
	KeyUserRole,
	KeyProfileID,
}

// Store is a durable string key/value store scoped to one session namespace.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes the keys. Absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// Lookup wraps Get for callers that treat absence as a normal outcome.
func Lookup(ctx context.Context, s Store, key string) (string, bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
