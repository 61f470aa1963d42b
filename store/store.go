package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no complete record is persisted.
var ErrNotFound = errors.New("csrf record not found")

// ErrUnavailable wraps backend failures so callers can tell them apart from a miss.
var ErrUnavailable = errors.New("csrf store unavailable")

// Store holds at most one record for the current browsing session.
//
// Save and Clear must affect all persisted keys as one group: a concurrent Load observes
// either the previous group, the new group, or nothing.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, r Record) error
	Clear(ctx context.Context) error
}
