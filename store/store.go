// Package store persists document histories beyond the lifetime of a process.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/burntcarrot/otpad/commons"
)

var (
	// ErrOutOfOrder is returned when an appended commit does not directly follow the last stored revision.
	ErrOutOfOrder = errors.New("commit does not follow the stored history")

	ErrUnknownBackend = errors.New("unknown storage backend")
)

// HistoryStore is an append-only log of commits per document.
type HistoryStore interface {
	// Append adds a commit to the document's history. The commit's revision must be one past the last stored revision.
	Append(ctx context.Context, documentID string, commit commons.Commit) error

	// Load returns the document's full history in revision order. A document that was never written has an empty history.
	Load(ctx context.Context, documentID string) ([]commons.Commit, error)

	Close() error
}

// Backend names a HistoryStore implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBolt   Backend = "bolt"
	BackendRedis  Backend = "redis"
)

// Options configures the backend returned by New.
type Options struct {
	Backend Backend

	// BoltPath is the database file used by the bolt backend.
	BoltPath string

	// RedisAddr and RedisPrefix are used by the redis backend.
	RedisAddr   string
	RedisPrefix string
}

// New opens the configured backend.
func New(ctx context.Context, opts Options) (HistoryStore, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendBolt:
		return OpenBoltStore(opts.BoltPath)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPrefix)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
}

func checkNext(last int, commit commons.Commit) error {
	if commit.Revision != last+1 {
		return fmt.Errorf("%w: got revision %d, expected %d", ErrOutOfOrder, commit.Revision, last+1)
	}
	return nil
}
