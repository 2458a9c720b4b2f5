// Package streambus wraps an append-only log store with per-reader cursors
// (Redis Streams) plus key/value side channels.
package streambus

import (
	"context"
	"time"
)

// StartCursor reads a stream from its beginning.
const StartCursor = "0-0"

type Entry struct {
	ID     string
	Values map[string]any
}

type Bus interface {
	// Append adds an entry and returns the id assigned by the store.
	Append(ctx context.Context, stream string, values map[string]any) (string, error)
	// ReadAfter returns the first entry whose id is greater than cursor,
	// waiting up to block for one to arrive (block == 0 waits forever).
	// ok is false when the wait elapsed with nothing to read.
	ReadAfter(ctx context.Context, stream, cursor string, block time.Duration) (e Entry, ok bool, err error)
	Delete(ctx context.Context, stream string, ids ...string) error
	Trim(ctx context.Context, stream string, maxLen int64) error
	Range(ctx context.Context, stream string) ([]Entry, error)
	Len(ctx context.Context, stream string) (int64, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	// SAdd adds member to the set at key. added is false when it was
	// already a member.
	SAdd(ctx context.Context, key, member string) (added bool, err error)
	SCard(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}
