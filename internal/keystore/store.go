// Package keystore is the shared key-value/list store that holds queue, timer,
// lock and media state. Every engine instance talks to the same store; nothing
// kept in process memory is authoritative.
package keystore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("keystore: key not found")

// Entry describes a record found by ScanPrefix.
type Entry struct {
	Key       string
	CreatedAt time.Time
}

// Store is the capability set the aggregation engine and media service need.
// A zero ttl means the record never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent or expired and reports whether
	// this caller created it.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	// Append adds value to the end of the list at key and returns the new length.
	Append(ctx context.Context, key, value string) (int, error)
	// Range returns the whole list at key in insertion order.
	Range(ctx context.Context, key string) ([]string, error)
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)
}

// expiryUnix returns the first whole unix second at or after now+ttl, the
// store's expiry granularity. A non-positive ttl yields 0.
func expiryUnix(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	deadline := now.Add(ttl)
	secs := deadline.Unix()
	if deadline.Nanosecond() > 0 {
		secs++
	}
	return secs
}
