// Package sessionstore persists dialog sessions between turns.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/voicetyped/intentflow/pkg/dialog"
)

// ErrSessionNotFound is returned when a session does not exist or expired.
var ErrSessionNotFound = errors.New("session not found")

const defaultPrefix = "intentflow:session:"

// Store loads and saves session snapshots.
type Store interface {
	Load(ctx context.Context, id string) (*dialog.Snapshot, error)
	Save(ctx context.Context, snap dialog.Snapshot) error
	Delete(ctx context.Context, id string) error
}

type options struct {
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithTTL expires sessions that were not saved for ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithPrefix sets the key prefix used by the redis store.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Expirer is implemented by stores that need periodic cleanup of expired
// sessions. Redis expires keys itself.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}
