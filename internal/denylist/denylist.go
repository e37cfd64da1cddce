// Package denylist holds revoked token identifiers until the tokens would have expired.
package denylist

import (
	"time"

	"github.com/sirupsen/logrus"

	"gatekeep.org/internal/obs"
)

const (
	defaultKeyPrefix = "gatekeep:denylist:"
	defaultOpTimeout = 2 * time.Second
	defaultCapacity  = 100_000
	defaultMaxTTL    = 24 * time.Hour * 14
)

type options struct {
	log       logrus.FieldLogger
	keyPrefix string
	opTimeout time.Duration
	capacity  int
	maxTTL    time.Duration
	now       func() time.Time
}

// Option configures a denylist backend.
type Option func(*options)

// WithLogger overrides the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithOpTimeout bounds each Redis round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.opTimeout = d
		}
	}
}

// WithCapacity caps the number of live entries kept in process. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.capacity = n
		}
	}
}

// WithMaxTTL sets the longest lifetime an in-process entry may have; it should match the refresh token TTL.
func WithMaxTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxTTL = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:       obs.Logger(),
		keyPrefix: defaultKeyPrefix,
		opTimeout: defaultOpTimeout,
		capacity:  defaultCapacity,
		maxTTL:    defaultMaxTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.WithField("component", "denylist")
	return o
}

func record(op string, err error, hit bool) {
	switch {
	case err != nil:
		obs.RecordDenylistOp(op, "error")
	case op == "is_denied" && hit:
		obs.RecordDenylistOp(op, "hit")
	case op == "is_denied":
		obs.RecordDenylistOp(op, "miss")
	default:
		obs.RecordDenylistOp(op, "ok")
	}
}
