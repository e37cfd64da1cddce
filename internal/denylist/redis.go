package denylist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gatekeep.org/internal/auth"
)

// Redis keeps denylist entries as keys with a native TTL.
type Redis struct {
	client    *redis.Client
	opts      options
	closeOnce sync.Once
	closeErr  error
}

var _ auth.Denylist = (*Redis)(nil)

// NewRedis connects to url and verifies the connection with PING.
func NewRedis(ctx context.Context, url string, opts ...Option) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	o := buildOptions(opts)

	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = o.opTimeout
	ropts.WriteTimeout = o.opTimeout
	ropts.PoolTimeout = o.opTimeout + time.Second
	ropts.MaxRetries = 1

	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect to redis: %v", auth.ErrUnavailable, err)
	}
	return &Redis{client: client, opts: o}, nil
}

func (r *Redis) key(jti string) string { return r.opts.keyPrefix + jti }

// Deny stores jti for ttl; re-denying refreshes the TTL. A non-positive ttl is a no-op
// because the token has already expired.
func (r *Redis) Deny(ctx context.Context, jti, owner string, ttl time.Duration) error {
	_, err := r.write(ctx, jti, owner, ttl, func(ctx context.Context, key string) (bool, error) {
		return true, r.client.Set(ctx, key, owner, ttl).Err()
	})
	return err
}

// DenyOnce stores jti with SET NX so that concurrent callers agree on a single winner.
func (r *Redis) DenyOnce(ctx context.Context, jti, owner string, ttl time.Duration) (bool, error) {
	return r.write(ctx, jti, owner, ttl, func(ctx context.Context, key string) (bool, error) {
		return r.client.SetNX(ctx, key, owner, ttl).Result()
	})
}

func (r *Redis) write(ctx context.Context, jti, owner string, ttl time.Duration, set func(context.Context, string) (bool, error)) (bool, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return false, fmt.Errorf("%w: jti is required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.opTimeout)
	defer cancel()
	added, err := set(ctx, r.key(jti))
	record("deny", err, false)
	if err != nil {
		r.opts.log.WithError(err).WithFields(logrus.Fields{"jti": jti, "owner": owner}).Error("denylist write failed")
		return false, fmt.Errorf("%w: denylist write: %v", auth.ErrUnavailable, err)
	}
	return added, nil
}

// IsDenied reports whether jti is currently denied. Lookup failures are never treated as a miss.
func (r *Redis) IsDenied(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.opTimeout)
	defer cancel()
	_, err := r.client.Get(ctx, r.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		record("is_denied", nil, false)
		return false, nil
	}
	record("is_denied", err, true)
	if err != nil {
		r.opts.log.WithError(err).WithField("jti", jti).Error("denylist lookup failed")
		return false, fmt.Errorf("%w: denylist lookup: %v", auth.ErrUnavailable, err)
	}
	return true, nil
}

// Owner returns the subject recorded for a denied jti.
func (r *Redis) Owner(ctx context.Context, jti string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.opTimeout)
	defer cancel()
	owner, err := r.client.Get(ctx, r.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: denylist lookup: %v", auth.ErrUnavailable, err)
	}
	return owner, nil
}

// Ping reports whether Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.opTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool. It is idempotent.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
