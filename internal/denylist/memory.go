package denylist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"gatekeep.org/internal/auth"
)

type entry struct {
	owner     string
	expiresAt time.Time
}

// Memory is a process-local denylist for single-instance deployments and tests.
// Each entry carries its own expiry; the cache's global TTL only reclaims memory. Entries are
// never evicted early: once capacity live entries are held, new denials fail with ErrUnavailable.
type Memory struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, entry]
	opts   options
	closed atomic.Bool
}

var _ auth.Denylist = (*Memory)(nil)

// NewMemory returns an in-process denylist.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		cache: expirable.NewLRU[string, entry](0, nil, o.maxTTL),
		opts:  o,
	}
}

// Deny records jti until ttl elapses. Re-denying refreshes the expiry.
func (m *Memory) Deny(_ context.Context, jti, owner string, ttl time.Duration) error {
	_, err := m.add(jti, owner, ttl, true)
	return err
}

// DenyOnce records jti only when no live entry exists for it.
func (m *Memory) DenyOnce(_ context.Context, jti, owner string, ttl time.Duration) (bool, error) {
	return m.add(jti, owner, ttl, false)
}

func (m *Memory) add(jti, owner string, ttl time.Duration, overwrite bool) (bool, error) {
	if m.closed.Load() {
		record("deny", auth.ErrUnavailable, false)
		return false, fmt.Errorf("%w: denylist closed", auth.ErrUnavailable)
	}
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return false, fmt.Errorf("%w: jti is required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return true, nil
	}
	if ttl > m.opts.maxTTL {
		m.opts.log.WithField("ttl", ttl).Warn("denylist ttl exceeds cache lifetime, entry may expire early")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	_, live := m.live(jti, now)
	if live && !overwrite {
		record("deny", nil, false)
		return false, nil
	}
	if !live && m.opts.capacity > 0 && m.cache.Len() >= m.opts.capacity {
		m.sweep(now)
		if m.cache.Len() >= m.opts.capacity {
			err := fmt.Errorf("%w: denylist full (%d entries)", auth.ErrUnavailable, m.opts.capacity)
			m.opts.log.WithField("capacity", m.opts.capacity).Error("denylist full, refusing new entry")
			record("deny", err, false)
			return false, err
		}
	}
	m.cache.Add(jti, entry{owner: owner, expiresAt: now.Add(ttl)})
	record("deny", nil, false)
	return true, nil
}

// live returns the entry for jti when it has not yet expired. Callers hold m.mu.
func (m *Memory) live(jti string, now time.Time) (entry, bool) {
	e, ok := m.cache.Peek(jti)
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.expiresAt) {
		m.cache.Remove(jti)
		return entry{}, false
	}
	return e, true
}

// sweep drops entries whose own expiry has passed. Callers hold m.mu.
func (m *Memory) sweep(now time.Time) {
	for _, k := range m.cache.Keys() {
		m.live(k, now)
	}
}

func (m *Memory) IsDenied(_ context.Context, jti string) (bool, error) {
	if m.closed.Load() {
		record("is_denied", auth.ErrUnavailable, false)
		return false, fmt.Errorf("%w: denylist closed", auth.ErrUnavailable)
	}
	m.mu.Lock()
	_, ok := m.live(jti, m.opts.now())
	m.mu.Unlock()
	record("is_denied", nil, ok)
	return ok, nil
}

// Owner returns the subject recorded for a denied jti.
func (m *Memory) Owner(_ context.Context, jti string) (string, error) {
	m.mu.Lock()
	e, ok := m.live(jti, m.opts.now())
	m.mu.Unlock()
	if !ok {
		return "", auth.ErrNotFound
	}
	return e.owner, nil
}

// Len reports the number of entries currently held, including ones awaiting eviction.
func (m *Memory) Len() int { return m.cache.Len() }

// Ping fails once the denylist is closed.
func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return fmt.Errorf("%w: denylist closed", auth.ErrUnavailable)
	}
	return nil
}

// Close purges the entries. It is idempotent.
func (m *Memory) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.mu.Lock()
		m.cache.Purge()
		m.mu.Unlock()
	}
	return nil
}
