package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "gatekeep"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	// Allow a small clock skew when validating issued-at.
	issuedAtSkew = 5 * time.Second
)

// Token kinds carried in the "kind" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var errMissingSecret = errors.New("auth: signing secret is not configured")

// Claims represents JWT claims used across the service.
type Claims struct {
	Scope []string `json:"scope"`
	Kind  string   `json:"kind"`
	jwt.RegisteredClaims
}

// ExpiresIn returns the remaining lifetime of the token relative to now, never negative.
func (c *Claims) ExpiresIn(now time.Time) time.Duration {
	if c == nil || c.ExpiresAt == nil {
		return 0
	}
	d := c.ExpiresAt.Time.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Authority signs and validates HS256 tokens. It is immutable after construction.
type Authority struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// AuthorityOption configures Authority behavior.
type AuthorityOption func(*Authority) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) AuthorityOption {
	return func(a *Authority) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			a.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) error {
		if ttl > 0 {
			a.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) error {
		if ttl > 0 {
			a.refreshTTL = ttl
		}
		return nil
	}
}

// WithAuthorityClock overrides time source (useful for tests).
func WithAuthorityClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) error {
		if fn != nil {
			a.now = fn
		}
		return nil
	}
}

// NewAuthority constructs an Authority signing with secret.
func NewAuthority(secret string, opts ...AuthorityOption) (*Authority, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	a := &Authority{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.refreshTTL <= a.accessTTL {
		return nil, fmt.Errorf("auth: refresh ttl %s must exceed access ttl %s", a.refreshTTL, a.accessTTL)
	}
	return a, nil
}

// AccessTTL reports the configured access token lifetime.
func (a *Authority) AccessTTL() time.Duration { return a.accessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (a *Authority) RefreshTTL() time.Duration { return a.refreshTTL }

// IssueAccess signs a short-lived access token carrying scope.
func (a *Authority) IssueAccess(subject string, scope []string) (string, *Claims, error) {
	return a.issue(subject, scope, KindAccess, a.accessTTL)
}

// IssueRefresh signs a long-lived refresh token.
func (a *Authority) IssueRefresh(subject string, scope []string) (string, *Claims, error) {
	return a.issue(subject, scope, KindRefresh, a.refreshTTL)
}

func (a *Authority) issue(subject string, scope []string, kind string, ttl time.Duration) (string, *Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, errors.New("auth: subject is required")
	}
	now := a.now().UTC()
	claims := &Claims{
		Scope: NormalizeScope(scope),
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Decode verifies the token signature and required claims. Any failure is ErrInvalidToken.
func (a *Authority) Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithIssuer(a.issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := a.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Scope = NormalizeScope(claims.Scope)
	return claims, nil
}

// RequireAccess decodes token and checks it is an access token.
func (a *Authority) RequireAccess(token string) (*Claims, error) {
	return a.require(token, KindAccess)
}

// RequireRefresh decodes token and checks it is a refresh token.
func (a *Authority) RequireRefresh(token string) (*Claims, error) {
	return a.require(token, KindRefresh)
}

func (a *Authority) require(token, kind string) (*Claims, error) {
	claims, err := a.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token", ErrUnauthorized, kind)
	}
	return claims, nil
}

func (a *Authority) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("jti missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := a.now().UTC()
	if !now.Before(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	switch claims.Kind {
	case KindAccess, KindRefresh:
	default:
		return fmt.Errorf("unknown token kind %q", claims.Kind)
	}
	return nil
}
