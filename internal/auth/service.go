package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"gatekeep.org/internal/ids"
	"gatekeep.org/internal/obs"
)

const (
	minCredentialLen = 3
	maxCredentialLen = 255
	maxNameLen       = 50
)

// Flow names used for metrics and logs.
const (
	flowSignup      = "signup"
	flowLogin       = "login"
	flowRefresh     = "refresh"
	flowLogout      = "logout"
	flowChange      = "change"
	flowHistory     = "history"
	flowCheckAccess = "check_access"
)

// Service runs the session flows: signup, login, refresh, logout, change, history and check-access.
// It holds no mutable state after construction and is safe for concurrent use.
type Service struct {
	store     Store
	authority *Authority
	denylist  Denylist
	resolver  *Resolver
	hasher    PasswordHasher
	log       logrus.FieldLogger
	now       func() time.Time

	revokeOnChange bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLogger overrides the logger.
func WithLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		s.hasher = NewPasswordHasher(cost)
		return nil
	}
}

// WithRevokeOnChange makes a successful credential change revoke the calling session.
func WithRevokeOnChange(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.revokeOnChange = enabled
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, authority *Authority, denylist Denylist, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if authority == nil {
		return nil, errors.New("auth: token authority is required")
	}
	if denylist == nil {
		return nil, errors.New("auth: denylist is required")
	}
	svc := &Service{
		store:     store,
		authority: authority,
		denylist:  denylist,
		resolver:  NewResolver(store),
		hasher:    NewPasswordHasher(0),
		log:       obs.Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Authority exposes the token authority used by the service.
func (s *Service) Authority() *Authority { return s.authority }

// Signup creates a user. It never issues tokens.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*User, error) {
	log := s.log.WithField("flow", flowSignup)
	log.Debug("signup requested")

	login := strings.TrimSpace(req.Login)
	if err := validateCredentials(login, req.Password); err != nil {
		s.record(flowSignup, err)
		return nil, err
	}
	if err := validateNames(req.FirstName, req.LastName); err != nil {
		s.record(flowSignup, err)
		return nil, err
	}

	users := s.store.Users(ctx)
	if _, err := users.FindByLogin(ctx, login); err == nil {
		s.record(flowSignup, ErrAlreadyExists)
		return nil, fmt.Errorf("%w: login %q is taken", ErrAlreadyExists, login)
	} else if !errors.Is(err, ErrNotFound) {
		s.record(flowSignup, err)
		return nil, fmt.Errorf("signup: find user: %w", err)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.record(flowSignup, err)
		return nil, fmt.Errorf("signup: hash password: %w", err)
	}
	user := &User{
		ID:           ids.New(),
		Login:        login,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		CreatedAt:    s.now().UTC(),
	}
	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			s.record(flowSignup, ErrAlreadyExists)
			return nil, fmt.Errorf("%w: login %q is taken", ErrAlreadyExists, login)
		}
		s.record(flowSignup, err)
		return nil, fmt.Errorf("signup: create user: %w", err)
	}
	s.record(flowSignup, nil)
	log.WithField("user_id", user.ID).Info("user signed up")
	return user, nil
}

// Login verifies credentials and issues an access/refresh pair. The previous refresh record
// of the user, if any, is superseded.
func (s *Service) Login(ctx context.Context, login, password string) (TokenPair, error) {
	log := s.log.WithField("flow", flowLogin)
	log.Debug("login requested")

	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		s.record(flowLogin, ErrUnauthorized)
		return TokenPair{}, errBadCredentials
	}
	user, err := s.store.Users(ctx).FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.WithField("login", login).Warn("login failed: unknown login")
			s.record(flowLogin, ErrUnauthorized)
			return TokenPair{}, errBadCredentials
		}
		s.record(flowLogin, err)
		return TokenPair{}, fmt.Errorf("login: find user: %w", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		log.WithField("user_id", user.ID).Warn("login failed: password mismatch")
		s.record(flowLogin, ErrUnauthorized)
		return TokenPair{}, errBadCredentials
	}

	scope, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		s.record(flowLogin, err)
		return TokenPair{}, fmt.Errorf("login: %w", err)
	}
	access, accessClaims, err := s.authority.IssueAccess(user.ID, scope)
	if err != nil {
		s.record(flowLogin, err)
		return TokenPair{}, fmt.Errorf("login: %w", err)
	}
	refresh, refreshClaims, err := s.authority.IssueRefresh(user.ID, scope)
	if err != nil {
		s.record(flowLogin, err)
		return TokenPair{}, fmt.Errorf("login: %w", err)
	}
	record := &RefreshToken{
		UserID:    user.ID,
		TokenHash: HashToken(refresh),
		ExpiresAt: refreshClaims.ExpiresAt.Time,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.RefreshTokens(ctx).Upsert(ctx, record); err != nil {
		s.record(flowLogin, err)
		return TokenPair{}, fmt.Errorf("login: store refresh token: %w", err)
	}
	if err := s.appendHistory(ctx, user.ID, EventLoggedIn); err != nil {
		s.record(flowLogin, err)
		return TokenPair{}, fmt.Errorf("login: %w", err)
	}

	s.record(flowLogin, nil)
	log.WithFields(logrus.Fields{"user_id": user.ID, "scope": len(scope)}).Info("user logged in")
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

// Refresh exchanges a live refresh token for a new access token carrying freshly resolved scope.
// The refresh token is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	log := s.log.WithField("flow", flowRefresh)
	log.Debug("refresh requested")

	claims, err := s.authority.RequireRefresh(refreshToken)
	if err != nil {
		s.record(flowRefresh, err)
		return "", err
	}
	if err := s.ensureNotDenied(ctx, claims); err != nil {
		s.record(flowRefresh, err)
		return "", err
	}
	record, err := s.store.RefreshTokens(ctx).FindByUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.WithField("user_id", claims.Subject).Warn("refresh failed: no active session")
			s.record(flowRefresh, ErrUnauthorized)
			return "", fmt.Errorf("%w: no active session", ErrUnauthorized)
		}
		s.record(flowRefresh, err)
		return "", fmt.Errorf("refresh: find refresh token: %w", err)
	}
	presented := HashToken(refreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(record.TokenHash)) != 1 {
		log.WithField("user_id", claims.Subject).Warn("refresh failed: superseded token")
		s.record(flowRefresh, ErrUnauthorized)
		return "", fmt.Errorf("%w: refresh token superseded", ErrUnauthorized)
	}
	if !record.ExpiresAt.IsZero() && !s.now().Before(record.ExpiresAt) {
		s.record(flowRefresh, ErrUnauthorized)
		return "", fmt.Errorf("%w: session expired", ErrUnauthorized)
	}

	scope, err := s.resolver.Resolve(ctx, claims.Subject)
	if err != nil {
		s.record(flowRefresh, err)
		return "", fmt.Errorf("refresh: %w", err)
	}
	access, _, err := s.authority.IssueAccess(claims.Subject, scope)
	if err != nil {
		s.record(flowRefresh, err)
		return "", fmt.Errorf("refresh: %w", err)
	}
	s.record(flowRefresh, nil)
	log.WithField("user_id", claims.Subject).Info("access token refreshed")
	return access, nil
}

// Logout denies the access token for its remaining lifetime and drops the user's refresh record.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	log := s.log.WithField("flow", flowLogout)
	log.Debug("logout requested")

	claims, err := s.authenticate(ctx, accessToken)
	if err != nil {
		s.record(flowLogout, err)
		return err
	}
	added, err := s.denylist.DenyOnce(ctx, claims.ID, claims.Subject, claims.ExpiresIn(s.now()))
	if err != nil {
		s.record(flowLogout, err)
		return fmt.Errorf("logout: deny token: %w", err)
	}
	if !added {
		s.record(flowLogout, ErrUnauthorized)
		return fmt.Errorf("%w: already logged out", ErrUnauthorized)
	}
	if err := s.dropRefresh(ctx, claims.Subject); err != nil {
		s.record(flowLogout, err)
		return fmt.Errorf("logout: %w", err)
	}
	if err := s.appendHistory(ctx, claims.Subject, EventLoggedOut); err != nil {
		s.record(flowLogout, err)
		return fmt.Errorf("logout: %w", err)
	}
	s.record(flowLogout, nil)
	log.WithField("user_id", claims.Subject).Info("user logged out")
	return nil
}

// Change replaces the caller's login and password after verifying the old password.
func (s *Service) Change(ctx context.Context, accessToken string, req ChangeRequest) error {
	log := s.log.WithField("flow", flowChange)
	log.Debug("credential change requested")

	claims, err := s.authenticate(ctx, accessToken)
	if err != nil {
		s.record(flowChange, err)
		return err
	}
	newLogin := strings.TrimSpace(req.NewLogin)
	if err := validateCredentials(newLogin, req.NewPassword); err != nil {
		s.record(flowChange, err)
		return err
	}

	users := s.store.Users(ctx)
	user, err := users.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(flowChange, ErrUnauthorized)
			return fmt.Errorf("%w: unknown subject", ErrUnauthorized)
		}
		s.record(flowChange, err)
		return fmt.Errorf("change: find user: %w", err)
	}
	if !s.hasher.Verify(req.OldPassword, user.PasswordHash) {
		log.WithField("user_id", user.ID).Warn("credential change failed: password mismatch")
		s.record(flowChange, ErrUnauthorized)
		return fmt.Errorf("%w: incorrect password", ErrUnauthorized)
	}
	if newLogin != user.Login {
		if other, err := users.FindByLogin(ctx, newLogin); err == nil && other.ID != user.ID {
			s.record(flowChange, ErrAlreadyExists)
			return fmt.Errorf("%w: login %q is taken", ErrAlreadyExists, newLogin)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			s.record(flowChange, err)
			return fmt.Errorf("change: find user: %w", err)
		}
	}
	hash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		s.record(flowChange, err)
		return fmt.Errorf("change: hash password: %w", err)
	}
	if _, err := users.Update(ctx, user.ID, UserUpdate{Login: &newLogin, PasswordHash: &hash}); err != nil {
		if errors.Is(err, ErrConflict) {
			s.record(flowChange, ErrAlreadyExists)
			return fmt.Errorf("%w: login %q is taken", ErrAlreadyExists, newLogin)
		}
		s.record(flowChange, err)
		return fmt.Errorf("change: update user: %w", err)
	}
	if err := s.appendHistory(ctx, user.ID, EventChanged); err != nil {
		s.record(flowChange, err)
		return fmt.Errorf("change: %w", err)
	}
	if s.revokeOnChange {
		if err := s.revoke(ctx, claims); err != nil {
			s.record(flowChange, err)
			return fmt.Errorf("change: %w", err)
		}
	}
	s.record(flowChange, nil)
	log.WithField("user_id", user.ID).Info("credentials changed")
	return nil
}

// History returns the caller's session events. A page size alone caps the result at the
// first page; a page number only counts when the size is given too.
func (s *Service) History(ctx context.Context, accessToken string, q HistoryQuery) ([]*HistoryEvent, error) {
	claims, err := s.authenticate(ctx, accessToken)
	if err != nil {
		s.record(flowHistory, err)
		return nil, err
	}
	var opts FindOptions
	if q.Descending != nil {
		opts.Descending = *q.Descending
	}
	if q.PageSize != nil {
		size := *q.PageSize
		if size < 1 {
			s.record(flowHistory, ErrInvalidInput)
			return nil, fmt.Errorf("%w: page_size must be positive", ErrInvalidInput)
		}
		opts.Limit = size
		if q.PageNumber != nil {
			page := *q.PageNumber
			if page < 1 {
				s.record(flowHistory, ErrInvalidInput)
				return nil, fmt.Errorf("%w: page_number must be positive", ErrInvalidInput)
			}
			opts.Offset = size * (page - 1)
		}
	}
	events, err := s.store.History(ctx).FindByUser(ctx, claims.Subject, opts)
	if err != nil {
		s.record(flowHistory, err)
		return nil, fmt.Errorf("history: %w", err)
	}
	s.record(flowHistory, nil)
	if events == nil {
		events = []*HistoryEvent{}
	}
	return events, nil
}

// CheckAccess authorizes the bearer of accessToken against required using the scope
// embedded in the token. An empty requirement grants any valid session.
func (s *Service) CheckAccess(ctx context.Context, accessToken string, required []string) (Principal, error) {
	principal, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		s.record(flowCheckAccess, err)
		return Principal{}, err
	}
	if !Allows(principal.Scope, required) {
		s.log.WithFields(logrus.Fields{
			"flow":     flowCheckAccess,
			"user_id":  principal.UserID,
			"required": required,
		}).Warn("permission denied")
		s.record(flowCheckAccess, ErrPermissionDenied)
		return Principal{}, fmt.Errorf("%w: missing required permission", ErrPermissionDenied)
	}
	s.record(flowCheckAccess, nil)
	return principal, nil
}

// Authenticate validates an access token and rejects it when denylisted.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.authenticate(ctx, accessToken)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(claims), nil
}

func (s *Service) authenticate(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := s.authority.RequireAccess(accessToken)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotDenied(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) ensureNotDenied(ctx context.Context, claims *Claims) error {
	denied, err := s.denylist.IsDenied(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("check denylist: %w", err)
	}
	if denied {
		return fmt.Errorf("%w: token revoked", ErrUnauthorized)
	}
	return nil
}

func (s *Service) revoke(ctx context.Context, claims *Claims) error {
	ttl := claims.ExpiresIn(s.now())
	if ttl > 0 {
		if err := s.denylist.Deny(ctx, claims.ID, claims.Subject, ttl); err != nil {
			return fmt.Errorf("deny token: %w", err)
		}
	}
	return s.dropRefresh(ctx, claims.Subject)
}

func (s *Service) dropRefresh(ctx context.Context, userID string) error {
	if err := s.store.RefreshTokens(ctx).DeleteByUser(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (s *Service) appendHistory(ctx context.Context, userID, event string) error {
	ev := &HistoryEvent{
		ID:        ids.New(),
		UserID:    userID,
		Event:     event,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.History(ctx).Append(ctx, ev); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Service) record(flow string, err error) {
	switch {
	case err == nil:
		obs.RecordAuthEvent(flow, obs.OutcomeOK)
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInvalidInput):
		obs.RecordAuthEvent(flow, obs.OutcomeDenied)
	default:
		obs.RecordAuthEvent(flow, obs.OutcomeError)
	}
}

var errBadCredentials = fmt.Errorf("%w: incorrect login or password", ErrUnauthorized)

// HashToken returns the hex SHA-256 digest under which refresh tokens are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func validateCredentials(login, password string) error {
	if n := utf8.RuneCountInString(login); n < minCredentialLen || n > maxCredentialLen {
		return fmt.Errorf("%w: login must be %d..%d characters", ErrInvalidInput, minCredentialLen, maxCredentialLen)
	}
	if n := utf8.RuneCountInString(password); n < minCredentialLen || n > maxCredentialLen {
		return fmt.Errorf("%w: password must be %d..%d characters", ErrInvalidInput, minCredentialLen, maxCredentialLen)
	}
	return nil
}

func validateNames(first, last string) error {
	if utf8.RuneCountInString(strings.TrimSpace(first)) > maxNameLen {
		return fmt.Errorf("%w: first_name exceeds %d characters", ErrInvalidInput, maxNameLen)
	}
	if utf8.RuneCountInString(strings.TrimSpace(last)) > maxNameLen {
		return fmt.Errorf("%w: last_name exceeds %d characters", ErrInvalidInput, maxNameLen)
	}
	return nil
}
