package auth_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/denylist"
	"gatekeep.org/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *memory.Store
	denylist auth.Denylist
	svc      *auth.Service
	rbac     *auth.RBACService
	clock    *clock
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	store := memory.New()
	dl := denylist.NewMemory(denylist.WithClock(c.Now), denylist.WithLogger(quietLogger()))
	authority, err := auth.NewAuthority("test-secret", auth.WithAccessTTL(time.Minute), auth.WithRefreshTTL(time.Hour), auth.WithAuthorityClock(c.Now))
	require.NoError(t, err)
	base := []auth.ServiceOption{auth.WithClock(c.Now), auth.WithBcryptCost(4), auth.WithLogger(quietLogger())}
	svc, err := auth.NewService(store, authority, dl, append(base, opts...)...)
	require.NoError(t, err)
	rbac, err := auth.NewRBACService(store, quietLogger())
	require.NoError(t, err)
	return &fixture{store: store, denylist: dl, svc: svc, rbac: rbac, clock: c}
}

func (f *fixture) signup(t *testing.T, login, password string) *auth.User {
	t.Helper()
	user, err := f.svc.Signup(context.Background(), auth.SignupRequest{Login: login, Password: password})
	require.NoError(t, err)
	return user
}

func TestSignupAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := f.signup(t, "alice", "pw1")
	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, "pw1", user.PasswordHash)

	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	_, err = f.svc.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, unknownErr := f.svc.Login(ctx, "nobody", "pw1")
	require.ErrorIs(t, unknownErr, auth.ErrUnauthorized)
	assert.Equal(t, err.Error(), unknownErr.Error(), "bad login and bad password must be indistinguishable")

	events, err := f.svc.History(ctx, pair.AccessToken, auth.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, auth.EventLoggedIn, events[0].Event)
}

func TestSignupRejectsDuplicatesAndBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", "pw1")

	_, err := f.svc.Signup(ctx, auth.SignupRequest{Login: "alice", Password: "other"})
	require.ErrorIs(t, err, auth.ErrAlreadyExists)

	_, err = f.svc.Signup(ctx, auth.SignupRequest{Login: "al", Password: "pw1"})
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	long := make([]byte, 51)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.svc.Signup(ctx, auth.SignupRequest{Login: "bob", Password: "pw1", FirstName: string(long)})
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

type racingUsers struct {
	auth.UserStore
}

// FindByLogin always misses so Create is the one that observes the duplicate.
func (r racingUsers) FindByLogin(context.Context, string) (*auth.User, error) {
	return nil, auth.ErrNotFound
}

type racingStore struct {
	*memory.Store
}

func (r racingStore) Users(ctx context.Context) auth.UserStore {
	return racingUsers{r.Store.Users(ctx)}
}

func TestSignupConflictRaceBecomesAlreadyExists(t *testing.T) {
	store := memory.New()
	authority, err := auth.NewAuthority("s")
	require.NoError(t, err)
	svc, err := auth.NewService(racingStore{store}, authority, denylist.NewMemory(), auth.WithBcryptCost(4), auth.WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Signup(ctx, auth.SignupRequest{Login: "alice", Password: "pw1"})
	require.NoError(t, err)
	_, err = svc.Signup(ctx, auth.SignupRequest{Login: "alice", Password: "pw2"})
	require.ErrorIs(t, err, auth.ErrAlreadyExists)
}

func TestLoginScopeIsUnionOfRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.signup(t, "alice", "pw1")

	r1, err := f.rbac.CreateRole(ctx, "editor", "a,b")
	require.NoError(t, err)
	r2, err := f.rbac.CreateRole(ctx, "viewer", "b, c")
	require.NoError(t, err)
	_, err = f.rbac.AddRoleToUser(ctx, user.ID, r1.ID)
	require.NoError(t, err)
	_, err = f.rbac.AddRoleToUser(ctx, user.ID, r2.ID)
	require.NoError(t, err)

	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	claims, err := f.svc.Authority().RequireAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, claims.Scope)

	_, err = f.svc.CheckAccess(ctx, pair.AccessToken, []string{"a", "c"})
	require.NoError(t, err)
	_, err = f.svc.CheckAccess(ctx, pair.AccessToken, []string{"d"})
	require.ErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = f.svc.CheckAccess(ctx, pair.AccessToken, nil)
	require.NoError(t, err)
}

func TestCheckAccessSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, _, err := f.svc.Authority().IssueAccess("root", []string{auth.SuperAdminScope})
	require.NoError(t, err)

	principal, err := f.svc.CheckAccess(ctx, token, []string{"anything", "else"})
	require.NoError(t, err)
	assert.Equal(t, "root", principal.UserID)
}

func TestCheckAccessUsesTokenScopeNotCurrentRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.signup(t, "alice", "pw1")
	role, err := f.rbac.CreateRole(ctx, "editor", "edit")
	require.NoError(t, err)
	_, err = f.rbac.AddRoleToUser(ctx, user.ID, role.ID)
	require.NoError(t, err)

	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	_, err = f.rbac.RemoveRoleFromUser(ctx, user.ID, role.ID)
	require.NoError(t, err)

	_, err = f.svc.CheckAccess(ctx, pair.AccessToken, []string{"edit"})
	require.NoError(t, err, "scope is read from the token itself")

	access, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.CheckAccess(ctx, access, []string{"edit"})
	require.ErrorIs(t, err, auth.ErrPermissionDenied, "refresh resolves fresh scope")
}

func TestLogoutRevokesOnlyThatToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", "pw1")

	first, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, first.AccessToken))

	_, err = f.svc.Authenticate(ctx, first.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	require.ErrorIs(t, f.svc.Logout(ctx, first.AccessToken), auth.ErrUnauthorized, "second logout reports already logged out")

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, auth.ErrUnauthorized, "refresh record is removed on logout")

	second, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, second.AccessToken)
	require.NoError(t, err)

	events, err := f.svc.History(ctx, second.AccessToken, auth.HistoryQuery{})
	require.NoError(t, err)
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{auth.EventLoggedIn, auth.EventLoggedOut, auth.EventLoggedIn}, names)
}

func TestConcurrentLogoutSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", "pw1")
	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.svc.Logout(ctx, pair.AccessToken)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	}
	assert.Equal(t, 1, succeeded)

	relogin, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	events, err := f.svc.History(ctx, relogin.AccessToken, auth.HistoryQuery{})
	require.NoError(t, err)
	loggedOut := 0
	for _, ev := range events {
		if ev.Event == auth.EventLoggedOut {
			loggedOut++
		}
	}
	assert.Equal(t, 1, loggedOut)
}

func TestLogoutDenyTTLMatchesRemainingLifetime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", "pw1")
	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	claims, err := f.svc.Authority().RequireAccess(pair.AccessToken)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.svc.Logout(ctx, pair.AccessToken))

	denied, err := f.denylist.IsDenied(ctx, claims.ID)
	require.NoError(t, err)
	assert.True(t, denied)

	f.clock.Advance(40 * time.Second)
	denied, err = f.denylist.IsDenied(ctx, claims.ID)
	require.NoError(t, err)
	assert.False(t, denied, "entry expires when the token would have")
}

func TestRefreshRequiresLiveRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.signup(t, "alice", "pw1")

	forged, _, err := f.svc.Authority().IssueRefresh(user.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, forged)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	first, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	second, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, auth.ErrUnauthorized, "a new login supersedes the previous refresh token")
	_, err = f.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, second.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthorized, "access tokens cannot refresh")
}

func TestChangeCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", "pw1")
	f.signup(t, "bob", "pw2")
	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	err = f.svc.Change(ctx, pair.AccessToken, auth.ChangeRequest{OldPassword: "nope", NewLogin: "alice", NewPassword: "pw9"})
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	err = f.svc.Change(ctx, pair.AccessToken, auth.ChangeRequest{OldPassword: "pw1", NewLogin: "bob", NewPassword: "pw9"})
	require.ErrorIs(t, err, auth.ErrAlreadyExists)

	require.NoError(t, f.svc.Change(ctx, pair.AccessToken, auth.ChangeRequest{OldPassword: "pw1", NewLogin: "alice2", NewPassword: "pw9"}))

	_, err = f.svc.Login(ctx, "alice", "pw1")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.svc.Login(ctx, "alice2", "pw9")
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err, "change keeps the live access token valid by default")
}

func TestChangeWithRevocation(t *testing.T) {
	f := newFixture(t, auth.WithRevokeOnChange(true))
	ctx := context.Background()
	f.signup(t, "alice", "pw1")
	pair, err := f.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Change(ctx, pair.AccessToken, auth.ChangeRequest{OldPassword: "pw1", NewLogin: "alice", NewPassword: "pw2"}))

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", "pw1")

	var last auth.TokenPair
	for i := 0; i < 5; i++ {
		pair, err := f.svc.Login(ctx, "alice", "pw1")
		require.NoError(t, err)
		last = pair
		f.clock.Advance(time.Second)
	}

	size, page := 2, 2
	events, err := f.svc.History(ctx, last.AccessToken, auth.HistoryQuery{PageSize: &size, PageNumber: &page})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = f.svc.History(ctx, last.AccessToken, auth.HistoryQuery{PageSize: &size})
	require.NoError(t, err)
	assert.Len(t, events, 2, "a page size alone returns the first page")

	events, err = f.svc.History(ctx, last.AccessToken, auth.HistoryQuery{PageNumber: &page})
	require.NoError(t, err)
	assert.Len(t, events, 5, "a page number without a size is ignored")

	desc := true
	events, err = f.svc.History(ctx, last.AccessToken, auth.HistoryQuery{Descending: &desc})
	require.NoError(t, err)
	assert.True(t, slices.IsSortedFunc(events, func(a, b *auth.HistoryEvent) int { return b.CreatedAt.Compare(a.CreatedAt) }))

	zero := 0
	_, err = f.svc.History(ctx, last.AccessToken, auth.HistoryQuery{PageSize: &size, PageNumber: &zero})
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

type brokenDenylist struct{}

func (brokenDenylist) Deny(context.Context, string, string, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}

func (brokenDenylist) DenyOnce(context.Context, string, string, time.Duration) (bool, error) {
	return false, auth.ErrUnavailable
}

func (brokenDenylist) IsDenied(context.Context, string) (bool, error) {
	return false, auth.ErrUnavailable
}

func (brokenDenylist) Close() error { return nil }

func TestDenylistOutageIsUnavailable(t *testing.T) {
	store := memory.New()
	authority, err := auth.NewAuthority("s")
	require.NoError(t, err)
	svc, err := auth.NewService(store, authority, brokenDenylist{}, auth.WithBcryptCost(4), auth.WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Signup(ctx, auth.SignupRequest{Login: "alice", Password: "pw1"})
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	_, err = svc.CheckAccess(ctx, pair.AccessToken, nil)
	require.ErrorIs(t, err, auth.ErrUnavailable)
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrUnavailable)
	err = svc.Logout(ctx, pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnavailable)
	assert.False(t, errors.Is(err, auth.ErrUnauthorized), "an outage must never look like a revoked token")
}
