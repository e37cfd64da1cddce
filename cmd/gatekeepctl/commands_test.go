package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/store/memory"
)

func newTestEnv(t *testing.T) (*env, opener) {
	t.Helper()
	e, err := newEnv(memory.New(), "test-secret", 4)
	require.NoError(t, err)
	return e, func(context.Context, string) (*env, error) { return e, nil }
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAddSuperuser(t *testing.T) {
	e, open := newTestEnv(t)
	ctx := context.Background()

	out, err := run(t, open, "add-superuser", "--login", "root", "--password", "toor-pass", "--first-name", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "superuser root created")

	pair, err := e.svc.Login(ctx, "root", "toor-pass")
	require.NoError(t, err)
	principal, err := e.svc.CheckAccess(ctx, pair.AccessToken, []string{auth.PermRoleManage, "anything"})
	require.NoError(t, err)
	assert.True(t, principal.IsSuperAdmin())

	_, err = run(t, open, "add-superuser", "--login", "root", "--password", "other-pass")
	require.ErrorIs(t, err, auth.ErrAlreadyExists)

	_, err = run(t, open, "add-superuser", "--login", "second", "--password", "second-pass")
	require.NoError(t, err)
	roles, err := e.rbac.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 1, "superadmin role is reused")
}

func TestAddSuperuserPasswordFromEnv(t *testing.T) {
	_, open := newTestEnv(t)

	_, err := run(t, open, "add-superuser", "--login", "root")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), passwordEnv))

	t.Setenv(passwordEnv, "from-env")
	_, err = run(t, open, "add-superuser", "--login", "root")
	require.NoError(t, err)
}

func TestAddRoleAndAssign(t *testing.T) {
	e, open := newTestEnv(t)
	ctx := context.Background()
	_, err := e.svc.Signup(ctx, auth.SignupRequest{Login: "bob", Password: "bob-pass"})
	require.NoError(t, err)

	out, err := run(t, open, "add-role", "--name", "editor", "--access", "write,read")
	require.NoError(t, err)
	assert.Contains(t, out, `access "read,write"`)

	out, err = run(t, open, "assign-role", "--login", "bob", "--role", "editor")
	require.NoError(t, err)
	assert.Contains(t, out, "user bob roles: editor")

	_, err = run(t, open, "assign-role", "--login", "bob", "--role", "editor")
	require.ErrorIs(t, err, auth.ErrAlreadyExists)

	_, err = run(t, open, "assign-role", "--login", "nobody", "--role", "editor")
	require.ErrorIs(t, err, auth.ErrNotFound)

	_, err = run(t, open, "add-role", "--access", "x")
	require.Error(t, err, "name flag is required")
}
