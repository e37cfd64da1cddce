package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gatekeep.org/internal/auth"
)

const passwordEnv = "GATEKEEP_SUPERUSER_PASSWORD"

func newRootCmd(open opener) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "gatekeepctl",
		Short:         "Administer gatekeep users and roles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GATEKEEP_CONFIG"), "path to YAML config file")

	withEnv := func(run func(cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer e.close()
			return run(cmd, e)
		}
	}

	rootCmd.AddCommand(
		newAddSuperuserCommand(withEnv),
		newAddRoleCommand(withEnv),
		newAssignRoleCommand(withEnv),
	)
	return rootCmd
}

type envRunner func(run func(cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error

func newAddSuperuserCommand(withEnv envRunner) *cobra.Command {
	var req auth.SignupRequest

	cmd := &cobra.Command{
		Use:   "add-superuser",
		Args:  cobra.NoArgs,
		Short: "Create a user holding the superadmin role",
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			if req.Password == "" {
				req.Password = os.Getenv(passwordEnv)
			}
			if req.Password == "" {
				return fmt.Errorf("password is required: pass --password or set %s", passwordEnv)
			}
			user, err := addSuperuser(cmd.Context(), e, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "superuser %s created (id %s)\n", user.Login, user.ID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.Login, "login", "", "superuser login")
	cmd.Flags().StringVar(&req.Password, "password", "", "superuser password (or "+passwordEnv+")")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "superuser first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "superuser last name")
	_ = cmd.MarkFlagRequired("login")
	return cmd
}

// addSuperuser finds or creates the superadmin role, signs the user up and assigns the role.
// An existing login fails with auth.ErrAlreadyExists.
func addSuperuser(ctx context.Context, e *env, req auth.SignupRequest) (*auth.User, error) {
	role, err := e.rbac.EnsureRole(ctx, auth.SuperAdminScope, auth.SuperAdminScope)
	if err != nil {
		return nil, fmt.Errorf("superadmin role: %w", err)
	}
	user, err := e.svc.Signup(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := e.rbac.AddRoleToUser(ctx, user.ID, role.ID); err != nil {
		return nil, fmt.Errorf("assign superadmin role: %w", err)
	}
	return user, nil
}

func newAddRoleCommand(withEnv envRunner) *cobra.Command {
	var name, access string

	cmd := &cobra.Command{
		Use:   "add-role",
		Args:  cobra.NoArgs,
		Short: "Create a role with a comma-separated access string",
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			role, err := e.rbac.CreateRole(cmd.Context(), name, access)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "role %s created (id %s, access %q)\n", role.Name, role.ID, role.Access)
			return nil
		}),
	}

	cmd.Flags().StringVar(&name, "name", "", "role name")
	cmd.Flags().StringVar(&access, "access", "", "comma-separated permissions")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAssignRoleCommand(withEnv envRunner) *cobra.Command {
	var login, roleName string

	cmd := &cobra.Command{
		Use:   "assign-role",
		Args:  cobra.NoArgs,
		Short: "Assign an existing role to a user",
		RunE: withEnv(func(cmd *cobra.Command, e *env) error {
			ctx := cmd.Context()
			user, err := e.store.Users(ctx).FindByLogin(ctx, strings.TrimSpace(login))
			if err != nil {
				return lookupErr("user", login, err)
			}
			role, err := e.store.Roles(ctx).FindByName(ctx, strings.TrimSpace(roleName))
			if err != nil {
				return lookupErr("role", roleName, err)
			}
			roles, err := e.rbac.AddRoleToUser(ctx, user.ID, role.ID)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(roles))
			for _, r := range roles {
				names = append(names, r.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s roles: %s\n", user.Login, strings.Join(names, ", "))
			return nil
		}),
	}

	cmd.Flags().StringVar(&login, "login", "", "user login")
	cmd.Flags().StringVar(&roleName, "role", "", "role name")
	_ = cmd.MarkFlagRequired("login")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func lookupErr(kind, name string, err error) error {
	if errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("%w: %s %q", auth.ErrNotFound, kind, name)
	}
	return fmt.Errorf("find %s: %w", kind, err)
}
