package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"gatekeep.org/internal/ids"
	"gatekeep.org/internal/obs"
)

const maxRoleNameLen = 255

// RBACService administers roles and user-role links.
type RBACService struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewRBACService constructs the role administration service.
func NewRBACService(store Store, logger logrus.FieldLogger) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &RBACService{store: store, log: logger.WithField("component", "rbac"), now: time.Now}, nil
}

// CreateRole stores a new role. Duplicate names fail with ErrAlreadyExists.
func (s *RBACService) CreateRole(ctx context.Context, name, access string) (*Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	roles := s.store.Roles(ctx)
	if _, err := roles.FindByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: role %q", ErrAlreadyExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("create role: %w", err)
	}
	role := &Role{
		ID:        ids.New(),
		Name:      name,
		Access:    normalizeAccess(access),
		CreatedAt: s.now().UTC(),
	}
	if err := roles.Create(ctx, role); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: role %q", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("create role: %w", err)
	}
	s.log.WithFields(logrus.Fields{"role_id": role.ID, "name": role.Name}).Info("role created")
	return role, nil
}

// EnsureRole returns the role called name, creating it with access when absent.
func (s *RBACService) EnsureRole(ctx context.Context, name, access string) (*Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	role, err := s.store.Roles(ctx).FindByName(ctx, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("ensure role: %w", err)
	}
	role, err = s.CreateRole(ctx, name, access)
	if errors.Is(err, ErrAlreadyExists) {
		return s.store.Roles(ctx).FindByName(ctx, name)
	}
	return role, err
}

// GetRole returns a role by id.
func (s *RBACService) GetRole(ctx context.Context, id string) (*Role, error) {
	role, err := s.store.Roles(ctx).Find(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, roleLookupErr(id, err)
	}
	return role, nil
}

// ListRoles returns every role; an empty catalogue is ErrNotFound.
func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	list, err := s.store.Roles(ctx).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no roles defined", ErrNotFound)
	}
	return list, nil
}

// UpdateRole renames a role or replaces its access string.
func (s *RBACService) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (*Role, error) {
	id = strings.TrimSpace(id)
	roles := s.store.Roles(ctx)
	current, err := roles.Find(ctx, id)
	if err != nil {
		return nil, roleLookupErr(id, err)
	}
	if upd.Name != nil {
		name, err := normalizeRoleName(*upd.Name)
		if err != nil {
			return nil, err
		}
		if name != current.Name {
			if _, err := roles.FindByName(ctx, name); err == nil {
				return nil, fmt.Errorf("%w: role %q", ErrAlreadyExists, name)
			} else if !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("update role: %w", err)
			}
		}
		upd.Name = &name
	}
	if upd.Access != nil {
		access := normalizeAccess(*upd.Access)
		upd.Access = &access
	}
	role, err := roles.Update(ctx, id, upd)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: role name", ErrAlreadyExists)
		}
		return nil, roleLookupErr(id, err)
	}
	s.log.WithField("role_id", id).Info("role updated")
	return role, nil
}

// DeleteRole removes a role together with its user links.
func (s *RBACService) DeleteRole(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if err := s.store.Roles(ctx).Delete(ctx, id); err != nil {
		return roleLookupErr(id, err)
	}
	s.log.WithField("role_id", id).Info("role deleted")
	return nil
}

// AddRoleToUser links a role to a user and returns the user's roles afterwards.
func (s *RBACService) AddRoleToUser(ctx context.Context, userID, roleID string) ([]*Role, error) {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if err := s.ensurePair(ctx, userID, roleID); err != nil {
		return nil, err
	}
	roles := s.store.Roles(ctx)
	if err := roles.Assign(ctx, userID, roleID); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %w: role already added to user", ErrUserRoleAction, ErrAlreadyExists)
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, fmt.Errorf("assign role: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUserRoleAction, err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "role_id": roleID}).Info("role assigned")
	return s.UserRoles(ctx, userID)
}

// RemoveRoleFromUser unlinks a role and returns the user's remaining roles.
func (s *RBACService) RemoveRoleFromUser(ctx context.Context, userID, roleID string) ([]*Role, error) {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if err := s.ensurePair(ctx, userID, roleID); err != nil {
		return nil, err
	}
	if err := s.store.Roles(ctx).Unassign(ctx, userID, roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: role %s", ErrRoleNotAssigned, roleID)
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, fmt.Errorf("unassign role: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUserRoleAction, err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "role_id": roleID}).Info("role unassigned")
	return s.UserRoles(ctx, userID)
}

// UserRoles lists the roles assigned to a user.
func (s *RBACService) UserRoles(ctx context.Context, userID string) ([]*Role, error) {
	list, err := s.store.Roles(ctx).RolesForUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("user roles: %w", err)
	}
	if list == nil {
		list = []*Role{}
	}
	return list, nil
}

func (s *RBACService) ensurePair(ctx context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if !ids.Valid(userID) || !ids.Valid(roleID) {
		return fmt.Errorf("%w: malformed user_id or role_id", ErrInvalidInput)
	}
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return fmt.Errorf("find user: %w", err)
	}
	if _, err := s.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return roleLookupErr(roleID, err)
	}
	return nil
}

func roleLookupErr(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	return fmt.Errorf("role %s: %w", id, err)
}

func normalizeRoleName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxRoleNameLen {
		return "", fmt.Errorf("%w: role name exceeds %d characters", ErrInvalidInput, maxRoleNameLen)
	}
	return name, nil
}

// normalizeAccess rewrites an access string into its canonical comma-separated form.
func normalizeAccess(access string) string {
	return strings.Join(NormalizeScope(strings.Split(access, ",")), ",")
}
