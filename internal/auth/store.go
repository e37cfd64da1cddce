package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	History(ctx context.Context) HistoryStore
}

// UserStore manages users. Create returns ErrConflict when the login is taken.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByLogin(ctx context.Context, login string) (*User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
	Delete(ctx context.Context, id string) error
}

// RoleStore manages roles and user-role links.
// Assign returns ErrConflict on a duplicate pair; Unassign returns ErrNotFound when the pair is absent.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	Delete(ctx context.Context, id string) error

	Assign(ctx context.Context, userID, roleID string) error
	Unassign(ctx context.Context, userID, roleID string) error
	RolesForUser(ctx context.Context, userID string) ([]*Role, error)
}

// RefreshTokenStore keeps one refresh-token record per user.
type RefreshTokenStore interface {
	// Upsert replaces any existing record for tok.UserID.
	Upsert(ctx context.Context, tok *RefreshToken) error
	FindByUser(ctx context.Context, userID string) (*RefreshToken, error)
	DeleteByUser(ctx context.Context, userID string) error
}

// HistoryStore appends and pages session history.
type HistoryStore interface {
	Append(ctx context.Context, ev *HistoryEvent) error
	// FindByUser orders by CreatedAt. A zero Limit returns every row.
	FindByUser(ctx context.Context, userID string, opts FindOptions) ([]*HistoryEvent, error)
}

// Denylist is the time-bounded set of revoked token identifiers.
// Implementations wrap ErrUnavailable when the backing store cannot be reached.
type Denylist interface {
	Deny(ctx context.Context, jti, owner string, ttl time.Duration) error
	// DenyOnce records jti unless it is already denied and reports whether this call added it.
	DenyOnce(ctx context.Context, jti, owner string, ttl time.Duration) (bool, error)
	IsDenied(ctx context.Context, jti string) (bool, error)
	Close() error
}
