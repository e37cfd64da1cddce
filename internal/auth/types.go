package auth

import "time"

// User is an identity with its login credential.
type User struct {
	ID           string    `json:"id"`
	Login        string    `json:"login"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Role carries a comma-separated list of permission tokens in Access.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Access    string    `json:"access"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleUpdate lists the role fields to change; nil fields are left untouched.
type RoleUpdate struct {
	Name   *string
	Access *string
}

// UserUpdate lists the credential fields to change; nil fields are left untouched.
type UserUpdate struct {
	Login        *string
	PasswordHash *string
}

// RefreshToken is the server-side record backing a user's refresh token.
// A user has at most one record; TokenHash is the hex SHA-256 of the signed token.
type RefreshToken struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// HistoryEvent is an append-only audit record of a session event.
type HistoryEvent struct {
	ID        string    `json:"-"`
	UserID    string    `json:"-"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// Session history event descriptions.
const (
	EventLoggedIn  = "Account logged in"
	EventLoggedOut = "Account logged out"
	EventChanged   = "Account credentials changed"
)

// HistoryQuery paginates a user's history. Without PageSize the full history is returned
// and PageNumber is ignored.
type HistoryQuery struct {
	PageSize   *int
	PageNumber *int
	Descending *bool
}

// FindOptions is the store-level shape of a paginated, ordered lookup.
type FindOptions struct {
	Offset     int
	Limit      int
	Descending bool
}

// TokenPair is the result of a successful login.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// SignupRequest carries new-user data.
type SignupRequest struct {
	Login     string `json:"login"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ChangeRequest replaces the caller's login and password.
type ChangeRequest struct {
	OldPassword string `json:"old_password"`
	NewLogin    string `json:"new_login"`
	NewPassword string `json:"new_password"`
}
