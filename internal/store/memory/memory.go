// Package memory keeps every auth store in process memory. It enforces the same
// uniqueness rules as the PostgreSQL schema.
package memory

import (
	"context"
	"sort"
	"sync"

	"gatekeep.org/internal/auth"
)

// Store is an in-memory auth.Store safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	users     map[string]auth.User
	logins    map[string]string
	roles     map[string]auth.Role
	roleNames map[string]string
	links     map[string]map[string]struct{}
	refresh   map[string]auth.RefreshToken
	history   map[string][]auth.HistoryEvent
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]auth.User),
		logins:    make(map[string]string),
		roles:     make(map[string]auth.Role),
		roleNames: make(map[string]string),
		links:     make(map[string]map[string]struct{}),
		refresh:   make(map[string]auth.RefreshToken),
		history:   make(map[string][]auth.HistoryEvent),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Users(context.Context) auth.UserStore { return users{s} }

func (s *Store) Roles(context.Context) auth.RoleStore { return roles{s} }

func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return refreshTokens{s} }

func (s *Store) History(context.Context) auth.HistoryStore { return history{s} }

type users struct{ s *Store }

func (u users) Create(_ context.Context, user *auth.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.logins[user.Login]; ok {
		return auth.ErrConflict
	}
	if _, ok := u.s.users[user.ID]; ok {
		return auth.ErrConflict
	}
	u.s.users[user.ID] = *user
	u.s.logins[user.Login] = user.ID
	return nil
}

func (u users) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &user, nil
}

func (u users) FindByLogin(_ context.Context, login string) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	id, ok := u.s.logins[login]
	if !ok {
		return nil, auth.ErrNotFound
	}
	user := u.s.users[id]
	return &user, nil
}

func (u users) Update(_ context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Login != nil && *upd.Login != user.Login {
		if _, taken := u.s.logins[*upd.Login]; taken {
			return nil, auth.ErrConflict
		}
		delete(u.s.logins, user.Login)
		user.Login = *upd.Login
		u.s.logins[user.Login] = id
	}
	if upd.PasswordHash != nil {
		user.PasswordHash = *upd.PasswordHash
	}
	u.s.users[id] = user
	return &user, nil
}

func (u users) Delete(_ context.Context, id string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(u.s.users, id)
	delete(u.s.logins, user.Login)
	delete(u.s.links, id)
	delete(u.s.refresh, id)
	delete(u.s.history, id)
	return nil
}

type roles struct{ s *Store }

func (r roles) Create(_ context.Context, role *auth.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.roleNames[role.Name]; ok {
		return auth.ErrConflict
	}
	if _, ok := r.s.roles[role.ID]; ok {
		return auth.ErrConflict
	}
	r.s.roles[role.ID] = *role
	r.s.roleNames[role.Name] = role.ID
	return nil
}

func (r roles) Find(_ context.Context, id string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &role, nil
}

func (r roles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.roleNames[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	role := r.s.roles[id]
	return &role, nil
}

func (r roles) List(context.Context) ([]*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		role := role
		out = append(out, &role)
	}
	sortRoles(out)
	return out, nil
}

func (r roles) Update(_ context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil && *upd.Name != role.Name {
		if _, taken := r.s.roleNames[*upd.Name]; taken {
			return nil, auth.ErrConflict
		}
		delete(r.s.roleNames, role.Name)
		role.Name = *upd.Name
		r.s.roleNames[role.Name] = id
	}
	if upd.Access != nil {
		role.Access = *upd.Access
	}
	r.s.roles[id] = role
	return &role, nil
}

func (r roles) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(r.s.roles, id)
	delete(r.s.roleNames, role.Name)
	for _, set := range r.s.links {
		delete(set, id)
	}
	return nil
}

func (r roles) Assign(_ context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := r.s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set := r.s.links[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.s.links[userID] = set
	}
	if _, ok := set[roleID]; ok {
		return auth.ErrConflict
	}
	set[roleID] = struct{}{}
	return nil
}

func (r roles) Unassign(_ context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	set := r.s.links[userID]
	if _, ok := set[roleID]; !ok {
		return auth.ErrNotFound
	}
	delete(set, roleID)
	return nil
}

func (r roles) RolesForUser(_ context.Context, userID string) ([]*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*auth.Role, 0, len(r.s.links[userID]))
	for roleID := range r.s.links[userID] {
		if role, ok := r.s.roles[roleID]; ok {
			out = append(out, &role)
		}
	}
	sortRoles(out)
	return out, nil
}

func sortRoles(list []*auth.Role) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}

type refreshTokens struct{ s *Store }

func (t refreshTokens) Upsert(_ context.Context, tok *auth.RefreshToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.users[tok.UserID]; !ok {
		return auth.ErrNotFound
	}
	t.s.refresh[tok.UserID] = *tok
	return nil
}

func (t refreshTokens) FindByUser(_ context.Context, userID string) (*auth.RefreshToken, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.refresh[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &tok, nil
}

func (t refreshTokens) DeleteByUser(_ context.Context, userID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.refresh[userID]; !ok {
		return auth.ErrNotFound
	}
	delete(t.s.refresh, userID)
	return nil
}

type history struct{ s *Store }

func (h history) Append(_ context.Context, ev *auth.HistoryEvent) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if _, ok := h.s.users[ev.UserID]; !ok {
		return auth.ErrNotFound
	}
	h.s.history[ev.UserID] = append(h.s.history[ev.UserID], *ev)
	return nil
}

func (h history) FindByUser(_ context.Context, userID string, opts auth.FindOptions) ([]*auth.HistoryEvent, error) {
	h.s.mu.Lock()
	stored := h.s.history[userID]
	events := make([]auth.HistoryEvent, len(stored))
	for i, ev := range stored {
		if opts.Descending {
			events[len(stored)-1-i] = ev
		} else {
			events[i] = ev
		}
	}
	h.s.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		if opts.Descending {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(events) {
			events = nil
		} else {
			events = events[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[:opts.Limit]
	}
	out := make([]*auth.HistoryEvent, len(events))
	for i := range events {
		out[i] = &events[i]
	}
	return out, nil
}
