package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gatekeep.org/internal/auth"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `id, name, access, created_at`

func scanRole(row interface{ Scan(...any) error }) (*auth.Role, error) {
	var r auth.Role
	if err := row.Scan(&r.ID, &r.Name, &r.Access, &r.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s roleStore) Create(ctx context.Context, role *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, access, created_at)
		values ($1, $2, $3, $4)
	`, role.ID, role.Name, role.Access, role.CreatedAt)
	return translate(err)
}

func (s roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
}

func (s roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
}

func (s roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, translate(err)
	}
	return collectRoles(rows)
}

func (s roleStore) Update(ctx context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Access != nil {
		setClauses = append(setClauses, fmt.Sprintf("access = $%d", idx))
		args = append(args, *upd.Access)
		idx++
	}
	if len(setClauses) == 0 {
		return s.Find(ctx, id)
	}
	query := fmt.Sprintf(`update roles set %s where id = $%d returning `+roleColumns, strings.Join(setClauses, ", "), idx)
	args = append(args, id)
	return scanRole(s.db.QueryRowContext(ctx, query, args...))
}

// Delete removes the role; user links go with it through the cascading foreign key.
func (s roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	return affectedOne(res, err)
}

func (s roleStore) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `insert into user_roles (user_id, role_id) values ($1, $2)`, userID, roleID)
	return translate(err)
}

func (s roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	return affectedOne(res, err)
}

func (s roleStore) RolesForUser(ctx context.Context, userID string) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.access, r.created_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, translate(err)
	}
	return collectRoles(rows)
}

func collectRoles(rows *sql.Rows) ([]*auth.Role, error) {
	defer rows.Close()
	var out []*auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}
