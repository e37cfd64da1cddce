package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gatekeep.org/internal/auth"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, login, password, first_name, last_name, created_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var u auth.User
	if err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, login, password, first_name, last_name, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Login, u.PasswordHash, u.FirstName, u.LastName, u.CreatedAt)
	return translate(err)
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s userStore) FindByLogin(ctx context.Context, login string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where login = $1`, login))
}

func (s userStore) Update(ctx context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Login != nil {
		setClauses = append(setClauses, fmt.Sprintf("login = $%d", idx))
		args = append(args, *upd.Login)
		idx++
	}
	if upd.PasswordHash != nil {
		setClauses = append(setClauses, fmt.Sprintf("password = $%d", idx))
		args = append(args, *upd.PasswordHash)
		idx++
	}
	if len(setClauses) == 0 {
		return s.Find(ctx, id)
	}
	query := fmt.Sprintf(`update users set %s where id = $%d returning `+userColumns, strings.Join(setClauses, ", "), idx)
	args = append(args, id)
	return scanUser(s.db.QueryRowContext(ctx, query, args...))
}

func (s userStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
