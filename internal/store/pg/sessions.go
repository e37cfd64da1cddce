package pg

import (
	"context"
	"database/sql"

	"gatekeep.org/internal/auth"
)

type refreshTokenStore struct {
	db *sql.DB
}

// Upsert keeps a single record per user; a new login replaces the previous one.
func (s refreshTokenStore) Upsert(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4)
		on conflict (user_id) do update
		set token_hash = excluded.token_hash,
		    expires_at = excluded.expires_at,
		    created_at = excluded.created_at
	`, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return translate(err)
}

func (s refreshTokenStore) FindByUser(ctx context.Context, userID string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select user_id, token_hash, expires_at, created_at
		from refresh_tokens
		where user_id = $1
	`, userID).Scan(&tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &tok, nil
}

func (s refreshTokenStore) DeleteByUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, userID)
	return affectedOne(res, err)
}

type historyStore struct {
	db *sql.DB
}

func (s historyStore) Append(ctx context.Context, ev *auth.HistoryEvent) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_history (id, user_id, event, created_at)
		values ($1, $2, $3, $4)
	`, ev.ID, ev.UserID, ev.Event, ev.CreatedAt)
	return translate(err)
}

func (s historyStore) FindByUser(ctx context.Context, userID string, opts auth.FindOptions) ([]*auth.HistoryEvent, error) {
	query := `
		select id, user_id, event, created_at
		from user_history
		where user_id = $1
		order by created_at asc, id asc`
	if opts.Descending {
		query = `
		select id, user_id, event, created_at
		from user_history
		where user_id = $1
		order by created_at desc, id desc`
	}
	args := []any{userID}
	if opts.Limit > 0 {
		query += ` limit $2 offset $3`
		args = append(args, opts.Limit, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []*auth.HistoryEvent
	for rows.Next() {
		var ev auth.HistoryEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Event, &ev.CreatedAt); err != nil {
			return nil, translate(err)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}
