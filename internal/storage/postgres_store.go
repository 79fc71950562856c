package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresKV stores records in reminder_preferences, scoped by user id.
// Schema: migrations/001_create_reminder_preferences.sql.
type PostgresKV struct {
	db    *sql.DB
	scope string
}

// OpenPostgres opens and pings a lib/pq connection.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresKV(db *sql.DB, scope string) *PostgresKV {
	return &PostgresKV{db: db, scope: scope}
}

func (p *PostgresKV) All(ctx context.Context) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT coupon_id, payload FROM reminder_preferences WHERE user_id = $1`, p.scope)
	if err != nil {
		return nil, fmt.Errorf("query reminder_preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan reminder_preferences: %w", err)
		}
		out[id] = payload
	}
	return out, rows.Err()
}

func (p *PostgresKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO reminder_preferences(user_id, coupon_id, payload, updated_at) VALUES($1, $2, $3, now())
		ON CONFLICT (user_id, coupon_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		p.scope, key, string(value))
	if err != nil {
		return fmt.Errorf("upsert reminder_preferences %s: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM reminder_preferences WHERE user_id = $1 AND coupon_id = $2`, p.scope, key)
	if err != nil {
		return fmt.Errorf("delete reminder_preferences %s: %w", key, err)
	}
	return nil
}
