package store

import (
	"context"
	"database/sql"
)

func (s *LibSQLStore) PutSecret(ctx context.Context, name string, value []byte) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (name, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, now, now,
	); err != nil {
		return storeError("put secret", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", name)
	}
	if err != nil {
		return nil, storeError("get secret", err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return storeError("delete secret", err)
	}
	return checkRowsAffected(res, "secret", name)
}

// ListSecrets returns secret names only, sorted.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, storeError("list secrets", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storeError("scan secret", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
