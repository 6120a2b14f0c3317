package store

import (
	"context"
	"database/sql"
	"errors"
)

const (
	schemaVersion     = 1
	metaSchemaVersion = "schema_version"
)

// SetMetadata upserts a key-value pair in the store_metadata table.
func (s *SQLStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO store_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *SQLStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM store_metadata WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
