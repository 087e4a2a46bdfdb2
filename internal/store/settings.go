package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings rows hold the hub's copy of the device configuration as one
// JSON document in a singleton row. The device remains the source of
// truth; this is what the API serves when the device is offline.

// GetSettings returns the stored settings document or ErrNotFound when
// nothing has been saved yet.
func (s *Store) GetSettings(ctx context.Context) ([]byte, error) {
	var config []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM settings WHERE id = 1`).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return config, nil
}

// UpdateSettings replaces the settings document.
func (s *Store) UpdateSettings(ctx context.Context, config []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id, config, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
			config = excluded.config,
			updated_at = CURRENT_TIMESTAMP`, config)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}
