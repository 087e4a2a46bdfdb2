package store

import (
	"context"
	"fmt"
	"time"
)

// FCMDevice is a push registration for one physical phone or tablet.
type FCMDevice struct {
	ID               int64
	UserID           int64
	FCMToken         string
	PhysicalDeviceID string
	DeviceType       string
	AppVersion       string
	LastSeenAt       time.Time
	CreatedAt        time.Time
}

// FCMDeviceInput is the registration payload from the mobile app.
type FCMDeviceInput struct {
	UserID           int64
	FCMToken         string
	PhysicalDeviceID string
	DeviceType       string
	AppVersion       string
}

// UpsertFCMDevice registers a device for push. Re-registering the same
// (user, physical device) pair replaces the token and bumps
// last_seen_at instead of growing a second row. A token that moved to
// a different physical device evicts its old row first so the unique
// token index cannot trip the upsert.
func (s *Store) UpsertFCMDevice(ctx context.Context, in FCMDeviceInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fcm_devices WHERE fcm_token = ? AND NOT (user_id = ? AND physical_device_id = ?)`,
		in.FCMToken, in.UserID, in.PhysicalDeviceID); err != nil {
		return fmt.Errorf("failed to evict stale token row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fcm_devices (user_id, fcm_token, physical_device_id, device_type, app_version, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, physical_device_id) DO UPDATE SET
			fcm_token = excluded.fcm_token,
			device_type = excluded.device_type,
			app_version = excluded.app_version,
			last_seen_at = excluded.last_seen_at`,
		in.UserID, in.FCMToken, in.PhysicalDeviceID, in.DeviceType, in.AppVersion, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert fcm device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fcm device: %w", err)
	}
	return nil
}

// PushTokensForUser returns the user's registered FCM tokens.
func (s *Store) PushTokensForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fcm_token FROM fcm_devices WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteFCMToken removes a registration whose token the provider
// reported as dead.
func (s *Store) DeleteFCMToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fcm_devices WHERE fcm_token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete fcm token: %w", err)
	}
	return nil
}

// CountFCMDevices returns the number of registrations for a user.
func (s *Store) CountFCMDevices(ctx context.Context, userID int64) (int64, error) {
	var hits int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fcm_devices WHERE user_id = ?`, userID).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("failed to count fcm devices: %w", err)
	}
	return hits, nil
}
