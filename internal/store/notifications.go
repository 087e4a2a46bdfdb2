package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Notification is a persisted doorbell event. Rows are immutable once
// created; rpi_event_id carries the device's msg_id and is the
// idempotency key for replays.
type Notification struct {
	ID         int64
	UserID     int64
	Title      string
	Type       string
	RPiEventID string
	CreatedAt  time.Time
}

// NotificationInput is the insertable part of a notification.
type NotificationInput struct {
	UserID     int64
	Title      string
	Type       string
	RPiEventID string
}

var notificationSortColumns = map[string]string{
	"id":         "id",
	"title":      "title",
	"type":       "type",
	"created_at": "created_at",
}

const notificationColumns = "id, user_id, title, type, rpi_event_id, created_at"

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Type, &n.RPiEventID, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a notification, treating a duplicate
// rpi_event_id as an idempotent success: the existing row is returned
// and created is false. On a fresh insert any captures that arrived
// ahead of the event are linked in the same transaction.
func (s *Store) CreateNotification(ctx context.Context, in NotificationInput) (n *Notification, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO notifications (user_id, title, type, rpi_event_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(rpi_event_id) DO NOTHING`,
		in.UserID, in.Title, in.Type, in.RPiEventID, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	created = affected > 0

	if created {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read insert id: %w", err)
		}
		// Captures can outrun their event on the wire; adopt any
		// orphan rows waiting on this event id.
		if _, err := tx.ExecContext(ctx,
			`UPDATE captures SET notification_id = ? WHERE rpi_event_id = ? AND notification_id IS NULL`,
			id, in.RPiEventID); err != nil {
			return nil, false, fmt.Errorf("failed to link pending captures: %w", err)
		}
	}

	n, err = scanNotification(tx.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE rpi_event_id = ?`, in.RPiEventID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit notification: %w", err)
	}
	return n, created, nil
}

// NotificationByRPiEvent resolves a notification by the device event id
// it was created for, scoped to the owning user.
func (s *Store) NotificationByRPiEvent(ctx context.Context, userID int64, eventID string) (*Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? AND rpi_event_id = ?`,
		userID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// LastMotionNotificationAt returns the creation time of the user's most
// recent motion notification. ok is false when there is none.
func (s *Store) LastMotionNotificationAt(ctx context.Context, userID int64) (t time.Time, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM notifications WHERE user_id = ? AND type = 'motion_detected'
		 ORDER BY created_at DESC LIMIT 1`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get last motion notification: %w", err)
	}
	return t, true, nil
}

// ListNotifications returns one page of the user's notifications.
func (s *Store) ListNotifications(ctx context.Context, userID int64, opts ListOptions) ([]*Notification, error) {
	tail, err := orderClause(notificationSortColumns, opts)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ?`+tail, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentNotifications returns the user's newest notifications, capped
// at limit. Used to answer device sync requests after reconnect.
func (s *Store) RecentNotifications(ctx context.Context, userID int64, limit int) ([]*Notification, error) {
	if limit < 1 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountNotifications returns the user's total notification count.
func (s *Store) CountNotifications(ctx context.Context, userID int64) (int64, error) {
	var hits int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return hits, nil
}

// DeleteNotification deletes one notification and, via the foreign
// key, its linked captures. Returns ErrNotFound for an unknown id.
func (s *Store) DeleteNotification(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNotifications deletes a batch by id, skipping unknown ids, and
// reports how many rows went away.
func (s *Store) DeleteNotifications(ctx context.Context, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return res.RowsAffected()
}
