package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Capture is a stored snapshot image. NotificationID is nil while the
// capture is waiting for its event's notification to arrive.
type Capture struct {
	ID             int64
	NotificationID *int64
	RPiEventID     string
	Path           string
	CreatedAt      time.Time
}

var captureSortColumns = map[string]string{
	"id":         "id",
	"path":       "path",
	"created_at": "created_at",
}

const captureColumns = "id, notification_id, rpi_event_id, path, created_at"

func scanCapture(row rowScanner) (*Capture, error) {
	var (
		c      Capture
		linked sql.NullInt64
	)
	if err := row.Scan(&c.ID, &linked, &c.RPiEventID, &c.Path, &c.CreatedAt); err != nil {
		return nil, err
	}
	if linked.Valid {
		c.NotificationID = &linked.Int64
	}
	return &c, nil
}

// CreateCapture inserts a capture row. notificationID may be nil when
// the matching notification has not been created yet; the notification
// insert adopts the row later by rpi_event_id.
func (s *Store) CreateCapture(ctx context.Context, rpiEventID string, notificationID *int64, path string) (*Capture, error) {
	var linked sql.NullInt64
	if notificationID != nil {
		linked = sql.NullInt64{Int64: *notificationID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (notification_id, rpi_event_id, path, created_at) VALUES (?, ?, ?, ?)`,
		linked, rpiEventID, path, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert capture: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert id: %w", err)
	}
	return s.CaptureByID(ctx, id)
}

// CaptureByID returns one capture or ErrNotFound.
func (s *Store) CaptureByID(ctx context.Context, id int64) (*Capture, error) {
	c, err := scanCapture(s.db.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return c, nil
}

// ListCaptures returns one page of captures.
func (s *Store) ListCaptures(ctx context.Context, opts ListOptions) ([]*Capture, error) {
	tail, err := orderClause(captureSortColumns, opts)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+captureColumns+` FROM captures`+tail)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []*Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CapturesByNotificationIDs loads the captures linked to any of the
// given notifications, grouped by notification id. Used to embed
// captures in notification listings.
func (s *Store) CapturesByNotificationIDs(ctx context.Context, ids []int64) (map[int64][]*Capture, error) {
	out := make(map[int64][]*Capture)
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE notification_id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load linked captures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		out[*c.NotificationID] = append(out[*c.NotificationID], c)
	}
	return out, rows.Err()
}

// CountCaptures returns the total capture count.
func (s *Store) CountCaptures(ctx context.Context) (int64, error) {
	var hits int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&hits); err != nil {
		return 0, fmt.Errorf("failed to count captures: %w", err)
	}
	return hits, nil
}

// DeleteCapture deletes one capture row. Returns ErrNotFound for an
// unknown id. The image file on disk is left alone.
func (s *Store) DeleteCapture(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
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

// DeleteCaptures deletes a batch by id, skipping unknown ids.
func (s *Store) DeleteCaptures(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM captures WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete captures: %w", err)
	}
	return res.RowsAffected()
}
