package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/store"
)

const (
	defaultSyncLimit = 20
	maxSyncLimit     = 100

	// Dimensions used for raw yuv420 frames when the settings row does
	// not carry a camera resolution.
	defaultCaptureWidth  = 1280
	defaultCaptureHeight = 720
)

// Notifier fans a notification out to the user's registered push
// tokens. Implemented by push.Service.
type Notifier interface {
	Notify(ctx context.Context, userID int64, title string, data map[string]string)
}

// ServiceConfig holds handler parameters.
type ServiceConfig struct {
	CaptureDir string
	// MotionRateLimit is the minimum gap between two motion
	// notifications for the same user. Zero disables the limit.
	MotionRateLimit time.Duration
}

// Service implements the hub's handlers for device frames: sensor
// events become notification rows and pushes, captures become files
// plus capture rows, sync requests are answered from the store.
type Service struct {
	store      *store.Store
	push       Notifier
	captureDir string
	rateLimit  time.Duration

	locks userLocks
}

// NewService builds the handler service and makes sure the capture
// directory exists.
func NewService(st *store.Store, push Notifier, cfg ServiceConfig) (*Service, error) {
	if cfg.CaptureDir == "" {
		return nil, fmt.Errorf("capture directory not configured")
	}
	if err := os.MkdirAll(cfg.CaptureDir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	return &Service{
		store:      st,
		push:       push,
		captureDir: cfg.CaptureDir,
		rateLimit:  cfg.MotionRateLimit,
	}, nil
}

// Register installs the device message handlers on gw.
func (s *Service) Register(gw *Gateway) {
	for t, h := range map[message.Type]HandlerFunc{
		message.TypePing:             s.handlePing,
		message.TypeMotionDetected:   s.handleSensorEvent,
		message.TypeFaceDetected:     s.handleSensorEvent,
		message.TypeButtonPressed:    s.handleSensorEvent,
		message.TypeCapture:          s.handleCapture,
		message.TypeNotificationSync: s.handleSync,
	} {
		gw.Register(t, h)
	}
}

func (s *Service) handlePing(_ context.Context, sess *Session, msg *message.Message) (*message.Message, error) {
	var p message.Ping
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&p); err == nil {
			log.Debug("device vitals",
				"sessionId", sess.ID,
				"uptimeS", p.UptimeSeconds,
				"cpuPercent", p.CPUPercent,
				"memPercent", p.MemPercent)
		}
	}
	return message.NewReply(msg, message.TypePong, nil)
}

// notificationKind maps a sensor event type to the stored notification
// type and the title shown on pushes.
func notificationKind(t message.Type) (title, kind string, ok bool) {
	switch t {
	case message.TypeMotionDetected:
		return "Motion Detected", "motion_detected", true
	case message.TypeFaceDetected:
		return "Face Detected", "face_detected", true
	case message.TypeButtonPressed:
		return "Doorbell Pressed", "button_pressed", true
	default:
		return "", "", false
	}
}

func (s *Service) handleSensorEvent(ctx context.Context, sess *Session, msg *message.Message) (*message.Message, error) {
	title, kind, ok := notificationKind(msg.Type)
	if !ok {
		return nil, fmt.Errorf("not a sensor event: %s", msg.Type)
	}

	// The motion check-then-insert must be serialized per user, or two
	// concurrent events could both pass the rate limit check.
	if msg.Type == message.TypeMotionDetected && s.rateLimit > 0 {
		mu := s.locks.get(sess.UserID)
		mu.Lock()
		defer mu.Unlock()

		last, found, err := s.store.LastMotionNotificationAt(ctx, sess.UserID)
		if err != nil {
			return nil, fmt.Errorf("check rate limit: %w", err)
		}
		if found && time.Since(last) < s.rateLimit {
			log.Info("motion event rate limited",
				"userId", sess.UserID, "window", s.rateLimit, logging.KeyMsgID, msg.ID)
			return message.NewReply(msg, message.TypeNotificationAck,
				message.NotificationAck{Status: message.StatusRateLimited})
		}
	}

	n, created, err := s.store.CreateNotification(ctx, store.NotificationInput{
		UserID:     sess.UserID,
		Title:      title,
		Type:       kind,
		RPiEventID: msg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	if created {
		s.push.Notify(ctx, sess.UserID, n.Title, pushData(n))
	} else {
		// Redelivery after a reconnect. The row already exists, so the
		// ack repeats the original outcome and no push goes out.
		log.Info("duplicate sensor event acknowledged", logging.KeyMsgID, msg.ID, "notificationId", n.ID)
	}

	return message.NewReply(msg, message.TypeNotificationAck,
		message.NotificationAck{Status: message.StatusProcessed, NotificationID: n.ID})
}

func pushData(n *store.Notification) map[string]string {
	return map[string]string{
		"id":           strconv.FormatInt(n.ID, 10),
		"title":        n.Title,
		"type":         n.Type,
		"rpi_event_id": n.RPiEventID,
		"created_at":   n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) handleCapture(ctx context.Context, sess *Session, msg *message.Message) (*message.Message, error) {
	var p message.Capture
	if err := msg.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.ImageDataB64 == "" {
		return nil, fmt.Errorf("capture missing image data")
	}

	raw, err := base64.StdEncoding.DecodeString(p.ImageDataB64)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}

	var notificationID *int64
	if p.AssociatedTo != "" {
		n, err := s.store.NotificationByRPiEvent(ctx, sess.UserID, p.AssociatedTo)
		switch {
		case err == nil:
			notificationID = &n.ID
		case errors.Is(err, store.ErrNotFound):
			// The capture beat its notification to the hub. Store it
			// unlinked; the notification insert adopts it later.
			log.Warn("no notification yet for capture", "eventId", p.AssociatedTo)
		default:
			return nil, fmt.Errorf("look up notification: %w", err)
		}
	}

	width, height := s.captureResolution(ctx)
	ext, img, err := muxImage(raw, p.ImageFormat, width, height)
	if err != nil {
		return nil, fmt.Errorf("mux capture image: %w", err)
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("capture_%s_%s%s", ts.UTC().Format("20060102_150405"), uuid.NewString(), ext)
	if err := os.WriteFile(filepath.Join(s.captureDir, name), img, 0o644); err != nil {
		return nil, fmt.Errorf("write capture file: %w", err)
	}

	row, err := s.store.CreateCapture(ctx, p.AssociatedTo, notificationID, name)
	if err != nil {
		return nil, fmt.Errorf("create capture row: %w", err)
	}
	log.Info("capture stored",
		"captureId", row.ID, "file", name, "hasFace", p.HasFace, "eventId", p.AssociatedTo)

	return message.NewReply(msg, message.TypeCaptureAck, message.CaptureAck{
		Status:                 message.StatusCaptureSaved,
		CaptureID:              row.ID,
		LinkedToNotificationID: notificationID,
	})
}

func (s *Service) handleSync(ctx context.Context, sess *Session, msg *message.Message) (*message.Message, error) {
	limit := defaultSyncLimit
	if len(msg.Payload) > 0 {
		var req message.SyncRequest
		if err := msg.DecodePayload(&req); err != nil {
			return nil, err
		}
		if req.Limit > 0 {
			limit = req.Limit
		}
	}
	if limit > maxSyncLimit {
		limit = maxSyncLimit
	}

	ns, err := s.store.RecentNotifications(ctx, sess.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}

	summaries := make([]message.NotificationSummary, 0, len(ns))
	for _, n := range ns {
		summaries = append(summaries, message.NotificationSummary{
			ID:         n.ID,
			Title:      n.Title,
			RPiEventID: n.RPiEventID,
			CreatedAt:  n.CreatedAt,
		})
	}
	return message.NewReply(msg, message.TypeNotificationSyncResponse,
		message.SyncResponse{Notifications: summaries})
}

// captureResolution reads the camera resolution from the stored device
// settings, falling back to the device default when the row is absent
// or does not carry one.
func (s *Service) captureResolution(ctx context.Context) (int, int) {
	raw, err := s.store.GetSettings(ctx)
	if err != nil {
		return defaultCaptureWidth, defaultCaptureHeight
	}
	var cfg struct {
		Camera struct {
			Resolution struct {
				Width  int `json:"width"`
				Height int `json:"height"`
			} `json:"resolution"`
		} `json:"camera"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return defaultCaptureWidth, defaultCaptureHeight
	}
	if cfg.Camera.Resolution.Width > 0 && cfg.Camera.Resolution.Height > 0 {
		return cfg.Camera.Resolution.Width, cfg.Camera.Resolution.Height
	}
	return defaultCaptureWidth, defaultCaptureHeight
}

// userLocks hands out one mutex per user id.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (l *userLocks) get(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[int64]*sync.Mutex)
	}
	lk, ok := l.m[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.m[userID] = lk
	}
	return lk
}
