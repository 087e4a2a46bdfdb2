package message

import (
	"encoding/json"
	"time"
)

// Ack status values.
const (
	StatusProcessed    = "processed"
	StatusRateLimited  = "rate_limited"
	StatusCaptureSaved = "capture_received_and_saved"

	StatusStreaming = "streaming"
	StatusStopped   = "stopped"
	StatusNoop      = "noop"
)

// Settings request kinds.
const (
	SettingsGet    = "get_settings"
	SettingsChange = "change_settings"
)

// Capture is the CAPTURE payload. AssociatedTo is the event id of the
// sensor event this frame belongs to.
type Capture struct {
	AssociatedTo string    `json:"associated_to"`
	Timestamp    time.Time `json:"timestamp"`
	ImageFormat  string    `json:"image_format"`
	ImageDataB64 string    `json:"image_data_b64"`
	HasFace      bool      `json:"has_face"`
}

// Ping carries device vitals with each heartbeat.
type Ping struct {
	UptimeSeconds uint64  `json:"uptime_s"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
}

// NotificationAck is the hub's reply to a sensor event.
type NotificationAck struct {
	Status         string `json:"status"`
	NotificationID int64  `json:"notification_id,omitempty"`
}

// CaptureAck is the hub's reply to a CAPTURE frame. The link id is nil
// when the capture arrived before its notification was committed.
type CaptureAck struct {
	Status                 string `json:"status"`
	CaptureID              int64  `json:"capture_id,omitempty"`
	LinkedToNotificationID *int64 `json:"linked_to_notification_id,omitempty"`
}

// SettingsRequest is the hub's hub→device settings frame. Data is only
// present for change_settings.
type SettingsRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Color is an RGB triple, channels 0-255.
type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// TriggerSnapshot reports a sensor's live tuning. Debounce is seconds.
type TriggerSnapshot struct {
	Debounce    float64 `json:"debounce"`
	PollingRate float64 `json:"polling_rate"`
}

type StopMotionSnapshot struct {
	Interval float64 `json:"interval"`
	Duration int     `json:"duration"`
}

type CameraSnapshot struct {
	Bitrate    int                `json:"bitrate"`
	StopMotion StopMotionSnapshot `json:"stop_motion"`
}

// SettingsSnapshot is the SETTINGS_ACK payload for get_settings.
type SettingsSnapshot struct {
	Color        Color           `json:"color"`
	Camera       CameraSnapshot  `json:"camera"`
	MotionSensor TriggerSnapshot `json:"motion_sensor"`
	Button       TriggerSnapshot `json:"button"`
}

// SettingsUpdate is the change_settings data. Nil fields are left
// untouched on the device.
type SettingsUpdate struct {
	Button       *TriggerUpdate `json:"button,omitempty"`
	MotionSensor *TriggerUpdate `json:"motion_sensor,omitempty"`
	Camera       *CameraUpdate  `json:"camera,omitempty"`
	Color        *Color         `json:"color,omitempty"`
}

type TriggerUpdate struct {
	Debounce    *float64 `json:"debounce,omitempty"`
	PollingRate *float64 `json:"polling_rate,omitempty"`
}

type CameraUpdate struct {
	Bitrate    *int              `json:"bitrate,omitempty"`
	StopMotion *StopMotionUpdate `json:"stop_motion,omitempty"`
}

type StopMotionUpdate struct {
	Interval *float64 `json:"interval,omitempty"`
	Duration *int     `json:"duration,omitempty"`
}

// StreamAck reports the device's reaction to STREAM_START/STREAM_STOP.
type StreamAck struct {
	Status string `json:"status"`
}

// SyncRequest asks the hub for the most recent notifications so a
// reconnecting device can reconcile what it missed.
type SyncRequest struct {
	Limit int `json:"limit"`
}

// NotificationSummary is one entry of a NOTIFICATION_SYNC_RESPONSE.
type NotificationSummary struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	RPiEventID string    `json:"rpi_event_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type SyncResponse struct {
	Notifications []NotificationSummary `json:"notifications"`
}

// AuthResult is sent by the hub once a device session is accepted.
type AuthResult struct {
	Status string `json:"status"`
	UserID int64  `json:"user_id"`
}

// ErrorPayload carries a handler failure back to the peer without
// closing the connection.
type ErrorPayload struct {
	Error string `json:"error"`
}
