package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values
// that were clamped to a safe range and only warrant a warning.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

func (r *ValidationResult) logWarnings() {
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
}

// ValidateTiered checks the device config. Out-of-range values are
// clamped in place and reported as warnings; values the controller
// cannot run with are fatal.
func (c *Controller) ValidateTiered() ValidationResult {
	var r ValidationResult

	checkWSEndpoint(&r, "ws_url", c.WSURL)
	checkWSEndpoint(&r, "signaling_server_url", c.SignalingServerURL)

	if c.AuthToken == "" {
		r.fatal("auth_token is required")
	} else if hasControlChars(c.AuthToken) {
		r.fatal("auth_token contains control characters")
	}

	if c.SourceID == "" {
		r.warn("source_id is empty, using %q", "rpi")
		c.SourceID = "rpi"
	}

	clampTrigger(&r, "button", &c.Button)
	clampTrigger(&r, "motion_sensor", &c.MotionSensor)

	if c.Camera.Resolution.Width < 16 || c.Camera.Resolution.Height < 16 {
		r.warn("camera.resolution %dx%d is below minimum 16x16, using 1280x720",
			c.Camera.Resolution.Width, c.Camera.Resolution.Height)
		c.Camera.Resolution = Resolution{Width: 1280, Height: 720}
	}
	if c.Camera.Framerate < 1 {
		r.warn("camera.framerate %d is below minimum 1, clamping", c.Camera.Framerate)
		c.Camera.Framerate = 1
	} else if c.Camera.Framerate > 60 {
		r.warn("camera.framerate %d exceeds maximum 60, clamping", c.Camera.Framerate)
		c.Camera.Framerate = 60
	}
	switch c.Camera.Format {
	case "jpeg", "png", "yuv420":
	default:
		r.warn("camera.format %q is not supported, using %q", c.Camera.Format, "jpeg")
		c.Camera.Format = "jpeg"
	}
	if c.Camera.Bitrate < 100_000 {
		r.warn("camera.bitrate %d is below minimum 100000, clamping", c.Camera.Bitrate)
		c.Camera.Bitrate = 100_000
	}
	if c.Camera.StopMotion.IntervalSeconds < 0.1 {
		r.warn("camera.stop_motion.interval_seconds %.3f is below minimum 0.1, clamping",
			c.Camera.StopMotion.IntervalSeconds)
		c.Camera.StopMotion.IntervalSeconds = 0.1
	}
	if c.Camera.StopMotion.DurationSeconds < 1 {
		r.warn("camera.stop_motion.duration_seconds %d is below minimum 1, clamping",
			c.Camera.StopMotion.DurationSeconds)
		c.Camera.StopMotion.DurationSeconds = 1
	}

	clampChannel(&r, "rgb.color.r", &c.RGB.Color.R)
	clampChannel(&r, "rgb.color.g", &c.RGB.Color.G)
	clampChannel(&r, "rgb.color.b", &c.RGB.Color.B)
	if c.RGB.Freq < 1 {
		r.warn("rgb.freq %d is below minimum 1, clamping", c.RGB.Freq)
		c.RGB.Freq = 1
	}

	if c.WebRTC.RoomID == "" {
		r.warn("webrtc.room_id is empty, using %q", "doorbell")
		c.WebRTC.RoomID = "doorbell"
	}

	if c.Streaming.CooldownSeconds < 0 {
		r.warn("streaming.cooldown_seconds %d is negative, clamping to 0", c.Streaming.CooldownSeconds)
		c.Streaming.CooldownSeconds = 0
	}

	if c.Queues.Events < 1 {
		r.warn("queues.events %d is below minimum 1, using 256", c.Queues.Events)
		c.Queues.Events = 256
	}
	if c.Queues.Captures < 1 {
		r.warn("queues.captures %d is below minimum 1, using 64", c.Queues.Captures)
		c.Queues.Captures = 64
	}

	if c.ReplyTimeoutSecs < 1 {
		r.warn("reply_timeout_seconds %d is below minimum 1, clamping", c.ReplyTimeoutSecs)
		c.ReplyTimeoutSecs = 1
	}
	if c.PingIntervalSecs < 5 {
		r.warn("ping_interval_seconds %d is below minimum 5, clamping", c.PingIntervalSecs)
		c.PingIntervalSecs = 5
	} else if c.PingIntervalSecs > 3600 {
		r.warn("ping_interval_seconds %d exceeds maximum 3600, clamping", c.PingIntervalSecs)
		c.PingIntervalSecs = 3600
	}

	validateLog(&r, &c.Log)

	r.logWarnings()
	return r
}

// ValidateTiered checks the hub config. JWT signing keys have no safe
// default, so missing keys are fatal.
func (c *Hub) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ListenAddr == "" {
		r.warn("listen_addr is empty, using %q", ":8000")
		c.ListenAddr = ":8000"
	}
	if c.DatabasePath == "" {
		r.warn("database_path is empty, using %q", "doorbell.db")
		c.DatabasePath = "doorbell.db"
	}
	if c.CaptureDir == "" {
		r.warn("capture_dir is empty, using %q", "captures")
		c.CaptureDir = "captures"
	}

	if c.MotionRateLimitMinutes < 0 {
		r.warn("motion_rate_limit_minutes %d is negative, clamping to 0", c.MotionRateLimitMinutes)
		c.MotionRateLimitMinutes = 0
	}

	if c.OwnerUserID < 1 {
		r.warn("owner_user_id %d is below minimum 1, clamping", c.OwnerUserID)
		c.OwnerUserID = 1
	}

	if c.JWT.Algorithm != "HS256" && c.JWT.Algorithm != "HS384" && c.JWT.Algorithm != "HS512" {
		r.fatal("jwt.algorithm %q is not supported (use HS256, HS384 or HS512)", c.JWT.Algorithm)
	}
	if c.JWT.Access.Key == "" {
		r.fatal("jwt.access.key is required")
	}
	if c.JWT.Refresh.Key == "" {
		r.fatal("jwt.refresh.key is required")
	}
	if c.JWT.Access.ExpiresSeconds < 60 {
		r.warn("jwt.access.expires_seconds %d is below minimum 60, clamping", c.JWT.Access.ExpiresSeconds)
		c.JWT.Access.ExpiresSeconds = 60
	}
	if c.JWT.Refresh.ExpiresSeconds < 60 {
		r.warn("jwt.refresh.expires_seconds %d is below minimum 60, clamping", c.JWT.Refresh.ExpiresSeconds)
		c.JWT.Refresh.ExpiresSeconds = 60
	}

	if c.Push.Endpoint != "" {
		u, err := url.Parse(c.Push.Endpoint)
		if err != nil {
			r.fatal("push.endpoint %q is not a valid URL: %v", c.Push.Endpoint, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.fatal("push.endpoint scheme must be http or https, got %q", u.Scheme)
		}
	}
	if c.Push.ServerKey != "" && hasControlChars(c.Push.ServerKey) {
		r.fatal("push.server_key contains control characters")
	}
	if c.Push.TimeoutSeconds < 1 {
		r.warn("push.timeout_seconds %d is below minimum 1, clamping", c.Push.TimeoutSeconds)
		c.Push.TimeoutSeconds = 1
	}
	if c.Push.MaxRetries < 0 {
		r.warn("push.max_retries %d is negative, clamping to 0", c.Push.MaxRetries)
		c.Push.MaxRetries = 0
	}
	if c.Push.RatePerSecond <= 0 {
		r.warn("push.rate_per_second %.2f must be positive, using 1", c.Push.RatePerSecond)
		c.Push.RatePerSecond = 1
	}

	if c.WS.InactivitySeconds < 10 {
		r.warn("ws.inactivity_seconds %d is below minimum 10, clamping", c.WS.InactivitySeconds)
		c.WS.InactivitySeconds = 10
	}

	validateLog(&r, &c.Log)

	r.logWarnings()
	return r
}

func checkWSEndpoint(r *ValidationResult, key, value string) {
	if value == "" {
		r.fatal("%s is required", key)
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		r.fatal("%s %q is not a valid URL: %v", key, value, err)
		return
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		r.fatal("%s scheme must be ws or wss, got %q", key, u.Scheme)
	}
}

func clampTrigger(r *ValidationResult, key string, t *Trigger) {
	if t.DebounceMS < 0 {
		r.warn("%s.debounce_ms %d is negative, clamping to 0", key, t.DebounceMS)
		t.DebounceMS = 0
	}
	if t.PollingRateHz < 1 {
		r.warn("%s.polling_rate_hz %.2f is below minimum 1, clamping", key, t.PollingRateHz)
		t.PollingRateHz = 1
	} else if t.PollingRateHz > 1000 {
		r.warn("%s.polling_rate_hz %.2f exceeds maximum 1000, clamping", key, t.PollingRateHz)
		t.PollingRateHz = 1000
	}
}

func clampChannel(r *ValidationResult, key string, v *int) {
	if *v < 0 {
		r.warn("%s %d is below minimum 0, clamping", key, *v)
		*v = 0
	} else if *v > 255 {
		r.warn("%s %d exceeds maximum 255, clamping", key, *v)
		*v = 255
	}
}

func validateLog(r *ValidationResult, l *Log) {
	if l.Level != "" && !validLogLevels[strings.ToLower(l.Level)] {
		r.warn("log.level %q is not valid (use debug, info, warn, error)", l.Level)
	}
	if l.Format != "" && l.Format != "text" && l.Format != "json" {
		r.warn("log.format %q is not valid (use text or json)", l.Format)
	}
	if l.MaxSizeMB < 1 {
		r.warn("log.max_size_mb %d is below minimum 1, clamping", l.MaxSizeMB)
		l.MaxSizeMB = 1
	}
	if l.MaxBackups < 1 {
		r.warn("log.max_backups %d is below minimum 1, clamping", l.MaxBackups)
		l.MaxBackups = 1
	}
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
