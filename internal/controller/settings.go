package controller

import (
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/sensor"
)

// ApplySettings applies a change_settings request to the live device.
// Absent (nil) fields are left untouched; present values take effect
// immediately, including mid-recording. Nonsensical values (negative
// debounce, zero interval) are skipped with a warning rather than
// breaking a running loop.
func (c *Controller) ApplySettings(u message.SettingsUpdate) {
	if u.Button != nil {
		c.applyTrigger("button", c.button, u.Button)
	}
	if u.MotionSensor != nil {
		c.applyTrigger("motion_sensor", c.motion, u.MotionSensor)
	}

	if u.Camera != nil {
		if u.Camera.Bitrate != nil {
			if *u.Camera.Bitrate <= 0 {
				log.Warn("ignoring non-positive bitrate", "bitrate", *u.Camera.Bitrate)
			} else {
				c.cam.SetBitrate(*u.Camera.Bitrate)
				log.Info("camera bitrate changed", "bitrate", *u.Camera.Bitrate)
			}
		}
		if sm := u.Camera.StopMotion; sm != nil {
			if sm.Interval != nil {
				if *sm.Interval <= 0 {
					log.Warn("ignoring non-positive stop-motion interval", "interval", *sm.Interval)
				} else {
					c.runner.SetInterval(secondsToDuration(*sm.Interval))
					log.Info("stop-motion interval changed", "seconds", *sm.Interval)
				}
			}
			if sm.Duration != nil {
				if *sm.Duration <= 0 {
					log.Warn("ignoring non-positive stop-motion duration", "duration", *sm.Duration)
				} else {
					c.setDuration(time.Duration(*sm.Duration) * time.Second)
					log.Info("stop-motion duration changed", "seconds", *sm.Duration)
				}
			}
		}
	}

	if u.Color != nil {
		r, g, b := clampChannel(u.Color.R), clampChannel(u.Color.G), clampChannel(u.Color.B)
		if err := c.rgb.SetColor(r, g, b); err != nil {
			log.Warn("status LED color change failed", logging.KeyError, err)
		} else {
			log.Info("status LED color changed", "r", r, "g", g, "b", b)
		}
	}
}

// SettingsSnapshot reports the device's live tuning for a get_settings
// request.
func (c *Controller) SettingsSnapshot() message.SettingsSnapshot {
	r, g, b := c.rgb.Color()

	c.mu.Lock()
	duration := c.duration
	c.mu.Unlock()

	return message.SettingsSnapshot{
		Color: message.Color{R: int(r), G: int(g), B: int(b)},
		Camera: message.CameraSnapshot{
			Bitrate: c.cam.Bitrate(),
			StopMotion: message.StopMotionSnapshot{
				Interval: c.runner.Interval().Seconds(),
				Duration: int(duration / time.Second),
			},
		},
		MotionSensor: message.TriggerSnapshot{
			Debounce:    c.motion.Debounce().Seconds(),
			PollingRate: c.motion.PollingRate(),
		},
		Button: message.TriggerSnapshot{
			Debounce:    c.button.Debounce().Seconds(),
			PollingRate: c.button.PollingRate(),
		},
	}
}

func (c *Controller) applyTrigger(name string, s *sensor.Sensor, u *message.TriggerUpdate) {
	if u.Debounce != nil {
		if *u.Debounce < 0 {
			log.Warn("ignoring negative debounce", "sensor", name, "debounce", *u.Debounce)
		} else {
			s.SetDebounce(secondsToDuration(*u.Debounce))
			log.Info("debounce changed", "sensor", name, "seconds", *u.Debounce)
		}
	}
	if u.PollingRate != nil {
		if *u.PollingRate <= 0 {
			log.Warn("ignoring non-positive polling rate", "sensor", name, "hz", *u.PollingRate)
		} else {
			s.SetPollingRate(*u.PollingRate)
			log.Info("polling rate changed", "sensor", name, "hz", *u.PollingRate)
		}
	}
}

// setDuration changes the recording window for future recordings. An
// already armed timer keeps its original deadline.
func (c *Controller) setDuration(d time.Duration) {
	c.mu.Lock()
	c.duration = d
	c.mu.Unlock()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func clampChannel(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
