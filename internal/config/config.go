package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Log configures the slog output shared by both binaries. When File is
// set the process writes through a size-rotated file instead of stdout.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Trigger describes a GPIO-backed input: the doorbell button or the
// PIR motion sensor.
type Trigger struct {
	Pin           int     `mapstructure:"pin"`
	DebounceMS    int     `mapstructure:"debounce_ms"`
	PollingRateHz float64 `mapstructure:"polling_rate_hz"`
}

type Resolution struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// StopMotion controls the frame-capture loop that runs while an event
// is being recorded.
type StopMotion struct {
	IntervalSeconds float64 `mapstructure:"interval_seconds"`
	DurationSeconds int     `mapstructure:"duration_seconds"`
	OutputDir       string  `mapstructure:"output_dir"`
}

type Camera struct {
	Resolution Resolution `mapstructure:"resolution"`
	Framerate  int        `mapstructure:"framerate"`
	Format     string     `mapstructure:"format"`
	Bitrate    int        `mapstructure:"bitrate"`
	StopMotion StopMotion `mapstructure:"stop_motion"`
}

type RGBPins struct {
	R int `mapstructure:"r"`
	G int `mapstructure:"g"`
	B int `mapstructure:"b"`
}

type RGBColor struct {
	R int `mapstructure:"r"`
	G int `mapstructure:"g"`
	B int `mapstructure:"b"`
}

type RGB struct {
	Pins  RGBPins  `mapstructure:"pins"`
	Freq  int      `mapstructure:"freq"`
	Color RGBColor `mapstructure:"color"`
}

type TURNServer struct {
	Host   string `mapstructure:"host"`
	Secret string `mapstructure:"secret"`
}

type WebRTC struct {
	RoomID     string     `mapstructure:"room_id"`
	TURNServer TURNServer `mapstructure:"turn_server"`
}

type Streaming struct {
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

type Queues struct {
	Events   int `mapstructure:"events"`
	Captures int `mapstructure:"captures"`
}

// Controller is the device-side configuration (cmd/doorbell-controller).
type Controller struct {
	WSURL              string    `mapstructure:"ws_url"`
	SignalingServerURL string    `mapstructure:"signaling_server_url"`
	AuthToken          string    `mapstructure:"auth_token"`
	SourceID           string    `mapstructure:"source_id"`
	Button             Trigger   `mapstructure:"button"`
	MotionSensor       Trigger   `mapstructure:"motion_sensor"`
	Camera             Camera    `mapstructure:"camera"`
	RGB                RGB       `mapstructure:"rgb"`
	WebRTC             WebRTC    `mapstructure:"webrtc"`
	Streaming          Streaming `mapstructure:"streaming"`
	Queues             Queues    `mapstructure:"queues"`
	ReplyTimeoutSecs   int       `mapstructure:"reply_timeout_seconds"`
	PingIntervalSecs   int       `mapstructure:"ping_interval_seconds"`
	Log                Log       `mapstructure:"log"`
}

type JWTKey struct {
	Key            string `mapstructure:"key"`
	ExpiresSeconds int    `mapstructure:"expires_seconds"`
}

type JWT struct {
	Algorithm string `mapstructure:"algorithm"`
	Access    JWTKey `mapstructure:"access"`
	Refresh   JWTKey `mapstructure:"refresh"`
}

type Push struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServerKey      string  `mapstructure:"server_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
}

type HubWS struct {
	InactivitySeconds int `mapstructure:"inactivity_seconds"`
}

// Hub is the server-side configuration (cmd/doorbell-hub).
type Hub struct {
	ListenAddr             string `mapstructure:"listen_addr"`
	DatabasePath           string `mapstructure:"database_path"`
	CaptureDir             string `mapstructure:"capture_dir"`
	MotionRateLimitMinutes int    `mapstructure:"motion_rate_limit_minutes"`
	OwnerUserID            int64  `mapstructure:"owner_user_id"`
	JWT                    JWT    `mapstructure:"jwt"`
	Push                   Push   `mapstructure:"push"`
	WS                     HubWS  `mapstructure:"ws"`
	Log                    Log    `mapstructure:"log"`
}

func defaultLog() Log {
	return Log{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

func DefaultController() *Controller {
	return &Controller{
		SourceID: "rpi",
		Button: Trigger{
			Pin:           11,
			DebounceMS:    200,
			PollingRateHz: 20,
		},
		MotionSensor: Trigger{
			Pin:           7,
			DebounceMS:    2000,
			PollingRateHz: 10,
		},
		Camera: Camera{
			Resolution: Resolution{Width: 1280, Height: 720},
			Framerate:  30,
			Format:     "jpeg",
			Bitrate:    10_000_000,
			StopMotion: StopMotion{
				IntervalSeconds: 0.5,
				DurationSeconds: 30,
				OutputDir:       "/var/lib/doorbell/captures",
			},
		},
		RGB: RGB{
			Pins:  RGBPins{R: 16, G: 20, B: 21},
			Freq:  100,
			Color: RGBColor{R: 0, G: 0, B: 255},
		},
		WebRTC: WebRTC{
			RoomID: "doorbell",
		},
		Streaming:        Streaming{CooldownSeconds: 30},
		Queues:           Queues{Events: 256, Captures: 64},
		ReplyTimeoutSecs: 10,
		PingIntervalSecs: 30,
		Log:              defaultLog(),
	}
}

func DefaultHub() *Hub {
	return &Hub{
		ListenAddr:             ":8000",
		DatabasePath:           "doorbell.db",
		CaptureDir:             "captures",
		MotionRateLimitMinutes: 5,
		OwnerUserID:            1,
		JWT: JWT{
			Algorithm: "HS256",
			Access:    JWTKey{ExpiresSeconds: 900},
			Refresh:   JWTKey{ExpiresSeconds: 604800},
		},
		Push: Push{
			Endpoint:       "https://fcm.googleapis.com/fcm/send",
			TimeoutSeconds: 10,
			MaxRetries:     3,
			RatePerSecond:  10,
		},
		WS:  HubWS{InactivitySeconds: 60},
		Log: defaultLog(),
	}
}

// LoadController reads the device configuration. An empty cfgFile falls
// back to controller.yaml in the config directory or the working
// directory. Environment variables prefixed DOORBELL_ override file
// values (nested keys use underscores, e.g. DOORBELL_CAMERA_FRAMERATE).
func LoadController(cfgFile string) (*Controller, error) {
	cfg := DefaultController()
	if err := load(cfgFile, "controller", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHub reads the server configuration, falling back to hub.yaml.
func LoadHub(cfgFile string) (*Hub, error) {
	cfg := DefaultHub()
	if err := load(cfgFile, "hub", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(cfgFile, name string, out any) error {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DOORBELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return v.Unmarshal(out)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Doorbell")
	case "darwin":
		return "/Library/Application Support/Doorbell"
	default:
		return "/etc/doorbell"
	}
}
