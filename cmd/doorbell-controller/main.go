package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/broadcast"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/camera"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/capture"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/config"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/controller"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/event"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/health"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/hubclient"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/indicator"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/sensor"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/signalclient"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "doorbell-controller",
	Short: "Doorbell device controller",
	Long:  `Doorbell controller - sensors, camera, hub link and WebRTC broadcast for the doorbell appliance`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller",
	Run: func(cmd *cobra.Command, args []string) {
		runController()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Doorbell Controller v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/doorbell/controller.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Controller {
	cfg, err := config.LoadController(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	res := cfg.ValidateTiered()
	if res.HasFatals() {
		for _, err := range res.AllErrors() {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}
	return cfg
}

func initLogging(cfg config.Log) {
	out := io.Writer(os.Stdout)
	if cfg.File != "" {
		w, err := logging.NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, logging to stdout: %v\n", err)
		} else {
			out = w
		}
	}
	logging.Init(cfg.Format, cfg.Level, out)
}

func runController() {
	cfg := loadConfig()
	initLogging(cfg.Log)
	log.Info("starting doorbell controller", "version", version, "source", cfg.SourceID)

	events := event.NewQueue(cfg.Queues.Events)
	captures := capture.NewQueue(cfg.Queues.Captures)
	pool := workerpool.New(2, 32)

	// A hardware build replaces the sim with the CSI camera driver and
	// the inert lines with GPIO reads on the configured pins.
	cam := camera.NewSim(cfg.Camera.Resolution.Width, cfg.Camera.Resolution.Height,
		cfg.Camera.Format, cfg.Camera.Bitrate)
	detector := capture.DetectorFunc(func(camera.Frame) (bool, error) { return false, nil })

	interval := time.Duration(cfg.Camera.StopMotion.IntervalSeconds * float64(time.Second))
	runner := capture.NewRunner(cam, detector, pool, captures, events, cfg.SourceID, interval)

	idle := sensor.LineFunc(func() (bool, error) { return false, nil })
	button := sensor.New("button", idle, events, event.Button, cfg.SourceID,
		time.Duration(cfg.Button.DebounceMS)*time.Millisecond, cfg.Button.PollingRateHz)
	motion := sensor.New("motion", idle, events, event.Motion, cfg.SourceID,
		time.Duration(cfg.MotionSensor.DebounceMS)*time.Millisecond, cfg.MotionSensor.PollingRateHz)

	rgb := indicator.NewRGB(indicator.NopDriver{},
		uint8(cfg.RGB.Color.R), uint8(cfg.RGB.Color.G), uint8(cfg.RGB.Color.B))

	ctrl := controller.New(controller.Config{
		Runner:            runner,
		RGB:               rgb,
		Camera:            cam,
		Button:            button,
		Motion:            motion,
		RecordingDuration: time.Duration(cfg.Camera.StopMotion.DurationSeconds) * time.Second,
		Cooldown:          time.Duration(cfg.Streaming.CooldownSeconds) * time.Second,
	})

	monitor := health.NewMonitor()
	monitor.Update("camera", health.Healthy, "")
	monitor.Update("hub", health.Unknown, "not connected yet")

	mgr, err := broadcast.New(broadcast.Config{
		ICEServers: broadcast.BuildICEServers(
			cfg.WebRTC.TURNServer.Host, cfg.WebRTC.TURNServer.Secret, cfg.SourceID),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up WebRTC: %v\n", err)
		os.Exit(1)
	}
	mgr.OnKeyframeRequest(func() {
		// Every sim frame is a complete picture; a hardware encoder
		// would force an IDR here.
		log.Debug("keyframe requested")
	})

	signaling := signalclient.New(&signalclient.Config{
		ServerURL: cfg.SignalingServerURL,
		AuthToken: cfg.AuthToken,
		RoomID:    cfg.WebRTC.RoomID,
	}, mgr)
	signaling.OnViewerJoined(ctrl.ViewerJoined)
	signaling.OnViewersGone(ctrl.ViewerCountZero)

	hub := hubclient.New(&hubclient.Config{
		ServerURL: cfg.WSURL,
		Endpoint:  "ws/rpi",
		AuthToken: cfg.AuthToken,
	})
	registerHandlers(hub, ctrl)
	replyTimeout := time.Duration(cfg.ReplyTimeoutSecs) * time.Second
	hub.OnConnect(func() {
		monitor.Update("hub", health.Healthy, "")
		go syncNotifications(hub, replyTimeout)
	})
	hub.OnDisconnect(func() {
		monitor.Update("hub", health.Degraded, "link down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go button.Run(ctx)
	go motion.Run(ctx)
	go hub.Start()
	go signaling.Start()
	go eventPump(ctx, events, ctrl, hub)
	go capturePump(ctx, captures, hub, replyTimeout)
	go pingLoop(ctx, hub, monitor, time.Duration(cfg.PingIntervalSecs)*time.Second)
	go streamFeeder(ctx, ctrl, cam, mgr, monitor, cfg.Camera.Framerate)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case <-hub.Fatal():
		log.Error("hub rejected this device's credentials, shutting down")
	}

	// Reverse of startup: stop producing before tearing down the links.
	cancel()
	ctrl.Stop()
	signaling.Stop()
	hub.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	pool.Shutdown(shutdownCtx)
	if n := hub.Dropped(); n > 0 {
		log.Warn("frames dropped during session", "count", n)
	}
	log.Info("controller stopped")
}

// registerHandlers installs the handlers for hub-initiated frames.
// Handlers run on the read pump, so replies go out via Send.
func registerHandlers(hub *hubclient.Client, ctrl *controller.Controller) {
	hub.RegisterHandler(message.TypeStreamStart, func(ctx context.Context, msg *message.Message) error {
		return streamAck(hub, msg, ctrl.StartStream())
	})
	hub.RegisterHandler(message.TypeStreamStop, func(ctx context.Context, msg *message.Message) error {
		return streamAck(hub, msg, ctrl.StopStream())
	})
	hub.RegisterHandler(message.TypeSettingsRequest, func(ctx context.Context, msg *message.Message) error {
		return handleSettings(hub, ctrl, msg)
	})
	// The heartbeat goes out fire-and-forget, so the hub's PONG matches
	// no pending request and lands here.
	hub.RegisterHandler(message.TypePong, func(ctx context.Context, msg *message.Message) error {
		log.Debug("pong received", logging.KeyMsgID, msg.ID)
		return nil
	})
	// Same for the ack to a sensor event envelope.
	hub.RegisterHandler(message.TypeNotificationAck, func(ctx context.Context, msg *message.Message) error {
		var ack message.NotificationAck
		if err := msg.DecodePayload(&ack); err != nil {
			return fmt.Errorf("decode notification ack: %w", err)
		}
		log.Info("sensor event acknowledged",
			"eventId", msg.ReplyTo, "status", ack.Status, "notificationId", ack.NotificationID)
		return nil
	})
}

func streamAck(hub *hubclient.Client, msg *message.Message, status string) error {
	reply, err := message.NewReply(msg, message.TypeStreamAck, message.StreamAck{Status: status})
	if err != nil {
		return err
	}
	return hub.Send(reply)
}

// handleSettings answers both variants of SETTINGS_REQUEST. The ack
// always carries the full post-apply snapshot, so the hub's stored copy
// converges on what the device actually runs.
func handleSettings(hub *hubclient.Client, ctrl *controller.Controller, msg *message.Message) error {
	var req message.SettingsRequest
	if err := msg.DecodePayload(&req); err != nil {
		return replyError(hub, msg, "malformed settings request")
	}

	switch req.Type {
	case message.SettingsGet:
	case message.SettingsChange:
		var upd message.SettingsUpdate
		if err := json.Unmarshal(req.Data, &upd); err != nil {
			return replyError(hub, msg, "malformed settings payload")
		}
		ctrl.ApplySettings(upd)
	default:
		return replyError(hub, msg, fmt.Sprintf("unknown settings request type %q", req.Type))
	}

	reply, err := message.NewReply(msg, message.TypeSettingsAck, ctrl.SettingsSnapshot())
	if err != nil {
		return err
	}
	return hub.Send(reply)
}

func replyError(hub *hubclient.Client, msg *message.Message, text string) error {
	reply, err := message.NewReply(msg, message.TypeError, message.ErrorPayload{Error: text})
	if err != nil {
		return err
	}
	return hub.Send(reply)
}

// eventPump drains the sensor queue. Each event drives the state
// machine first, then goes to the hub fire-and-forget with the event id
// as msg_id so redeliveries after a reconnect deduplicate server-side.
func eventPump(ctx context.Context, events *event.Queue, ctrl *controller.Controller, hub *hubclient.Client) {
	for {
		e, err := events.Pop(ctx)
		if err != nil {
			return
		}
		ctrl.HandleSensorEvent(e)

		t, ok := messageType(e.Type)
		if !ok {
			log.Warn("event type has no wire mapping", "type", string(e.Type))
			continue
		}
		msg, err := message.NewWithID(t, e.ID, nil)
		if err != nil {
			log.Error("event envelope failed", logging.KeyError, err)
			continue
		}
		if err := hub.Send(msg); err != nil {
			log.Warn("sensor event not sent", "eventId", e.ID, logging.KeyError, err)
		}
	}
}

func messageType(t event.Type) (message.Type, bool) {
	switch t {
	case event.Button:
		return message.TypeButtonPressed, true
	case event.Motion:
		return message.TypeMotionDetected, true
	case event.Face:
		return message.TypeFaceDetected, true
	}
	return 0, false
}

// capturePump ships stop-motion frames to the hub and waits for each
// ack. A failed delivery drops the frame; the capture queue already
// sheds the oldest entries under pressure, so the pump stays lossy
// rather than backing up the pipeline.
func capturePump(ctx context.Context, captures *capture.Queue, hub *hubclient.Client, timeout time.Duration) {
	for {
		c, err := captures.Pop(ctx)
		if err != nil {
			return
		}

		msg, err := message.NewWithID(message.TypeCapture, c.ID, message.Capture{
			AssociatedTo: c.AssociatedTo,
			Timestamp:    c.Timestamp,
			ImageFormat:  c.Format,
			ImageDataB64: base64.StdEncoding.EncodeToString(c.Data),
			HasFace:      c.HasFace,
		})
		if err != nil {
			log.Error("capture envelope failed", logging.KeyError, err)
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := hub.Request(reqCtx, msg)
		cancel()
		if err != nil {
			log.Warn("capture not delivered", "captureId", c.ID, logging.KeyError, err)
			continue
		}
		if reply.Type == message.TypeError {
			var ep message.ErrorPayload
			if derr := reply.DecodePayload(&ep); derr != nil {
				ep.Error = "unreadable error payload"
			}
			log.Warn("capture rejected", "captureId", c.ID, "reason", ep.Error)
			continue
		}
		var ack message.CaptureAck
		if err := reply.DecodePayload(&ack); err != nil {
			log.Warn("capture ack unreadable", "captureId", c.ID, logging.KeyError, err)
			continue
		}
		log.Debug("capture stored by hub", "captureId", c.ID, "rowId", ack.CaptureID)
	}
}

// pingLoop reports host vitals on a fixed cadence. Delivery is best
// effort; a down link already shows through the health monitor.
func pingLoop(ctx context.Context, hub *hubclient.Client, monitor *health.Monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v := health.ReadVitals()
		msg, err := message.New(message.TypePing, message.Ping{
			UptimeSeconds: v.UptimeSeconds,
			CPUPercent:    v.CPUPercent,
			MemPercent:    v.MemPercent,
		})
		if err != nil {
			continue
		}
		if err := hub.Send(msg); err != nil {
			log.Debug("ping not sent", logging.KeyError, err)
			continue
		}
		log.Debug("ping sent",
			"cpuPercent", v.CPUPercent, "memPercent", v.MemPercent,
			"health", string(monitor.Overall()))
	}
}

// streamFeeder pushes camera frames into the WebRTC track while the
// device is streaming. It polls state at frame cadence, so a stream
// start is picked up within one frame interval.
func streamFeeder(ctx context.Context, ctrl *controller.Controller, cam camera.Camera, mgr *broadcast.Manager, monitor *health.Monitor, framerate int) {
	frameDur := time.Second / time.Duration(framerate)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	camUp := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctrl.State() != controller.StateStreaming {
			continue
		}

		frame, err := cam.Capture(ctx)
		if err != nil {
			if camUp {
				camUp = false
				monitor.Update("camera", health.Degraded, err.Error())
				log.Warn("stream capture failed", logging.KeyError, err)
			}
			continue
		}
		if !camUp {
			camUp = true
			monitor.Update("camera", health.Healthy, "")
		}
		if err := mgr.WriteSample(frame.Data, frameDur); err != nil {
			log.Warn("sample write failed", logging.KeyError, err)
		}
	}
}

// syncNotifications asks the hub what happened while the link was down.
// Runs once per (re)connect.
func syncNotifications(hub *hubclient.Client, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := message.New(message.TypeNotificationSync, message.SyncRequest{Limit: 20})
	if err != nil {
		return
	}
	reply, err := hub.Request(ctx, msg)
	if err != nil {
		log.Warn("notification sync failed", logging.KeyError, err)
		return
	}
	var resp message.SyncResponse
	if err := reply.DecodePayload(&resp); err != nil {
		log.Warn("notification sync reply unreadable", logging.KeyError, err)
		return
	}
	log.Info("notification sync complete", "count", len(resp.Notifications))
}
