package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/auth"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/broker"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/config"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/httpapi"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/ingest"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/push"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/store"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

var (
	version  = "0.1.0"
	cfgFile  string
	password string
	tokenTTL time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "doorbell-hub",
	Short: "Doorbell hub server",
	Long:  `Doorbell hub - event ingest, push fan-out, REST API and WebRTC signaling for the doorbell appliance`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		runMigrate()
	},
}

var addUserCmd = &cobra.Command{
	Use:   "adduser [email]",
	Short: "Create an account that can log in to the API",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		addUser(args[0])
	},
}

var deviceTokenCmd = &cobra.Command{
	Use:   "devicetoken",
	Short: "Mint a long-lived token for the doorbell device",
	Run: func(cmd *cobra.Command, args []string) {
		mintDeviceToken()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Doorbell Hub v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/doorbell/hub.yaml)")
	addUserCmd.Flags().StringVar(&password, "password", "", "password for the new account (prompted when omitted)")
	deviceTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 5*365*24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(addUserCmd)
	rootCmd.AddCommand(deviceTokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Hub {
	cfg, err := config.LoadHub(cfgFile)
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

func newTokenManager(cfg *config.Hub) *auth.Manager {
	m, err := auth.NewManager(auth.Config{
		Algorithm:  cfg.JWT.Algorithm,
		AccessKey:  cfg.JWT.Access.Key,
		AccessTTL:  time.Duration(cfg.JWT.Access.ExpiresSeconds) * time.Second,
		RefreshKey: cfg.JWT.Refresh.Key,
		RefreshTTL: time.Duration(cfg.JWT.Refresh.ExpiresSeconds) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up token manager: %v\n", err)
		os.Exit(1)
	}
	return m
}

func runServer() {
	cfg := loadConfig()
	initLogging(cfg.Log)
	log := logging.L("main")
	log.Info("starting doorbell hub", "version", version, "listen", cfg.ListenAddr)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("open database failed", logging.KeyError, err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Error("migrate database failed", logging.KeyError, err)
		os.Exit(1)
	}

	tokens := newTokenManager(cfg)
	pool := workerpool.New(4, 64)

	sender := push.NewHTTPSender(push.HTTPSenderConfig{
		Endpoint:   cfg.Push.Endpoint,
		ServerKey:  cfg.Push.ServerKey,
		Timeout:    time.Duration(cfg.Push.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Push.MaxRetries,
	})
	pusher := push.NewService(sender, st, pool, cfg.Push.RatePerSecond)

	gateway := ingest.NewGateway(ingest.Config{
		Auth: func(token string) (int64, error) {
			claims, err := tokens.ValidateAccess(token)
			if err != nil {
				return 0, err
			}
			return auth.MapSubject(claims.Subject, cfg.OwnerUserID)
		},
		Inactivity: time.Duration(cfg.WS.InactivitySeconds) * time.Second,
	})
	events, err := ingest.NewService(st, pusher, ingest.ServiceConfig{
		CaptureDir:      cfg.CaptureDir,
		MotionRateLimit: time.Duration(cfg.MotionRateLimitMinutes) * time.Minute,
	})
	if err != nil {
		log.Error("set up ingest failed", logging.KeyError, err)
		os.Exit(1)
	}
	events.Register(gateway)

	signaling := broker.New()
	signalingWS := broker.NewWSHandler(signaling, func(token string) (string, error) {
		claims, err := tokens.ValidateAccess(token)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	})

	api := httpapi.New(st, tokens, cfg.OwnerUserID, gateway, signaling)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/ws/rpi", gateway)
	mux.Handle("/ws/signaling", signalingWS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Wrap(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("http server failed", logging.KeyError, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", logging.KeyError, err)
	}
	gateway.Close()
	signaling.Close()
	pool.Shutdown(shutdownCtx)
	log.Info("hub stopped")
}

func runMigrate() {
	cfg := loadConfig()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Database schema is up to date.")
}

func addUser(email string) {
	cfg := loadConfig()

	pw := password
	if pw == "" {
		fmt.Print("Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read password: %v\n", err)
			os.Exit(1)
		}
		pw = strings.TrimSpace(line)
	}
	if pw == "" {
		fmt.Fprintln(os.Stderr, "Password must not be empty.")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(pw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	user, err := st.CreateUser(context.Background(), email, hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created user %s (id %d)\n", user.Email, user.ID)
}

// mintDeviceToken issues the access token the doorbell puts in its
// controller.yaml. The TTL runs far past the normal access lifetime, so
// the device only needs a new token when the signing key rotates.
func mintDeviceToken() {
	cfg := loadConfig()

	minter, err := auth.NewManager(auth.Config{
		Algorithm:  cfg.JWT.Algorithm,
		AccessKey:  cfg.JWT.Access.Key,
		AccessTTL:  tokenTTL,
		RefreshKey: cfg.JWT.Refresh.Key,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up token manager: %v\n", err)
		os.Exit(1)
	}

	token, expiresAt, err := minter.IssueAccess(auth.SubjectDevice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Device token (expires %s):\n%s\n", expiresAt.Format(time.RFC3339), token)
}
