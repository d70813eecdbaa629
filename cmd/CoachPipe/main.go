package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/helpers"
	"github.com/BTreeMap/CoachPipe/internal/interp"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/recovery"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
	// DefaultAPIAddr is the default API listen address
	DefaultAPIAddr = ":8080"
	// DefaultSweepCron runs the rule sweep every 15 minutes
	DefaultSweepCron = "*/15 * * * *"
	// DefaultWorkerShards is the default worker pool shard count
	DefaultWorkerShards = 8
	// shutdownTimeout bounds graceful API shutdown
	shutdownTimeout = 15 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseDSN string
	StateDir    string
	APIAddr     string
	SweepCron   string
	TwilioSID   string
	TwilioToken string
	TwilioFrom  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	apiAddr     *string
	sweepCron   *string
	twilioSID   *string
	twilioToken *string
	twilioFrom  *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		StateDir:    os.Getenv("COACHPIPE_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		SweepCron:   os.Getenv("SWEEP_SCHEDULE"),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.SweepCron == "" {
		config.SweepCron = DefaultSweepCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"COACHPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SWEEP_SCHEDULE", config.SweepCron,
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseDSN, "database DSN: SQLite path or PostgreSQL URL (overrides $DATABASE_DSN)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sweepCron:   flag.String("sweep-cron", config.SweepCron, "cron schedule for the rule sweep (overrides $SWEEP_SCHEDULE)"),
		twilioSID:   flag.String("twilio-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken: flag.String("twilio-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:  flag.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
	}
	flag.Parse()

	// Follow the state directory if the DSN was left at its default.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// run wires every module together and blocks until shutdown.
func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.NewStore(store.WithDSN(*flags.dbDSN))
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.System()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(ctx, DefaultWorkerShards, 256)
	defer pool.Stop()

	// Channel transport: Twilio when configured, otherwise the in-memory mock
	// so local development works without credentials.
	var svc messaging.Service
	var twilioSvc *messaging.TwilioService
	if *flags.twilioSID != "" && *flags.twilioToken != "" {
		twilioSvc, err = messaging.NewTwilioService(messaging.TwilioOpts{
			AccountSID: *flags.twilioSID,
			AuthToken:  *flags.twilioToken,
			FromNumber: *flags.twilioFrom,
		}, clk)
		if err != nil {
			return err
		}
		svc = twilioSvc
	} else {
		slog.Warn("Twilio not configured, using mock messaging service")
		svc = messaging.NewMockService()
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	engine := rules.NewEngine(st, clk, rules.SweepPolicy{})
	dialogMgr := dialog.NewManager(st, clk)
	registry := helpers.NewRegistry()
	timer := interp.NewSimpleTimer(clk)
	interpreter := interp.NewInterpreter(st, clk, engine, dialogMgr, registry, svc, timer, pool,
		interp.WithChannel(models.ChannelSMS))
	sweeper := rules.NewSweeper(st, clk, engine, dialogMgr, svc, pool, models.ChannelSMS)

	// Inbound path: transport responses feed suspended conversations.
	respHandler := messaging.NewResponseHandler(st, interpreter, dialogMgr, pool)
	respHandler.Start(svc.Responses())

	// Restore suspended conversations before accepting new work.
	if err := recovery.NewRecoverer(st, interpreter, pool).Recover(ctx); err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.sweepCron, func() {
		if err := sweeper.SweepAll(context.Background()); err != nil {
			slog.Error("Scheduled sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	slog.Info("Rule sweep scheduled", "cron", *flags.sweepCron)

	var webhook http.HandlerFunc
	if twilioSvc != nil {
		webhook = twilioSvc.WebhookHandler()
	}
	server := api.NewServer(st, clk, interpreter, sweeper, dialogMgr, pool, webhook)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx, *flags.apiAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
	return nil
}
