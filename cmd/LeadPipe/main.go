package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/api"
	"github.com/ResiLeads/LeadPipe/internal/flow"
	"github.com/ResiLeads/LeadPipe/internal/followup"
	"github.com/ResiLeads/LeadPipe/internal/genai"
	"github.com/ResiLeads/LeadPipe/internal/messaging"
	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/ResiLeads/LeadPipe/internal/store"
	"github.com/ResiLeads/LeadPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadpipe.db"
)

// Config holds environment configuration
type Config struct {
	DBDriver      string
	DBDSN         string
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	VerifyToken   string
	AppSecret     string
	Gateway       string
	FlowFile      string
	FlowName      string
	PhoneNumberID string
	AccessToken   string
	OpenAIKey     string
	SweepInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir *string
	dbDriver *string
	dbDSN    *string
	apiAddr  *string
	gateway  *string
	flowFile *string
	debug    *bool
}

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.debug)

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := seedConfiguration(st, config, flags); err != nil {
		slog.Error("Failed to seed configuration", "error", err)
		os.Exit(1)
	}

	sender, err := buildSender(*flags.gateway)
	if err != nil {
		slog.Error("Failed to build message gateway", "error", err)
		os.Exit(1)
	}

	var responder flow.Responder
	if config.OpenAIKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(config.OpenAIKey))
		if err != nil {
			slog.Error("Failed to initialize GenAI responder", "error", err)
			os.Exit(1)
		}
		responder = client
		slog.Info("GenAI free-text responder enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping LeadPipe",
		"db_driver", *flags.dbDriver, "api_addr", *flags.apiAddr, "gateway", *flags.gateway,
		"sweep_interval", config.SweepInterval)
	if err := api.Run(ctx, st, sender, responder,
		api.WithAddr(*flags.apiAddr),
		api.WithVerifyToken(config.VerifyToken),
		api.WithAppSecret(config.AppSecret),
		api.WithSweepInterval(config.SweepInterval),
	); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// initializeLogger sets up structured logging
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	return Config{
		DBDriver:      os.Getenv("LEADPIPE_DB_DRIVER"),
		DBDSN:         os.Getenv("LEADPIPE_DB_DSN"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("LEADPIPE_STATE_DIR"),
		APIAddr:       os.Getenv("LEADPIPE_API_ADDR"),
		VerifyToken:   os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		AppSecret:     os.Getenv("WHATSAPP_APP_SECRET"),
		Gateway:       os.Getenv("LEADPIPE_GATEWAY"),
		FlowFile:      os.Getenv("LEADPIPE_FLOW_FILE"),
		FlowName:      os.Getenv("LEADPIPE_FLOW_NAME"),
		PhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		AccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		SweepInterval: util.ParseDurationEnv("LEADPIPE_SWEEP_INTERVAL", followup.DefaultSweepInterval),
	}
}

// parseCommandLineFlags parses flags with environment values as defaults
func parseCommandLineFlags(config Config) Flags {
	stateDir := config.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	dbDriver := config.DBDriver
	if dbDriver == "" {
		dbDriver = "sqlite3"
	}
	apiAddr := config.APIAddr
	if apiAddr == "" {
		apiAddr = api.DefaultAddr
	}
	gateway := config.Gateway
	if gateway == "" {
		gateway = "cloudapi"
	}
	dsn := config.DBDSN
	if dsn == "" {
		dsn = config.DatabaseURL
	}

	flags := Flags{
		stateDir: flag.String("state-dir", stateDir, "directory for LeadPipe state data"),
		dbDriver: flag.String("db-driver", dbDriver, "database driver (sqlite3 or postgres)"),
		dbDSN:    flag.String("db-dsn", dsn, "database connection string"),
		apiAddr:  flag.String("api-addr", apiAddr, "API listen address"),
		gateway:  flag.String("gateway", gateway, "message gateway (cloudapi or twilio)"),
		flowFile: flag.String("flow-file", config.FlowFile, "JSON flow definition to load at startup"),
		debug:    flag.Bool("debug", util.ParseBoolEnv("LEADPIPE_DEBUG", false), "enable debug logging"),
	}
	flag.Parse()
	return flags
}

// openStore builds the store backend selected by flags.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if *flags.dbDriver == "postgres" {
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildSender builds the configured outbound gateway.
func buildSender(gateway string) (messaging.Sender, error) {
	if gateway == "twilio" {
		return messaging.NewTwilioSender()
	}
	return messaging.NewCloudAPISender(), nil
}

// seedConfiguration loads the startup flow definition and channel binding,
// if configured. Both are idempotent upserts.
func seedConfiguration(st store.Store, config Config, flags Flags) error {
	if *flags.flowFile != "" {
		data, err := os.ReadFile(*flags.flowFile)
		if err != nil {
			return err
		}
		var graph models.FlowGraph
		if err := json.Unmarshal(data, &graph); err != nil {
			return err
		}
		if err := graph.Validate(); err != nil {
			return err
		}
		if err := st.SaveFlow(graph); err != nil {
			return err
		}
		slog.Info("Loaded flow definition", "flow", graph.Name, "nodes", len(graph.Nodes))
	}

	if config.PhoneNumberID != "" {
		ch := models.Channel{
			BusinessNumberID: config.PhoneNumberID,
			AccessToken:      config.AccessToken,
			FlowName:         config.FlowName,
		}
		if err := st.SaveChannel(ch); err != nil {
			return err
		}
		slog.Info("Registered channel", "business_number", config.PhoneNumberID, "flow", config.FlowName)
	}
	return nil
}
