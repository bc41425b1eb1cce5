package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/CedarLaneLabs/ChatterMill/internal/actions"
	"github.com/CedarLaneLabs/ChatterMill/internal/api"
	"github.com/CedarLaneLabs/ChatterMill/internal/cart"
	"github.com/CedarLaneLabs/ChatterMill/internal/dispatch"
	"github.com/CedarLaneLabs/ChatterMill/internal/docgen"
	"github.com/CedarLaneLabs/ChatterMill/internal/engine"
	"github.com/CedarLaneLabs/ChatterMill/internal/flowdef"
	"github.com/CedarLaneLabs/ChatterMill/internal/genai"
	"github.com/CedarLaneLabs/ChatterMill/internal/messaging"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/notify"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
	"github.com/CedarLaneLabs/ChatterMill/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatterMill state data
	DefaultStateDir = "/var/lib/chattermill"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chattermill.db"
	// DefaultFlowsDir is the default flow definitions directory
	DefaultFlowsDir = "flows"
	// DefaultMainFlow is the flow holding the main menu
	DefaultMainFlow = "main"
	// DefaultMainMenuStep is the step the exit keyword jumps to
	DefaultMainMenuStep = "main_menu"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping ChatterMill with configured modules")
	if err := run(config, flags); err != nil {
		slog.Error("ChatterMill failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatterMill exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL        string
	StateDir           string
	FlowsDir           string
	OpenAIKey          string
	AnthropicKey       string
	AIProvider         string
	RedisURL           string
	CatalogFile        string
	Channel            string
	APIAddr            string
	ExitKeyword        string
	Window             time.Duration
	StaffRecipients    []string
	SubstituteTemplate string
	ContentSIDs        map[string]string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	flowsDir     *string
	mainFlow     *string
	mainMenuStep *string
	channel      *string
	aiProvider   *string
	apiAddr      *string
	exitKeyword  *string
	catalogFile  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("CHATTERMILL_STATE_DIR"),
		FlowsDir:           os.Getenv("CHATTERMILL_FLOWS_DIR"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AIProvider:         os.Getenv("AI_PROVIDER"),
		RedisURL:           os.Getenv("REDIS_URL"),
		CatalogFile:        os.Getenv("CHATTERMILL_CATALOG_FILE"),
		Channel:            os.Getenv("CHANNEL"),
		APIAddr:            os.Getenv("API_ADDR"),
		ExitKeyword:        os.Getenv("EXIT_KEYWORD"),
		Window:             util.ParseDurationEnv("MESSAGING_WINDOW", engine.DefaultWindowDuration),
		StaffRecipients:    util.SplitCSVEnv("STAFF_RECIPIENTS"),
		SubstituteTemplate: os.Getenv("WINDOW_SUBSTITUTE_TEMPLATE"),
		ContentSIDs:        parseContentSIDs(os.Getenv("TWILIO_CONTENT_SIDS")),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATTERMILL_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.FlowsDir == "" {
		config.FlowsDir = DefaultFlowsDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.AIProvider == "" {
		if config.AnthropicKey != "" && config.OpenAIKey == "" {
			config.AIProvider = "anthropic"
		} else {
			config.AIProvider = "openai"
		}
	}
	if config.Channel == "" {
		config.Channel = "mock"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHATTERMILL_STATE_DIR", config.StateDir,
		"CHATTERMILL_FLOWS_DIR", config.FlowsDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ANTHROPIC_API_KEY_SET", config.AnthropicKey != "",
		"AI_PROVIDER", config.AIProvider,
		"REDIS_URL_SET", config.RedisURL != "",
		"CHATTERMILL_CATALOG_FILE", config.CatalogFile,
		"CHANNEL", config.Channel,
		"API_ADDR", config.APIAddr,
		"MESSAGING_WINDOW", config.Window,
		"STAFF_RECIPIENTS", len(config.StaffRecipients))

	return config
}

// parseContentSIDs parses "template=SID,template2=SID2" pairs.
func parseContentSIDs(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, sid, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || sid == "" {
			slog.Warn("parseContentSIDs: skipping malformed pair", "pair", pair)
			continue
		}
		out[name] = sid
	}
	return out
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:      flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for ChatterMill data (overrides $CHATTERMILL_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the conversation store (overrides $DATABASE_URL)"),
		flowsDir:     flag.String("flows-dir", config.FlowsDir, "flow definitions directory (overrides $CHATTERMILL_FLOWS_DIR)"),
		mainFlow:     flag.String("main-flow", DefaultMainFlow, "flow containing the main menu"),
		mainMenuStep: flag.String("main-menu-step", DefaultMainMenuStep, "step id the exit keyword jumps to"),
		channel:      flag.String("channel", config.Channel, "messaging channel: twilio, whatsapp, or mock (overrides $CHANNEL)"),
		aiProvider:   flag.String("ai-provider", config.AIProvider, "AI responder provider: openai or anthropic (overrides $AI_PROVIDER)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		exitKeyword:  flag.String("exit-keyword", config.ExitKeyword, "reserved reset keyword (overrides $EXIT_KEYWORD)"),
		catalogFile:  flag.String("catalog-file", config.CatalogFile, "product catalog excerpt file for shopping prompts (overrides $CHATTERMILL_CATALOG_FILE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"flowsDir", *flags.flowsDir,
		"mainFlow", *flags.mainFlow,
		"mainMenuStep", *flags.mainMenuStep,
		"channel", *flags.channel,
		"aiProvider", *flags.aiProvider,
		"apiAddr", *flags.apiAddr)

	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// storeBundle groups the three persistence interfaces every backend serves.
type storeBundle struct {
	st      store.Store
	dedup   store.DedupRepo
	pending store.PendingRepo
}

// buildStores selects a store backend by DSN type.
func buildStores(dsn string) (storeBundle, error) {
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return storeBundle{}, err
		}
		return storeBundle{st: pg, dedup: pg, pending: pg}, nil
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		sq, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
		if err != nil {
			return storeBundle{}, err
		}
		return storeBundle{st: sq, dedup: sq, pending: sq}, nil
	}
}

// buildChannel selects the messaging channel client.
func buildChannel(config Config, flags Flags) (messaging.Service, error) {
	switch *flags.channel {
	case "twilio":
		var opts []messaging.TwilioOption
		if len(config.ContentSIDs) > 0 {
			opts = append(opts, messaging.WithContentSIDs(config.ContentSIDs))
		}
		return messaging.NewTwilioService(opts...)
	case "whatsapp":
		opts := []messaging.WhatsAppOption{
			messaging.WithWhatsAppDBDSN(filepath.Join(*flags.stateDir, "whatsapp.db")),
		}
		if *flags.qrOutput != "" {
			opts = append(opts, messaging.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			opts = append(opts, messaging.WithNumericCode())
		}
		return messaging.NewWhatsAppService(opts...)
	case "mock":
		slog.Warn("Using mock messaging channel; outbound messages are recorded, not delivered")
		return messaging.NewMockService(), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", *flags.channel)
	}
}

// buildCompleter selects the AI responder provider.
func buildCompleter(config Config, flags Flags) (genai.Completer, error) {
	switch *flags.aiProvider {
	case "anthropic":
		return genai.NewAnthropicClient(genai.WithAPIKey(config.AnthropicKey))
	case "openai":
		return genai.NewOpenAIClient(genai.WithAPIKey(config.OpenAIKey))
	default:
		return nil, fmt.Errorf("unknown AI provider %q", *flags.aiProvider)
	}
}

// fileCatalogProvider reads the shopping catalog excerpt from a file on every
// prompt, so the catalog can be updated without restarting the process.
func fileCatalogProvider(path string) engine.CatalogProvider {
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("catalog read from %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// buildCartStore selects Redis when configured, in-memory otherwise.
func buildCartStore(config Config) (cart.Store, error) {
	if config.RedisURL == "" {
		slog.Debug("No REDIS_URL set, using in-memory cart store")
		return cart.NewMemoryStore(), nil
	}
	opt, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return cart.NewRedisStore(redis.NewClient(opt)), nil
}

func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := buildStores(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer stores.st.Close()

	flows, err := flowdef.NewLoader(*flags.flowsDir).Load(*flags.mainFlow, *flags.mainMenuStep)
	if err != nil {
		return fmt.Errorf("flow definitions: %w", err)
	}

	channel, err := buildChannel(config, flags)
	if err != nil {
		return fmt.Errorf("channel init: %w", err)
	}
	completer, err := buildCompleter(config, flags)
	if err != nil {
		return fmt.Errorf("AI responder init: %w", err)
	}
	carts, err := buildCartStore(config)
	if err != nil {
		return fmt.Errorf("cart store init: %w", err)
	}

	notifier := notify.NewMemoryNotifier()
	generator := docgen.NewBounded(docgen.NewMemoryGenerator(), docgen.DefaultGenerateTimeout)

	handlers := []actions.Handler{
		&actions.AddToCartHandler{Carts: carts},
		&actions.GenerateDocumentHandler{Generator: generator, Carts: carts},
		&actions.QueueNotificationHandler{Notifier: notifier, DefaultRecipients: config.StaffRecipients},
		&actions.RequestHandoverHandler{Contacts: stores.st, Notifier: notifier, Staff: config.StaffRecipients},
	}
	registry, err := actions.NewRegistry(stores.st, notifier, config.StaffRecipients, handlers)
	if err != nil {
		return fmt.Errorf("action registry: %w", err)
	}

	var dispatchOpts []dispatch.Option
	if config.SubstituteTemplate != "" {
		dispatchOpts = append(dispatchOpts, dispatch.WithSubstituteTemplate(config.SubstituteTemplate))
	}
	dispatcher := dispatch.NewDispatcher(channel, stores.pending, dispatchOpts...)

	engineOpts := []engine.Option{engine.WithWindowDuration(config.Window)}
	if *flags.exitKeyword != "" {
		engineOpts = append(engineOpts, engine.WithExitKeyword(*flags.exitKeyword))
	}
	if *flags.catalogFile != "" {
		engineOpts = append(engineOpts, engine.WithCatalogProvider(fileCatalogProvider(*flags.catalogFile)))
		slog.Debug("Shopping prompts will carry the catalog excerpt", "catalog_file", *flags.catalogFile)
	}
	eng := engine.New(stores.st, stores.dedup, flows, registry, dispatcher, completer, channel, engineOpts...)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(eng, stores.st, channel, apiOpts...)

	if err := channel.Start(ctx); err != nil {
		return fmt.Errorf("channel start: %w", err)
	}
	defer func() {
		if err := channel.Stop(); err != nil {
			slog.Error("channel stop failed", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("engine: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- server.Start(ctx)
	}()

	slog.Info("ChatterMill running",
		"flows", flows.FlowNames(),
		"channel", *flags.channel,
		"aiProvider", *flags.aiProvider,
		"mode_default", models.ModeFlow)

	// First terminal error (or clean ctx-canceled shutdown) wins.
	firstErr := <-errCh
	stop()
	if second := <-errCh; firstErr == nil {
		firstErr = second
	}
	return firstErr
}
