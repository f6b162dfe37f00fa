package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/api"
	"github.com/BTreeMap/ConsultPipe/internal/genai"
	"github.com/BTreeMap/ConsultPipe/internal/lockfile"
	"github.com/BTreeMap/ConsultPipe/internal/resilience"
	"github.com/BTreeMap/ConsultPipe/internal/store"
	"github.com/BTreeMap/ConsultPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ConsultPipe/internal/util"
	"github.com/BTreeMap/ConsultPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ConsultPipe state data
	DefaultStateDir = "/var/lib/consultpipe"
	// DefaultAppDBFileName is the default SQLite database for conversation contexts
	DefaultAppDBFileName = "consultpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	os.Exit(run())
}

// run wires and runs the process; it returns the exit code so deferred cleanup
// (the state directory lock) happens before exit.
func run() int {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		return 2
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		return 1
	}

	if needsStateLock(flags) {
		lock, err := lockfile.Acquire(*flags.stateDir, *flags.apiAddr)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			return 1
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("Failed to release state directory lock", "error", err)
			}
		}()
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags, config)
	twilioOpts := buildTwilioOptions(config)
	waOpts := buildWhatsAppOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping ConsultPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "twilio", len(twilioOpts), "whatsapp", len(waOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, genaiOpts, twilioOpts, waOpts, *flags.whatsapp, apiOpts); err != nil {
		slog.Error("ConsultPipe failed to run", "error", err)
		return 1
	}
	slog.Info("ConsultPipe exited successfully")
	return 0
}

// needsStateLock reports whether this process keeps single-writer state on local disk:
// a file-backed application database or a whatsmeow session.
func needsStateLock(flags Flags) bool {
	return isFileDSN(*flags.appDBDSN) || (*flags.whatsapp && isFileDSN(*flags.whatsappDBDSN))
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	WhatsAppEnabled  bool
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	PublicURL        string
	CatalogPath      string
	DefaultLang      string
	ProviderTimeout  time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	ClassifyCacheTTL time.Duration
	PaymentMedia     []string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	LogLevel         string
	GenAIDebug       bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	whatsapp      *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	openaiKey     *string
	apiAddr       *string
	catalog       *string
	defaultLang   *string
}

// initializeLogger sets up structured logging. The level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: util.ParseLogLevel(level, slog.LevelDebug)}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("CONSULTPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppEnabled:  util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		CatalogPath:      os.Getenv("CONSULTPIPE_CATALOG"),
		DefaultLang:      os.Getenv("DEFAULT_LANG"),
		ProviderTimeout:  util.ParseDurationEnv("PROVIDER_TIMEOUT", resilience.DefaultTimeout),
		BreakerThreshold: util.ParseIntEnv("BREAKER_THRESHOLD", resilience.DefaultFailureThreshold),
		BreakerCooldown:  util.ParseDurationEnv("BREAKER_COOLDOWN", resilience.DefaultCooldown),
		ClassifyCacheTTL: util.ParseDurationEnv("CLASSIFY_CACHE_TTL", 0),
		PaymentMedia:     util.ParseListEnv("PAYMENT_ACCEPTED_MEDIA"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONSULTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_DSN wins over the conventional DATABASE_URL
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No application database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"CONSULTPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"API_ADDR", config.APIAddr,
		"DEFAULT_LANG", config.DefaultLang,
		"PROVIDER_TIMEOUT", config.ProviderTimeout,
		"BREAKER_THRESHOLD", config.BreakerThreshold,
		"BREAKER_COOLDOWN", config.BreakerCooldown)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("ConsultPipe", flag.ContinueOnError)
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		whatsapp:      fs.Bool("whatsapp", config.WhatsAppEnabled, "connect a direct WhatsApp session (overrides $WHATSAPP_ENABLED)"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for ConsultPipe data (overrides $CONSULTPIPE_STATE_DIR)"),
		whatsappDBDSN: fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      fs.String("app-db-dsn", config.ApplicationDBDSN, "database DSN for conversation contexts (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		catalog:       fs.String("catalog", config.CatalogPath, "YAML catalog overriding the embedded one (overrides $CONSULTPIPE_CATALOG)"),
		defaultLang:   fs.String("default-lang", config.DefaultLang, "default conversation language (overrides $DEFAULT_LANG)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"whatsapp", *flags.whatsapp,
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Default DSNs follow a state directory given on the command line
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated default DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags, nil
}

// isFileDSN reports whether dsn points at a local SQLite file.
func isFileDSN(dsn string) bool {
	return dsn != "" && store.DetectDSNType(dsn) != "postgres"
}

// sqlitePath strips the file: scheme and query parameters from an SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// ensureDirectoriesExist creates the parent directories of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	var errs []error
	for _, dsn := range []string{*flags.appDBDSN, *flags.whatsappDBDSN} {
		if !isFileDSN(dsn) {
			continue
		}
		dir := filepath.Dir(sqlitePath(dsn))
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	dsn := *flags.appDBDSN
	switch {
	case dsn == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(dsn) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, config Config) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromNumber(config.TwilioFrom))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithProviderTimeout(config.ProviderTimeout),
		api.WithBreaker(config.BreakerThreshold, config.BreakerCooldown),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.catalog != "" {
		apiOpts = append(apiOpts, api.WithCatalogPath(*flags.catalog))
	}
	if *flags.defaultLang != "" {
		apiOpts = append(apiOpts, api.WithDefaultLang(*flags.defaultLang))
	}
	if config.ClassifyCacheTTL > 0 {
		apiOpts = append(apiOpts, api.WithClassifyCacheTTL(config.ClassifyCacheTTL))
	}
	if len(config.PaymentMedia) > 0 {
		apiOpts = append(apiOpts, api.WithPaymentMedia(config.PaymentMedia...))
	}
	if config.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(config.PublicURL))
	}
	return apiOpts
}
