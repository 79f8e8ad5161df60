// Command genforged runs the pay-per-use generation service: the HTTP API,
// the provider poll loop, the delivery retry sweep, and the stale-job
// reaper share one process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/genforge/genforge/internal/chattg"
	"github.com/genforge/genforge/internal/httpapi"
	"github.com/genforge/genforge/internal/orchestrator"
	"github.com/genforge/genforge/internal/providerhttp"
	"github.com/genforge/genforge/internal/store/gormstore"
	"github.com/genforge/genforge/pkg/delivery"
	"github.com/genforge/genforge/pkg/job"
	"github.com/genforge/genforge/pkg/provider"
	"github.com/genforge/genforge/pkg/wallet"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagProviderBaseURL = "provider-base-url"
	flagProviderAPIKey  = "provider-api-key"
	flagPublicBaseURL   = "public-base-url"
	flagCallbackToken   = "callback-token"
	flagBotToken        = "bot-token"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagAllowedOrigins  = "allowed-origins"
	flagModelsFile      = "models-file"
	flagPollInterval    = "poll-interval"
	flagSweepInterval   = "sweep-interval"
	flagReapInterval    = "reap-interval"
	flagReapGrace       = "reap-grace"

	defaultDatabaseURL    = "sqlite:///tmp/genforge.db"
	defaultHTTPListenAddr = ":8080"
	defaultPollInterval   = 30 * time.Second
	defaultSweepInterval  = 5 * time.Minute
	defaultReapInterval   = time.Minute
	defaultReapGrace      = 10 * time.Minute

	breakerFailureThreshold = 5
	breakerCoolDown         = 30 * time.Second
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	ProviderBaseURL string
	ProviderAPIKey  string
	PublicBaseURL   string
	CallbackToken   string
	BotToken        string
	JWTSigningKey   string
	JWTIssuer       string
	AllowedOrigins  []string
	ModelsFile      string
	PollInterval    time.Duration
	SweepInterval   time.Duration
	ReapInterval    time.Duration
	ReapGrace       time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "genforged: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "genforged",
		Short:         "Pay-per-use content generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagProviderBaseURL, "", "generation provider base URL")
	cmd.Flags().String(flagProviderAPIKey, "", "generation provider API key")
	cmd.Flags().String(flagPublicBaseURL, "", "public base URL for provider callbacks")
	cmd.Flags().String(flagCallbackToken, "", "shared token guarding the provider callback")
	cmd.Flags().String(flagBotToken, "", "messenger bot token for result delivery")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 signing key for API bearer tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer, empty disables the check")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagModelsFile, "", "JSON model catalog, built-in catalog when empty")
	cmd.Flags().Duration(flagPollInterval, defaultPollInterval, "running-job poll interval")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "undelivered retry interval")
	cmd.Flags().Duration(flagReapInterval, defaultReapInterval, "stale-job reap interval")
	cmd.Flags().Duration(flagReapGrace, defaultReapGrace, "slack past the category deadline before the reaper fails a job")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:     "DATABASE_URL",
		flagListenAddr:      "HTTP_LISTEN_ADDR",
		flagProviderBaseURL: "PROVIDER_BASE_URL",
		flagProviderAPIKey:  "PROVIDER_API_KEY",
		flagPublicBaseURL:   "PUBLIC_BASE_URL",
		flagCallbackToken:   "CALLBACK_TOKEN",
		flagBotToken:        "BOT_TOKEN",
		flagJWTSigningKey:   "JWT_SIGNING_KEY",
		flagJWTIssuer:       "JWT_ISSUER",
		flagAllowedOrigins:  "ALLOWED_ORIGINS",
		flagModelsFile:      "MODELS_FILE",
		flagPollInterval:    "POLL_INTERVAL",
		flagSweepInterval:   "SWEEP_INTERVAL",
		flagReapInterval:    "REAP_INTERVAL",
		flagReapGrace:       "REAP_GRACE",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.ProviderBaseURL = viper.GetString("provider_base_url")
	cfg.ProviderAPIKey = viper.GetString("provider_api_key")
	cfg.PublicBaseURL = viper.GetString("public_base_url")
	cfg.CallbackToken = viper.GetString("callback_token")
	cfg.BotToken = viper.GetString("bot_token")
	cfg.JWTSigningKey = viper.GetString("jwt_signing_key")
	cfg.JWTIssuer = viper.GetString("jwt_issuer")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")
	cfg.ModelsFile = viper.GetString("models_file")
	cfg.PollInterval = viper.GetDuration("poll_interval")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")
	cfg.ReapInterval = viper.GetDuration("reap_interval")
	cfg.ReapGrace = viper.GetDuration("reap_grace")

	required := map[string]string{
		"provider base url": cfg.ProviderBaseURL,
		"provider api key":  cfg.ProviderAPIKey,
		"callback token":    cfg.CallbackToken,
		"bot token":         cfg.BotToken,
		"jwt signing key":   cfg.JWTSigningKey,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

func runService(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	walletService, err := wallet.NewService(store.Wallets(), clock)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}
	jobService, err := job.NewService(store.Jobs(), walletService, clock, uuid.NewString, job.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("job service init: %w", err)
	}

	catalog, err := loadCatalog(cfg.ModelsFile)
	if err != nil {
		return fmt.Errorf("model catalog: %w", err)
	}
	transportOptions := []providerhttp.Option{providerhttp.WithLogger(logger)}
	if cfg.PublicBaseURL != "" {
		callbackURL := fmt.Sprintf("%s/callback/provider?token=%s",
			strings.TrimRight(cfg.PublicBaseURL, "/"), url.QueryEscape(cfg.CallbackToken))
		transportOptions = append(transportOptions, providerhttp.WithCallbackURL(callbackURL))
	}
	transport, err := providerhttp.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, transportOptions...)
	if err != nil {
		return fmt.Errorf("provider transport init: %w", err)
	}
	// One breaker guards both the provider dispatch and the delivery
	// retries, so a hard provider outage pauses the whole outbound path.
	breaker, err := provider.NewBreaker(breakerFailureThreshold, breakerCoolDown)
	if err != nil {
		return fmt.Errorf("breaker init: %w", err)
	}
	client, err := provider.NewClient(transport, catalog,
		provider.WithBreaker(breaker),
		provider.WithClientLogger(logger))
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}

	messenger, err := chattg.New(cfg.BotToken, chattg.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("messenger init: %w", err)
	}
	coordinator, err := delivery.NewCoordinator(jobService, store.Jobs(), messenger,
		delivery.WithDeliveryBreaker(breaker),
		delivery.WithCoordinatorLogger(logger))
	if err != nil {
		return fmt.Errorf("delivery coordinator init: %w", err)
	}

	engine, err := orchestrator.NewEngine(jobService, client, coordinator,
		orchestrator.WithEngineLogger(logger),
		orchestrator.WithPollInterval(cfg.PollInterval),
		orchestrator.WithSweepInterval(cfg.SweepInterval))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}
	staleFor := func(category string) time.Duration {
		return provider.StaleAfter(category, cfg.ReapGrace)
	}
	reaper, err := job.NewReaper(jobService, cfg.ReapInterval, staleFor, logger)
	if err != nil {
		return fmt.Errorf("reaper init: %w", err)
	}

	validator, err := httpapi.NewBearerValidator([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("bearer validator init: %w", err)
	}
	apiServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		CallbackToken:  cfg.CallbackToken,
	}, engine, jobService, coordinator, walletService, store, validator, httpapi.WithServerLogger(logger))
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	go reaper.Run(ctx)
	go engine.RunPoller(ctx)
	go engine.RunRetrySweep(ctx)

	return apiServer.Run(ctx)
}

// catalogEntry is one model in the JSON catalog file.
type catalogEntry struct {
	ModelID  string   `json:"model_id"`
	Category string   `json:"category"`
	Fields   []string `json:"fields"`
}

func loadCatalog(modelsFile string) (*provider.Catalog, error) {
	if modelsFile == "" {
		return provider.NewCatalog(defaultModels()...)
	}
	raw, err := os.ReadFile(modelsFile)
	if err != nil {
		return nil, err
	}
	var entries []catalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", modelsFile, err)
	}
	models := make([]provider.Model, 0, len(entries))
	for _, entry := range entries {
		models = append(models, provider.Model{
			ID:       entry.ModelID,
			Category: entry.Category,
			Fields:   entry.Fields,
		})
	}
	return provider.NewCatalog(models...)
}

func defaultModels() []provider.Model {
	return []provider.Model{
		{ID: "flux/pro", Category: provider.CategoryImage},
		{ID: "flux/dev", Category: provider.CategoryImage},
		{ID: "flux-2/pro-text-to-image", Category: provider.CategoryImage},
		{ID: "flux-2/pro-image-to-image", Category: provider.CategoryImage},
		{ID: "wan/text-to-video", Category: provider.CategoryVideo},
		{ID: "hailuo/02-text-to-video-standard", Category: provider.CategoryVideo},
		{ID: "mmaudio/video-to-audio", Category: provider.CategoryAudio},
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "genforge.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
