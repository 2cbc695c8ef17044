package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "replyforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "REPLYFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "REPLYFORGE_CORS_ORIGIN")
	setString(&cfg.Server.WSOrigin, "REPLYFORGE_WS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "REPLYFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "REPLYFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "REPLYFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "REPLYFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "REPLYFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "REPLYFORGE_NATS_STREAM")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.EmbeddingModel, "REPLYFORGE_EMBEDDING_MODEL")
	setString(&cfg.Logging.Level, "REPLYFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "REPLYFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "REPLYFORGE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "REPLYFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "REPLYFORGE_BREAKER_TIMEOUT")

	// Providers
	setString(&cfg.Providers.Default, "REPLYFORGE_DEFAULT_PROVIDER")
	setString(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	setString(&cfg.Providers.Anthropic.DefaultModel, "REPLYFORGE_ANTHROPIC_MODEL")
	setString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Providers.OpenAI.DefaultModel, "REPLYFORGE_OPENAI_MODEL")

	// Pipeline
	setInt(&cfg.Pipeline.MaxIterations, "REPLYFORGE_MAX_ITERATIONS")
	setInt(&cfg.Pipeline.MaxParallelTools, "REPLYFORGE_MAX_PARALLEL_TOOLS")
	setDuration(&cfg.Pipeline.ToolTimeout, "REPLYFORGE_TOOL_TIMEOUT")
	setDuration(&cfg.Pipeline.ProviderTimeout, "REPLYFORGE_PROVIDER_TIMEOUT")
	setDuration(&cfg.Pipeline.DeliveryTimeout, "REPLYFORGE_DELIVERY_TIMEOUT")
	setInt(&cfg.Pipeline.HistoryLimit, "REPLYFORGE_HISTORY_LIMIT")
	setInt64(&cfg.Pipeline.Workers, "REPLYFORGE_WORKERS")
	setDuration(&cfg.Pipeline.EventTTL, "REPLYFORGE_EVENT_TTL")

	// Retrieval
	setInt(&cfg.Retrieval.TopK, "REPLYFORGE_RETRIEVAL_TOP_K")
	setFloat64(&cfg.Retrieval.SimilarityThreshold, "REPLYFORGE_RETRIEVAL_THRESHOLD")
	setInt(&cfg.Retrieval.MaxTopK, "REPLYFORGE_RETRIEVAL_MAX_TOP_K")

	// Quota
	setFloat64(&cfg.Quota.WarnRatio, "REPLYFORGE_QUOTA_WARN_RATIO")

	// Tools
	setString(&cfg.ToolServer.URL, "REPLYFORGE_TOOL_SERVER_URL")
	setString(&cfg.ToolServer.Token, "REPLYFORGE_TOOL_SERVER_TOKEN")
	setString(&cfg.Scripts.Subject, "REPLYFORGE_SCRIPTS_SUBJECT")

	// Notifications
	setStringSlice(&cfg.Notifications.EnabledChannels, "REPLYFORGE_NOTIFY_CHANNELS")
	setString(&cfg.Notifications.SlackWebhookURL, "REPLYFORGE_SLACK_WEBHOOK_URL")
	setString(&cfg.Notifications.DiscordURL, "REPLYFORGE_DISCORD_WEBHOOK_URL")
	setString(&cfg.Notifications.MinSeverity, "REPLYFORGE_NOTIFY_MIN_SEVERITY")
	setDuration(&cfg.Notifications.SendTimeout, "REPLYFORGE_NOTIFY_TIMEOUT")

	// Delivery
	setString(&cfg.Delivery.Default, "REPLYFORGE_DELIVERY_DEFAULT")
	setString(&cfg.Delivery.EvolutionURL, "REPLYFORGE_EVOLUTION_URL")
	setString(&cfg.Delivery.EvolutionAPIKey, "REPLYFORGE_EVOLUTION_API_KEY")
	setString(&cfg.Delivery.TelegramToken, "REPLYFORGE_TELEGRAM_TOKEN")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "REPLYFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "REPLYFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "REPLYFORGE_CACHE_L2_TTL")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "REPLYFORGE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "REPLYFORGE_IDEMPOTENCY_TTL")

	// Webhook
	setString(&cfg.Webhook.IntakeToken, "REPLYFORGE_INTAKE_TOKEN")
	setString(&cfg.Webhook.IntakeSecret, "REPLYFORGE_INTAKE_SECRET")
	setString(&cfg.Webhook.SecretsFile, "REPLYFORGE_SECRETS_FILE")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "REPLYFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "REPLYFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "REPLYFORGE_OTEL_SAMPLE_RATE")

	// Scheduler
	setString(&cfg.Scheduler.QuotaReset, "REPLYFORGE_SCHEDULE_QUOTA_RESET")
	setString(&cfg.Scheduler.EventsPurge, "REPLYFORGE_SCHEDULE_EVENTS_PURGE")
}

// validate checks that required fields are set and ranges hold.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Pipeline.MaxIterations < 1 {
		return errors.New("pipeline.max_iterations must be >= 1")
	}
	if cfg.Pipeline.MaxParallelTools < 1 {
		return errors.New("pipeline.max_parallel_tools must be >= 1")
	}
	if cfg.Pipeline.ToolTimeout <= 0 {
		return errors.New("pipeline.tool_timeout must be > 0")
	}
	if cfg.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Quota.WarnRatio <= 0 || cfg.Quota.WarnRatio >= 1 {
		return errors.New("quota.warn_ratio must be between 0 and 1")
	}
	if cfg.Retrieval.SimilarityThreshold < 0 || cfg.Retrieval.SimilarityThreshold > 1 {
		return errors.New("retrieval.similarity_threshold must be between 0 and 1")
	}
	if cfg.Retrieval.TopK < 1 || cfg.Retrieval.TopK > cfg.Retrieval.MaxTopK {
		return fmt.Errorf("retrieval.top_k must be between 1 and %d", cfg.Retrieval.MaxTopK)
	}
	if !knownSeverity(cfg.Notifications.MinSeverity) {
		return fmt.Errorf("notifications.min_severity %q is not a severity", cfg.Notifications.MinSeverity)
	}
	for name, r := range cfg.Notifications.Routes {
		if r.MinSeverity != "" && !knownSeverity(r.MinSeverity) {
			return fmt.Errorf("notifications.routes.%s.min_severity %q is not a severity", name, r.MinSeverity)
		}
	}
	return nil
}

func knownSeverity(s string) bool {
	switch s {
	case "info", "warning", "error", "critical":
		return true
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
