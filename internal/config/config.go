package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYGRAPH_"

type Config struct {
	Addr       string            `yaml:"addr" validate:"required"`
	LogLevel   string            `yaml:"logLevel" validate:"oneof=debug info warn error"`
	StoreDSN   string            `yaml:"storeDSN"`
	RedisURL   string            `yaml:"redisURL" validate:"omitempty,url"`
	LockTTL    time.Duration     `yaml:"lockTTL" validate:"gte=0"`
	JWTSecret  string            `yaml:"jwtSecret"`
	Notion     NotionConfig      `yaml:"notion"`
	Sync       SyncConfig        `yaml:"sync"`
	Stream     StreamConfig      `yaml:"stream"`
	RateLimit  RateLimitConfig   `yaml:"rateLimit"`
	Workspaces []WorkspaceConfig `yaml:"workspaces" validate:"dive"`
}

type NotionConfig struct {
	BaseURL    string        `yaml:"baseURL" validate:"required,url"`
	APIVersion string        `yaml:"apiVersion" validate:"required"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries int           `yaml:"maxRetries" validate:"gte=0,lte=10"`
}

type SyncConfig struct {
	FetchTimeout time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	Jitter       float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	Concurrency  int           `yaml:"concurrency" validate:"gte=1"`
}

type StreamConfig struct {
	KeepAlive time.Duration `yaml:"keepAlive" validate:"gt=0"`
	Buffer    int           `yaml:"buffer" validate:"gte=1"`
}

type RateLimitConfig struct {
	Max    int           `yaml:"max" validate:"gte=0"`
	Window time.Duration `yaml:"window" validate:"gt=0"`
}

// WorkspaceConfig names a workspace the scheduler syncs and the environment
// variable holding its integration token. Tokens never live in the file itself.
type WorkspaceConfig struct {
	ID       string `yaml:"id" validate:"required"`
	TokenEnv string `yaml:"tokenEnv" validate:"required"`
}

func (w WorkspaceConfig) Token() string {
	return strings.TrimSpace(os.Getenv(w.TokenEnv))
}

func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		LockTTL:  2 * time.Minute,
		Notion: NotionConfig{
			BaseURL:    "https://api.notion.com",
			APIVersion: "2022-06-28",
			Timeout:    20 * time.Second,
			MaxRetries: 3,
		},
		Sync: SyncConfig{
			FetchTimeout: 30 * time.Second,
			Interval:     5 * time.Minute,
			Jitter:       0.2,
			Concurrency:  4,
		},
		Stream: StreamConfig{
			KeepAlive: 30 * time.Second,
			Buffer:    64,
		},
		RateLimit: RateLimitConfig{
			Max:    0,
			Window: time.Minute,
		},
	}
}

// Load layers defaults, the optional YAML file at path, and RELAYGRAPH_*
// environment overrides, then validates the result.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Namespace(), fieldErr.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]struct{}{}
	for _, workspace := range c.Workspaces {
		if _, ok := seen[workspace.ID]; ok {
			return fmt.Errorf("invalid config: duplicate workspace %s", workspace.ID)
		}
		seen[workspace.ID] = struct{}{}
	}
	if strings.TrimSpace(c.RedisURL) != "" {
		// The redis lock is never extended, so it must outlive the slowest sync.
		ttl := c.LockTTL
		if ttl == 0 {
			ttl = relaygraph.DefaultRedisLockTTL
		}
		if minimum := c.Sync.FetchTimeout + relaygraph.SyncStoreBudget; ttl <= minimum {
			return fmt.Errorf("invalid config: lockTTL %s must exceed sync.fetchTimeout plus store time (%s)", ttl, minimum)
		}
	}
	return nil
}

func (c Config) Workspace(id string) (WorkspaceConfig, bool) {
	for _, workspace := range c.Workspaces {
		if workspace.ID == id {
			return workspace, true
		}
	}
	return WorkspaceConfig{}, false
}

func applyEnv(cfg *Config, logger *zap.Logger) {
	cfg.Addr = stringEnv("ADDR", cfg.Addr)
	cfg.LogLevel = strings.ToLower(stringEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.StoreDSN = stringEnv("STORE_DSN", cfg.StoreDSN)
	cfg.RedisURL = stringEnv("REDIS_URL", cfg.RedisURL)
	cfg.LockTTL = durationEnv(logger, "LOCK_TTL", cfg.LockTTL)
	cfg.JWTSecret = stringEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Notion.BaseURL = stringEnv("NOTION_BASE_URL", cfg.Notion.BaseURL)
	cfg.Notion.APIVersion = stringEnv("NOTION_API_VERSION", cfg.Notion.APIVersion)
	cfg.Notion.Timeout = durationEnv(logger, "NOTION_TIMEOUT", cfg.Notion.Timeout)
	cfg.Notion.MaxRetries = intEnv(logger, "NOTION_MAX_RETRIES", cfg.Notion.MaxRetries)

	cfg.Sync.FetchTimeout = durationEnv(logger, "SYNC_FETCH_TIMEOUT", cfg.Sync.FetchTimeout)
	cfg.Sync.Interval = durationEnv(logger, "SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.Jitter = floatEnv(logger, "SYNC_JITTER", cfg.Sync.Jitter)
	cfg.Sync.Concurrency = intEnv(logger, "SYNC_CONCURRENCY", cfg.Sync.Concurrency)

	cfg.Stream.KeepAlive = durationEnv(logger, "STREAM_KEEPALIVE", cfg.Stream.KeepAlive)
	cfg.Stream.Buffer = intEnv(logger, "STREAM_BUFFER", cfg.Stream.Buffer)

	cfg.RateLimit.Max = intEnv(logger, "RATE_LIMIT_MAX", cfg.RateLimit.Max)
	cfg.RateLimit.Window = durationEnv(logger, "RATE_LIMIT_WINDOW", cfg.RateLimit.Window)

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "WORKSPACES")); raw != "" {
		cfg.Workspaces = parseWorkspaceList(logger, raw)
	}
}

// parseWorkspaceList reads "id=TOKEN_ENV,id2=TOKEN_ENV2".
func parseWorkspaceList(logger *zap.Logger, raw string) []WorkspaceConfig {
	workspaces := make([]WorkspaceConfig, 0)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, tokenEnv, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(tokenEnv) == "" {
			logger.Warn("ignoring malformed workspace entry", zap.String("entry", entry))
			continue
		}
		workspaces = append(workspaces, WorkspaceConfig{ID: strings.TrimSpace(id), TokenEnv: strings.TrimSpace(tokenEnv)})
	}
	return workspaces
}
