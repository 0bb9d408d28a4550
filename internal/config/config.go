// Package config loads the process configuration from the environment.
// A .env file, when present, is folded into the environment first;
// explicit environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// BotToken is the Telegram bot API token (required).
	BotToken string

	// AdminIDs are Telegram user ids allowed to use admin commands.
	AdminIDs []int64

	// GoogleAPIKeys is the Gemini credential pool, tried round-robin.
	// At least one key is required unless an OpenAI key is set.
	GoogleAPIKeys []string

	// OpenAIAPIKey enables the OpenAI dialect for chats switched to it.
	OpenAIAPIKey string

	// OpenAIOrganizationID is the optional OpenAI organization header.
	OpenAIOrganizationID string

	// LiteModelName is the pre-filter model.
	LiteModelName string

	// ProModelName is the heavy tool-calling model.
	ProModelName string

	// OpenAIModelName is the default model for the OpenAI dialect.
	OpenAIModelName string

	// LitePromptFile and ProPromptFile hold the system prompts.
	LitePromptFile string
	ProPromptFile  string

	// ToolDeclarationsFile is the JSON tool declaration list offered to
	// the heavy model.
	ToolDeclarationsFile string

	// MaxSteps bounds model<->tool round-trips per request.
	MaxSteps int

	// MaxHistoryLength is how many stored messages are replayed.
	MaxHistoryLength int

	// QuotaBackoff is the wait between key-rotation attempts.
	QuotaBackoff time.Duration

	// DatabasePath is the SQLite file path.
	DatabasePath string

	// LogLevel is debug, info, warn or error.
	LogLevel string

	// LogFormat is json or text.
	LogFormat string

	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string
}

// Load reads configuration from the environment, folding in the given
// .env file first when it exists. Pass "" for the default ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		BotToken:             os.Getenv("BOT_TOKEN"),
		AdminIDs:             envInt64List("ADMIN_IDS"),
		GoogleAPIKeys:        envList("GOOGLE_API_KEYS"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIOrganizationID: os.Getenv("OPENAI_ORGANIZATION_ID"),
		LiteModelName:        envOr("LITE_MODEL_NAME", "gemini-2.0-flash-lite"),
		ProModelName:         envOr("PRO_MODEL_NAME", "gemini-2.0-flash"),
		OpenAIModelName:      envOr("OPENAI_MODEL_NAME", "gpt-4o"),
		LitePromptFile:       os.Getenv("LITE_PROMPT_FILE"),
		ProPromptFile:        os.Getenv("PRO_PROMPT_FILE"),
		ToolDeclarationsFile: os.Getenv("TOOL_DECLARATIONS_FILE"),
		MaxSteps:             envInt("MAX_PRO_FC_STEPS", 10),
		MaxHistoryLength:     envInt("MAX_HISTORY_LENGTH", 50),
		QuotaBackoff:         envDuration("QUOTA_BACKOFF", 2*time.Second),
		DatabasePath:         envOr("DB_PATH", "ocelot.db"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and normalizes defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("config: BOT_TOKEN is required")
	}
	if len(c.GoogleAPIKeys) == 0 && c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: at least one of GOOGLE_API_KEYS or OPENAI_API_KEY is required")
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.MaxHistoryLength <= 0 {
		c.MaxHistoryLength = 50
	}
	if c.QuotaBackoff <= 0 {
		c.QuotaBackoff = 2 * time.Second
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// IsAdmin reports whether the given user id is configured as an admin.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadPrompt loads a prompt file, returning "" for an unset path.
func ReadPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt64List(key string) []int64 {
	var out []int64
	for _, item := range envList(key) {
		n, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
