// Package config provides environment configuration for the relay server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AI backend providers.
const (
	ProviderDify      = "dify"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Conversation store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// AI backend settings
	AIProvider      string
	AIModel         string
	DifyAPIKey      string
	DifyAPIEndpoint string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Feishu settings
	FeishuAppID     string
	FeishuAppSecret string
	FeishuBaseURL   string

	// Relay behaviour
	ChunkSize   int
	HTTPTimeout time.Duration

	// Conversation store
	ConversationStore string
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string
	NATSBucket        string

	// Logging
	LogLevel    string
	Development bool

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8000"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// AI
		AIProvider:      strings.ToLower(getEnv("AI_PROVIDER", ProviderDify)),
		AIModel:         getEnv("AI_MODEL", ""),
		DifyAPIKey:      getEnv("DIFY_API_KEY", ""),
		DifyAPIEndpoint: strings.TrimRight(getEnv("DIFY_API_ENDPOINT", ""), "/"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		// Feishu
		FeishuAppID:     getEnv("FEISHU_APP_ID", ""),
		FeishuAppSecret: getEnv("FEISHU_APP_SECRET", ""),
		FeishuBaseURL:   strings.TrimRight(getEnv("FEISHU_BASE_URL", "https://open.feishu.cn/open-apis"), "/"),

		// Relay
		ChunkSize:   getIntEnv("CHUNK_SIZE", 50),
		HTTPTimeout: getDurationEnv("HTTP_TIMEOUT", 30*time.Second),

		// Store
		ConversationStore: strings.ToLower(getEnv("CONVERSATION_STORE", StoreMemory)),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:        getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       getEnv("NATS_KEY_FILE", ""),
		NATSToken:         getEnv("NATS_TOKEN", ""),
		NATSBucket:        getEnv("NATS_KV_BUCKET", "relay_conversations"),

		// Logging
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Development: getEnv("ENV", "") == "development",

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings that would prevent the relay from working.
func (c *Config) Validate() error {
	var errs []error

	if c.FeishuAppID == "" || c.FeishuAppSecret == "" {
		errs = append(errs, errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET are required"))
	}

	switch c.AIProvider {
	case ProviderDify:
		if c.DifyAPIKey == "" || c.DifyAPIEndpoint == "" {
			errs = append(errs, errors.New("DIFY_API_KEY and DIFY_API_ENDPOINT are required for the dify provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AI_PROVIDER %q", c.AIProvider))
	}

	switch c.ConversationStore {
	case StoreMemory, StoreNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown CONVERSATION_STORE %q", c.ConversationStore))
	}

	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
