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

var (
	ErrEmptyEnvironmentVariable = errors.New("empty environment variable")
	ErrInvalidValue             = errors.New("invalid configuration value")
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Voice      VoiceConfig
	Session    SessionConfig
	Escalation EscalationConfig
	Twilio     TwilioConfig
	HubSpot    HubSpotConfig
	TokenStore TokenStoreConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Knowledge  KnowledgeConfig
	Kafka      KafkaConfig
	Mail       MailConfig
	Auth       AuthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
	// PublicHost is the externally reachable host Twilio calls back on, without scheme.
	PublicHost string
	LogLevel   string
}

// VoiceConfig selects and configures the voice-AI backend
type VoiceConfig struct {
	Provider     string
	Instructions string
	Greeting     string
	OpenAI       OpenAIConfig
	Gemini       GeminiConfig
}

type OpenAIConfig struct {
	APIKey string
	Model  string
	Voice  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// SessionConfig holds per-call limits
type SessionConfig struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	// MaxDuration overrides the provider's session ceiling when non-zero.
	MaxDuration       time.Duration
	InboundQueueSize  int
	OutboundQueueSize int
	SinkDeadline      time.Duration
}

// EscalationConfig controls the human handoff
type EscalationConfig struct {
	TriggerPhrases     []string
	TokenLength        int
	TokenTTL           time.Duration
	ConnectPhoneNumber string
	TransferMode       string
	DefaultPriority    string
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

type HubSpotConfig struct {
	Enabled     bool
	AccessToken string
	BaseURL     string
}

type TokenStoreConfig struct {
	Backend string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// KnowledgeConfig controls the knowledge base search tools offered to the
// voice model. The knowledge base lives in PostgreSQL.
type KnowledgeConfig struct {
	Enabled    bool
	MaxResults int
	Timeout    time.Duration
}

// KafkaConfig holds Kafka/event streaming configuration
type KafkaConfig struct {
	Enabled bool
	Brokers string
	Topic   string
	Workers int
}

type MailConfig struct {
	Enabled      bool
	ResendAPIKey string
	Sender       string
	AlertAddress string
}

// AuthConfig protects the handover lookup API
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	TokenStoreRedis    = "redis"
	TokenStorePostgres = "postgres"
	TokenStoreMemory   = "memory"

	TransferModeAction = "action"
	TransferModeREST   = "rest"
)

var defaultTriggerPhrases = []string{
	"speak to a human",
	"talk to a human",
	"speak to a person",
	"talk to a person",
	"real person",
	"human agent",
	"speak to an agent",
	"talk to an agent",
	"speak to someone",
	"representative",
	"operator",
}

const defaultInstructions = "You are a friendly phone assistant. Keep answers short and conversational. " +
	"If the caller asks for a human, tell them you will transfer them."

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	return FromEnv()
}

// FromEnv builds the configuration from the current process environment
func FromEnv() (*Config, error) {
	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getIntWithDefault("SERVER_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.Server.PublicHost, err = requireEnv("PUBLIC_HOST"); err != nil {
		return nil, err
	}
	cfg.Server.PublicHost = strings.TrimPrefix(strings.TrimPrefix(cfg.Server.PublicHost, "https://"), "http://")
	cfg.Server.LogLevel = getEnvWithDefault("LOG_LEVEL", "info")

	// Voice provider configuration
	cfg.Voice.Provider = strings.ToLower(getEnvWithDefault("VOICE_PROVIDER", ProviderOpenAI))
	cfg.Voice.Instructions = getEnvWithDefault("VOICE_INSTRUCTIONS", defaultInstructions)
	cfg.Voice.Greeting = getEnvWithDefault("VOICE_GREETING", "Greet the caller and ask how you can help.")
	cfg.Voice.OpenAI.Model = getEnvWithDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17")
	cfg.Voice.OpenAI.Voice = getEnvWithDefault("OPENAI_VOICE", "verse")
	cfg.Voice.Gemini.Model = getEnvWithDefault("GEMINI_LIVE_MODEL", "gemini-2.5-flash-preview-native-audio-dialog")
	cfg.Voice.Gemini.Voice = getEnvWithDefault("GEMINI_VOICE", "Aoede")
	switch cfg.Voice.Provider {
	case ProviderOpenAI:
		if cfg.Voice.OpenAI.APIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
			return nil, err
		}
	case ProviderGemini:
		if cfg.Voice.Gemini.APIKey, err = requireEnv("GOOGLE_AI_API_KEY"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("VOICE_PROVIDER %q: %w", cfg.Voice.Provider, ErrInvalidValue)
	}

	// Session limits
	if cfg.Session.ConnectTimeout, err = getDurationWithDefault("SESSION_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Session.InactivityTimeout, err = getDurationWithDefault("SESSION_INACTIVITY_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.Session.MaxDuration, err = getDurationWithDefault("SESSION_MAX_DURATION", 0); err != nil {
		return nil, err
	}
	if cfg.Session.InboundQueueSize, err = getIntWithDefault("RELAY_INBOUND_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Session.OutboundQueueSize, err = getIntWithDefault("RELAY_OUTBOUND_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Session.SinkDeadline, err = getDurationWithDefault("RELAY_SINK_DEADLINE", 100*time.Millisecond); err != nil {
		return nil, err
	}

	// Escalation configuration
	cfg.Escalation.TriggerPhrases = getListWithDefault("ESCALATION_TRIGGER_PHRASES", defaultTriggerPhrases)
	if cfg.Escalation.TokenLength, err = getIntWithDefault("TOKEN_LENGTH", 10); err != nil {
		return nil, err
	}
	if cfg.Escalation.TokenLength < 4 || cfg.Escalation.TokenLength > 32 {
		return nil, fmt.Errorf("TOKEN_LENGTH %d: %w", cfg.Escalation.TokenLength, ErrInvalidValue)
	}
	ttlSeconds, err := getIntWithDefault("TOKEN_TTL_SECONDS", 600)
	if err != nil {
		return nil, err
	}
	cfg.Escalation.TokenTTL = time.Duration(ttlSeconds) * time.Second
	if cfg.Escalation.ConnectPhoneNumber, err = requireEnv("CONNECT_PHONE_NUMBER"); err != nil {
		return nil, err
	}
	cfg.Escalation.TransferMode = strings.ToLower(getEnvWithDefault("TRANSFER_MODE", TransferModeAction))
	if cfg.Escalation.TransferMode != TransferModeAction && cfg.Escalation.TransferMode != TransferModeREST {
		return nil, fmt.Errorf("TRANSFER_MODE %q: %w", cfg.Escalation.TransferMode, ErrInvalidValue)
	}
	cfg.Escalation.DefaultPriority = getEnvWithDefault("ESCALATION_PRIORITY", "medium")

	// Twilio configuration
	if cfg.Twilio.AccountSID, err = requireEnv("TWILIO_ACCOUNT_SID"); err != nil {
		return nil, err
	}
	if cfg.Twilio.AuthToken, err = requireEnv("TWILIO_AUTH_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.Twilio.PhoneNumber, err = requireEnv("TWILIO_PHONE_NUMBER"); err != nil {
		return nil, err
	}

	// HubSpot is optional; it is only enabled when a token is present
	cfg.HubSpot.AccessToken = os.Getenv("HUBSPOT_ACCESS_TOKEN")
	cfg.HubSpot.BaseURL = getEnvWithDefault("HUBSPOT_API_BASE_URL", "https://api.hubapi.com")
	cfg.HubSpot.Enabled = getBoolWithDefault("ENABLE_HUBSPOT", true) && cfg.HubSpot.AccessToken != ""

	// Token store
	cfg.TokenStore.Backend = strings.ToLower(getEnvWithDefault("TOKEN_STORE_BACKEND", TokenStoreRedis))
	switch cfg.TokenStore.Backend {
	case TokenStoreRedis:
		cfg.Redis.Enabled = true
		cfg.Redis.Host = getEnvWithDefault("REDIS_HOST", "localhost")
		if cfg.Redis.Port, err = getIntWithDefault("REDIS_PORT", 6379); err != nil {
			return nil, err
		}
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
		if cfg.Redis.DB, err = getIntWithDefault("REDIS_DB", 0); err != nil {
			return nil, err
		}
	case TokenStorePostgres, TokenStoreMemory:
	default:
		return nil, fmt.Errorf("TOKEN_STORE_BACKEND %q: %w", cfg.TokenStore.Backend, ErrInvalidValue)
	}

	// Knowledge base tools
	cfg.Knowledge.Enabled = getBoolWithDefault("KNOWLEDGE_BASE_ENABLED", false)
	if cfg.Knowledge.MaxResults, err = getIntWithDefault("KNOWLEDGE_MAX_RESULTS", 5); err != nil {
		return nil, err
	}
	if cfg.Knowledge.Timeout, err = getDurationWithDefault("KNOWLEDGE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}

	// Database configuration, required by the postgres token store and the
	// knowledge base
	if cfg.TokenStore.Backend == TokenStorePostgres || cfg.Knowledge.Enabled {
		if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
			return nil, err
		}
		if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
			return nil, err
		}
		if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
			return nil, err
		}
		if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
			return nil, err
		}
	}

	// Kafka configuration
	cfg.Kafka.Brokers = os.Getenv("KAFKA_BROKERS")
	cfg.Kafka.Enabled = cfg.Kafka.Brokers != ""
	cfg.Kafka.Topic = getEnvWithDefault("KAFKA_TOPIC", "voice-session-events")
	if cfg.Kafka.Workers, err = getIntWithDefault("KAFKA_PUBLISH_WORKERS", 2); err != nil {
		return nil, err
	}

	// Mail alerts
	cfg.Mail.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.Mail.Sender = getEnvWithDefault("DEFAULT_EMAIL_SENDER_ADDRESS", "alerts@voice-gateway.local")
	cfg.Mail.AlertAddress = os.Getenv("ESCALATION_ALERT_EMAIL")
	cfg.Mail.Enabled = cfg.Mail.ResendAPIKey != "" && cfg.Mail.AlertAddress != ""

	// Auth configuration
	if cfg.Auth.JWTSecret, err = requireEnv("JWT_SECRET"); err != nil {
		return nil, err
	}
	cfg.Auth.JWTIssuer = getEnvWithDefault("JWT_ISSUER", "contact-center")
	cfg.Auth.JWTAudience = getEnvWithDefault("JWT_AUDIENCE", "voice-gateway")

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// Addr returns the host:port pair for the Redis server
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntWithDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

func getDurationWithDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getListWithDefault splits a comma separated variable, dropping empty items
func getListWithDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
