// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/vault.db"`
	VaultsFile  string `env:"VAULTS_FILE" envDefault:"./config/vaults.yaml"`
	AdminToken  string `env:"ADMIN_TOKEN"`

	Credits         CreditsConfig
	Follow          FollowConfig
	Twitter         TwitterConfig
	Telegram        TelegramConfig
	Agent           AgentConfig
	Aptos           AptosConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Timeout         TimeoutConfig
	Retry           RetryConfig
	ConversationLog ConversationLogConfig
	Sweeper         SweeperConfig
}

// CreditsConfig controls the one-time task grant.
type CreditsConfig struct {
	Allowance   int    `env:"CREDIT_ALLOWANCE" envDefault:"5"`
	GrantPolicy string `env:"GRANT_POLICY" envDefault:"once"`
}

// FollowConfig controls the follow verifier and its social-graph lookup.
type FollowConfig struct {
	Provider       string        `env:"FOLLOW_PROVIDER" envDefault:"rapidapi"`
	TargetID       string        `env:"FOLLOW_TARGET_ID" envDefault:"1647049883924807680"`
	TargetHandle   string        `env:"FOLLOW_TARGET_HANDLE" envDefault:"ClusterProtocol"`
	ResultLimit    int           `env:"FOLLOW_RESULT_LIMIT" envDefault:"5000"`
	MaxFailures    int           `env:"FOLLOW_MAX_FAILURES" envDefault:"2"`
	RapidAPIKey    string        `env:"RAPIDAPI_KEY"`
	RapidAPIHost   string        `env:"RAPIDAPI_HOST" envDefault:"twitter241.p.rapidapi.com"`
	TwitterAPIURL  string        `env:"TWITTER_API_URL" envDefault:"https://api.twitter.com/2"`
	RequestsPerSec float64       `env:"FOLLOW_RPS" envDefault:"2"`
	Burst          int           `env:"FOLLOW_BURST" envDefault:"10"`
	MaxAttempts    int           `env:"FOLLOW_MAX_ATTEMPTS" envDefault:"3"`
	BaseBackoff    time.Duration `env:"FOLLOW_BASE_BACKOFF" envDefault:"500ms"`
	LookupTimeout  time.Duration `env:"FOLLOW_LOOKUP_TIMEOUT" envDefault:"15s"`
}

// TwitterConfig holds the OAuth2 client for the Twitter connect task.
type TwitterConfig struct {
	ClientID     string        `env:"TWITTER_CLIENT_ID"`
	ClientSecret string        `env:"TWITTER_CLIENT_SECRET"`
	RedirectURL  string        `env:"TWITTER_REDIRECT_URL" envDefault:"http://localhost:8080/auth/twitter/callback"`
	Scopes       []string      `env:"TWITTER_SCOPES" envSeparator:"," envDefault:"tweet.read,users.read,follows.read,offline.access"`
	StateTTL     time.Duration `env:"TWITTER_STATE_TTL" envDefault:"10m"`
}

// TelegramConfig points the community task at a Telegram group.
type TelegramConfig struct {
	BotToken   string `env:"TELEGRAM_BOT_TOKEN"`
	ChatID     int64  `env:"TELEGRAM_CHAT_ID"`
	InviteLink string `env:"TELEGRAM_INVITE_LINK" envDefault:"https://t.me/clusterprotocolchat"`
}

// AgentConfig selects the conversational agent.
type AgentConfig struct {
	Provider     string        `env:"AGENT_PROVIDER" envDefault:"scripted"`
	OpenAIAPIKey string        `env:"OPENAI_API_KEY"`
	OpenAIURL    string        `env:"OPENAI_BASE_URL"`
	Model        string        `env:"OPENAI_MODEL" envDefault:"gpt-3.5-turbo"`
	Temperature  float32       `env:"OPENAI_TEMPERATURE" envDefault:"0.7"`
	PersonaName  string        `env:"AGENT_PERSONA" envDefault:"Zura"`
	WindowSize   int           `env:"TRANSCRIPT_WINDOW" envDefault:"4"`
	ChunkDelay   time.Duration `env:"SCRIPTED_CHUNK_DELAY" envDefault:"40ms"`
}

// AptosConfig describes the purchase transfer and the fullnode used to confirm it.
type AptosConfig struct {
	NodeURL         string        `env:"APTOS_NODE_URL" envDefault:"https://fullnode.testnet.aptoslabs.com/v1"`
	Recipient       string        `env:"APTOS_RECIPIENT" envDefault:"0xbb629c088b696f8c3500d0133692a1ad98a90baef9d957056ec4067523181e9a"`
	PriceOctas      uint64        `env:"APTOS_PRICE_OCTAS" envDefault:"50000000"`
	CreditsPerBuy   int           `env:"APTOS_CREDITS_PER_PURCHASE" envDefault:"1"`
	ConfirmTimeout  time.Duration `env:"APTOS_CONFIRM_TIMEOUT" envDefault:"30s"`
	ConfirmInterval time.Duration `env:"APTOS_CONFIRM_INTERVAL" envDefault:"500ms"`
}

// RateLimitConfig bounds chat requests per identity.
type RateLimitConfig struct {
	RequestsPerWindow int           `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	WindowDuration    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// SSEConfig tunes the chat event stream.
type SSEConfig struct {
	MaxRequestBodySize int64 `env:"SSE_MAX_BODY" envDefault:"1048576"`
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"5s"`
	AgentStream time.Duration `env:"AGENT_STREAM_TIMEOUT" envDefault:"120s"`
}

// RetryConfig controls retries on SQLite busy errors.
type RetryConfig struct {
	DatabaseMaxRetries     int           `env:"DB_MAX_RETRIES" envDefault:"3"`
	DatabaseRetryBaseDelay time.Duration `env:"DB_RETRY_BASE_DELAY" envDefault:"50ms"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool   `env:"CONVERSATION_LOG_ENABLED" envDefault:"true"`
	Dir       string `env:"CONVERSATION_LOG_DIR" envDefault:"./data/logs/conversations"`
	QueueSize int    `env:"CONVERSATION_LOG_QUEUE_SIZE" envDefault:"1000"`
}

// SweeperConfig schedules background cleanup.
type SweeperConfig struct {
	Schedule string `env:"SWEEPER_SCHEDULE" envDefault:"@every 5m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Credits.Allowance <= 0 {
		return fmt.Errorf("CREDIT_ALLOWANCE must be > 0")
	}
	switch c.Credits.GrantPolicy {
	case "once", "floor":
	default:
		return fmt.Errorf("GRANT_POLICY must be 'once' or 'floor', got %q", c.Credits.GrantPolicy)
	}
	switch c.Follow.Provider {
	case "rapidapi", "twitter":
	default:
		return fmt.Errorf("FOLLOW_PROVIDER must be 'rapidapi' or 'twitter', got %q", c.Follow.Provider)
	}
	if c.Follow.ResultLimit <= 0 || c.Follow.ResultLimit > 5000 {
		return fmt.Errorf("FOLLOW_RESULT_LIMIT must be in 1..5000")
	}
	if c.Follow.MaxFailures <= 0 {
		return fmt.Errorf("FOLLOW_MAX_FAILURES must be > 0")
	}
	switch c.Agent.Provider {
	case "scripted":
	case "openai":
		if c.Agent.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AGENT_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("AGENT_PROVIDER must be 'scripted' or 'openai', got %q", c.Agent.Provider)
	}
	if c.Agent.WindowSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_WINDOW must be > 0")
	}
	if c.Aptos.CreditsPerBuy <= 0 {
		return fmt.Errorf("APTOS_CREDITS_PER_PURCHASE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// TwitterEnabled reports whether the OAuth client is configured.
func (c *Config) TwitterEnabled() bool {
	return c.Twitter.ClientID != ""
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
