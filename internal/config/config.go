// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the surveillance engine.
type Config struct {
	// Polymarket endpoints
	PolymarketWSURL  string
	GammaAPIURL      string
	CLOBAPIURL       string
	MarketFetchLimit int

	// Polygon RPC for wallet lookups
	RPCURL string

	// Filter thresholds
	MinUSDSize            float64
	ExcludeMarketKeywords []string
	LPDetectionWindow     time.Duration

	// Detection thresholds
	WhaleThresholdUSD    float64
	WhaleMultiplier      float64
	FreshWalletMaxTxs    int
	ClusterWindow        time.Duration
	ClusterMinWallets    int
	TimingHoursThreshold float64
	OddsMovementDelta    float64
	ContrarianConsensus  float64
	ContrarianMinUSD     float64
	WatchedWallets       []string

	// Alerting
	DiscordWebhookURLs []string
	TelegramBotToken   string
	TelegramChatID     string
	PublishConfidence  float64
	AlertRatePerSec    float64
	AlertQueueSize     int

	// Metrics
	PrometheusPort int
	StatsInterval  time.Duration

	// UI
	EnableTUI     bool
	UIRefreshRate time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		// Polymarket
		PolymarketWSURL:  getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		GammaAPIURL:      getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CLOBAPIURL:       getEnv("CLOB_API_URL", "https://clob.polymarket.com"),
		MarketFetchLimit: getEnvInt("MARKET_FETCH_LIMIT", 200),

		// RPC
		RPCURL: getEnv("RPC_URL", "https://polygon-rpc.com"),

		// Filters
		MinUSDSize:            getEnvFloat("MIN_USD_SIZE", 2000),
		ExcludeMarketKeywords: getEnvList("EXCLUDE_MARKET_KEYWORDS", `["Sports", "Football", "NBA", "NFL"]`),
		LPDetectionWindow:     time.Duration(getEnvInt("LP_DETECTION_WINDOW_MS", 200)) * time.Millisecond,

		// Detection
		WhaleThresholdUSD:    getEnvFloat("WHALE_THRESHOLD_USD", 10000),
		WhaleMultiplier:      getEnvFloat("WHALE_MULTIPLIER", 5.0),
		FreshWalletMaxTxs:    getEnvInt("FRESH_WALLET_MAX_TXS", 10),
		ClusterWindow:        time.Duration(getEnvInt("CLUSTER_WINDOW_SECONDS", 60)) * time.Second,
		ClusterMinWallets:    getEnvInt("CLUSTER_MIN_WALLETS", 3),
		TimingHoursThreshold: getEnvFloat("TIMING_HOURS_THRESHOLD", 12),
		OddsMovementDelta:    getEnvFloat("ODDS_MOVEMENT_THRESHOLD", 0.05),
		ContrarianConsensus:  getEnvFloat("CONTRARIAN_CONSENSUS", 0.85),
		ContrarianMinUSD:     getEnvFloat("CONTRARIAN_MIN_USD", 5000),
		WatchedWallets:       getEnvList("WATCHED_WALLETS", ""),

		// Alerting
		DiscordWebhookURLs: getEnvList("DISCORD_WEBHOOK_URLS", getEnv("DISCORD_WEBHOOK_URL", "")),
		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		PublishConfidence:  getEnvFloat("PUBLISH_CONFIDENCE", 0.60),
		AlertRatePerSec:    getEnvFloat("ALERT_RATE_PER_SEC", 1.0),
		AlertQueueSize:     getEnvInt("ALERT_QUEUE_SIZE", 10),

		// Metrics
		PrometheusPort: getEnvInt("PROMETHEUS_PORT", 9090),
		StatsInterval:  time.Duration(getEnvInt("STATS_INTERVAL_SECONDS", 300)) * time.Second,

		// UI
		EnableTUI:     getEnvBool("ENABLE_TUI", false),
		UIRefreshRate: time.Duration(getEnvInt("UI_REFRESH_MS", 500)) * time.Millisecond,

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.PolymarketWSURL == "" {
		return fmt.Errorf("POLYMARKET_WS_URL is required")
	}

	if c.MinUSDSize <= 0 {
		return fmt.Errorf("MIN_USD_SIZE must be positive")
	}

	if c.WhaleThresholdUSD <= 0 {
		return fmt.Errorf("WHALE_THRESHOLD_USD must be positive")
	}

	if c.WhaleMultiplier <= 1 {
		return fmt.Errorf("WHALE_MULTIPLIER must be greater than 1")
	}

	if c.ClusterMinWallets < 2 {
		return fmt.Errorf("CLUSTER_MIN_WALLETS must be at least 2")
	}

	if c.ContrarianConsensus <= 0.5 || c.ContrarianConsensus > 1 {
		return fmt.Errorf("CONTRARIAN_CONSENSUS must be in (0.5, 1]")
	}

	if c.PublishConfidence < 0 || c.PublishConfidence >= 1 {
		return fmt.Errorf("PUBLISH_CONFIDENCE must be in [0, 1)")
	}

	if c.AlertRatePerSec <= 0 {
		return fmt.Errorf("ALERT_RATE_PER_SEC must be positive")
	}

	if c.AlertQueueSize < 1 {
		return fmt.Errorf("ALERT_QUEUE_SIZE must be at least 1")
	}

	if c.PrometheusPort < 1 || c.PrometheusPort > 65535 {
		return fmt.Errorf("PROMETHEUS_PORT must be between 1 and 65535")
	}

	return nil
}

// MaskedTelegramToken returns the bot token with most characters hidden for logging.
func (c *Config) MaskedTelegramToken() string {
	return maskSecret(c.TelegramBotToken)
}

// MaskedDiscordWebhooks returns the webhook URLs with most characters hidden for logging.
func (c *Config) MaskedDiscordWebhooks() []string {
	masked := make([]string, len(c.DiscordWebhookURLs))
	for i, url := range c.DiscordWebhookURLs {
		masked[i] = maskSecret(url)
	}
	return masked
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

var quotedItem = regexp.MustCompile(`"([^"]*)"`)

// parseList parses a JSON-style or comma-separated list value.
func parseList(value string) []string {
	if value == "" {
		return nil
	}

	// JSON-style lists: ["Sports", "Football"]
	if strings.HasPrefix(value, "[") {
		matches := quotedItem.FindAllStringSubmatch(value, -1)
		if len(matches) > 0 {
			items := make([]string, 0, len(matches))
			for _, m := range matches {
				if m[1] != "" {
					items = append(items, m[1])
				}
			}
			return items
		}
		value = strings.Trim(value, "[]")
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.Trim(strings.TrimSpace(item), `"'`)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList retrieves an environment variable as a list or parses the default.
func getEnvList(key, defaultValue string) []string {
	if value := os.Getenv(key); value != "" {
		return parseList(value)
	}
	return parseList(defaultValue)
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float64 or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
