package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the paywatch service
type Config struct {
	HTTPPort    string
	Wallet      WalletConfig
	Monitor     MonitorConfig
	Correlation CorrelationConfig
	Reconnect   ReconnectConfig
	Breaker     BreakerConfig
	AMQP        AMQPConfig
	NATS        NATSConfig
}

// WalletConfig holds upstream wallet API connection configuration
type WalletConfig struct {
	APIURL    string // GraphQL HTTP endpoint
	WSURL     string // graphql-ws subscription endpoint; empty disables the push transport
	APIKey    string
	WalletID  string
	Timeout   time.Duration // Per-request HTTP timeout
	UserAgent string
}

// MonitorConfig holds polling-loop and keep-alive configuration
type MonitorConfig struct {
	PollInterval  time.Duration // Cadence of the polling loop
	TxWindow      int           // How many recent transactions to fetch per cycle
	Retention     time.Duration // How long invoices are kept before being swept
	PingInterval  time.Duration // Keep-alive ping cadence on the push transport
	PongStale     time.Duration // Pong silence before a stale-connection warning
	AckTimeout    time.Duration // Handshake acknowledgment timeout
	AwaitAttempts int           // Attempt budget for on-demand payment waits
	AwaitInterval time.Duration // Spacing between on-demand attempts
}

// CorrelationConfig holds matching tolerances. The two-regime amount
// tolerance exists because fixed-point noise dominates at small amounts while
// percentage drift dominates at large ones.
type CorrelationConfig struct {
	RecencyWindow    time.Duration // Max transaction age for amount+recency matches
	FixedTolerance   int64         // Absolute tolerance for amounts below the threshold
	PercentTolerance float64       // Relative tolerance for amounts at or above the threshold
	PercentThreshold int64         // Amount at which the percentage regime takes over
	BalanceTolerance float64       // Relative tolerance for balance-delta matches
	BalanceWindow    time.Duration // Max gap between balance observations
}

// ReconnectConfig holds push-transport reconnection backoff configuration
type ReconnectConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       time.Duration
	MaxAttempts  int // 0 means retry forever
}

// BreakerConfig holds circuit-breaker configuration for connectivity-classed
// upstream calls
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// AMQPConfig holds the optional RabbitMQ sink configuration. An empty URL
// disables the sink.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// NATSConfig holds the optional NATS sink configuration. An empty URL
// disables the sink.
type NATSConfig struct {
	URL     string
	Subject string
}

// Load loads configuration from environment variables with default values
func Load() *Config {
	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8090"),
		Wallet: WalletConfig{
			APIURL:    getEnv("WALLET_API_URL", "https://api.blink.sv/graphql"),
			WSURL:     getEnv("WALLET_WS_URL", ""),
			APIKey:    getEnv("WALLET_API_KEY", ""),
			WalletID:  getEnv("WALLET_ID", ""),
			Timeout:   getDuration("WALLET_TIMEOUT", 10*time.Second),
			UserAgent: getEnv("WALLET_USER_AGENT", "paywatch/1.0"),
		},
		Monitor: MonitorConfig{
			PollInterval:  getDuration("POLL_INTERVAL", 5*time.Second),
			TxWindow:      getInt("TX_WINDOW", 25),
			Retention:     getDuration("INVOICE_RETENTION", 24*time.Hour),
			PingInterval:  getDuration("PING_INTERVAL", 30*time.Second),
			PongStale:     getDuration("PONG_STALE", 2*time.Minute),
			AckTimeout:    getDuration("ACK_TIMEOUT", 5*time.Second),
			AwaitAttempts: getInt("AWAIT_ATTEMPTS", 30),
			AwaitInterval: getDuration("AWAIT_INTERVAL", time.Second),
		},
		Correlation: CorrelationConfig{
			RecencyWindow:    getDuration("RECENCY_WINDOW", 60*time.Second),
			FixedTolerance:   int64(getInt("FIXED_TOLERANCE", 10)),
			PercentTolerance: getFloat("PERCENT_TOLERANCE", 0.02),
			PercentThreshold: int64(getInt("PERCENT_THRESHOLD", 1000)),
			BalanceTolerance: getFloat("BALANCE_TOLERANCE", 0.10),
			BalanceWindow:    getDuration("BALANCE_WINDOW", 120*time.Second),
		},
		Reconnect: ReconnectConfig{
			InitialDelay: getDuration("RECONNECT_INITIAL_DELAY", time.Second),
			Multiplier:   getFloat("RECONNECT_MULTIPLIER", 2.0),
			MaxDelay:     getDuration("RECONNECT_MAX_DELAY", time.Minute),
			Jitter:       getDuration("RECONNECT_JITTER", time.Second),
			MaxAttempts:  getInt("RECONNECT_MAX_ATTEMPTS", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getInt("BREAKER_FAILURES", 5),
			Cooldown:         getDuration("BREAKER_COOLDOWN", time.Minute),
		},
		AMQP: AMQPConfig{
			URL:        getEnv("AMQP_URL", ""),
			Exchange:   getEnv("AMQP_EXCHANGE", "paywatch.events"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "paywatch.invoice.paid"),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "paywatch.invoice.paid"),
		},
	}
}

// getEnv retrieves an environment variable or returns a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt retrieves an integer environment variable or returns a default value
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getFloat retrieves a float environment variable or returns a default value
func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDuration retrieves a duration environment variable (Go duration syntax,
// e.g. "5s") or returns a default value
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
