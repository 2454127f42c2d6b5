package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gridflow  GridflowConfig  `yaml:"gridflow"`
	Trading   TradingConfig   `yaml:"trading"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Rest      RestConfig      `yaml:"rest"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type GridflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type TradingConfig struct {
	Symbol string `yaml:"symbol"`
	// Slots is the number of concurrent order levels maintained.
	Slots          int           `yaml:"slots"`
	PriceEpsilon   string        `yaml:"price_epsilon"`
	QtyEpsilon     string        `yaml:"qty_epsilon"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	// OrderQty and SpacingBps parameterize the static level source the
	// binary runs with; real strategies replace it.
	OrderQty      string  `yaml:"order_qty"`
	SpacingBps    float64 `yaml:"spacing_bps"`
	PriceDecimals int32   `yaml:"price_decimals"`
}

type RateLimitConfig struct {
	MaxCounter float64 `yaml:"max_counter"`
	// DecayPerSecond is the counter's linear decay rate.
	DecayPerSecond float64 `yaml:"decay_per_second"`
	// Headroom is the usable fraction of max_counter before sends gate.
	Headroom float64 `yaml:"headroom"`
}

type WebsocketConfig struct {
	PrivateURL        string        `yaml:"private_url"`
	PublicURL         string        `yaml:"public_url"`
	BookDepth         int           `yaml:"book_depth"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// DeadmanTimeout is the exchange auto-cancel timer in seconds.
	DeadmanTimeout int `yaml:"deadman_timeout"`
	// BackoffSchedule is the per-attempt reconnect wait ceiling.
	BackoffSchedule []time.Duration `yaml:"backoff_schedule"`
}

type RestConfig struct {
	TokenURL         string        `yaml:"token_url"`
	APIKey           string        `yaml:"api_key"`
	APISecret        string        `yaml:"api_secret"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	TokenMaxAttempts int           `yaml:"token_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Trading: TradingConfig{
			Slots:          6,
			PriceEpsilon:   "0.00000001",
			QtyEpsilon:     "0.00000001",
			PendingTimeout: 30 * time.Second,
			TickInterval:   time.Second,
			OrderQty:       "0.0001",
			SpacingBps:     10,
			PriceDecimals:  1,
		},
		RateLimit: RateLimitConfig{
			MaxCounter:     180,
			DecayPerSecond: 3.75,
			Headroom:       0.8,
		},
		Websocket: WebsocketConfig{
			BookDepth:         10,
			HeartbeatInterval: 15 * time.Second,
			DeadmanTimeout:    60,
		},
		Rest: RestConfig{
			TokenTTL:         10 * time.Minute,
			TokenMaxAttempts: 5,
			Timeout:          10 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present
	if v := os.Getenv("KRAKEN_API_KEY"); v != "" {
		config.Rest.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KRAKEN_API_SECRET"); v != "" {
		config.Rest.APISecret = strings.TrimSpace(v)
	}
	if config.Journal.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Journal.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Journal.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Journal.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Journal.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Gridflow.Name == "" {
		return fmt.Errorf("gridflow.name is required")
	}
	if cfg.Gridflow.Version == "" {
		return fmt.Errorf("gridflow.version is required")
	}

	if cfg.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if cfg.Trading.Slots <= 0 {
		return fmt.Errorf("trading.slots must be greater than 0")
	}
	if cfg.Trading.PendingTimeout <= 0 {
		return fmt.Errorf("trading.pending_timeout must be greater than 0")
	}

	if cfg.RateLimit.MaxCounter <= 0 {
		return fmt.Errorf("rate_limit.max_counter must be greater than 0")
	}
	if cfg.RateLimit.DecayPerSecond <= 0 {
		return fmt.Errorf("rate_limit.decay_per_second must be greater than 0")
	}
	if cfg.RateLimit.Headroom <= 0 || cfg.RateLimit.Headroom > 1 {
		return fmt.Errorf("rate_limit.headroom must be in (0, 1]")
	}

	if cfg.Websocket.PrivateURL == "" {
		return fmt.Errorf("websocket.private_url is required")
	}
	if cfg.Websocket.PublicURL == "" {
		return fmt.Errorf("websocket.public_url is required")
	}
	if cfg.Websocket.DeadmanTimeout > 0 &&
		cfg.Websocket.HeartbeatInterval >= time.Duration(cfg.Websocket.DeadmanTimeout)*time.Second {
		return fmt.Errorf("websocket.heartbeat_interval must be shorter than websocket.deadman_timeout")
	}

	if cfg.Rest.TokenURL == "" {
		return fmt.Errorf("rest.token_url is required")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be greater than 0 when the journal is enabled")
		}
		if !cfg.Journal.S3.Enabled && cfg.Journal.Dir == "" {
			return fmt.Errorf("journal.dir is required when the journal is enabled without S3")
		}
		if cfg.Journal.S3.Enabled {
			if cfg.Journal.S3.Bucket == "" {
				return fmt.Errorf("journal.s3.bucket is required when S3 is enabled")
			}
			if cfg.Journal.S3.Region == "" {
				return fmt.Errorf("journal.s3.region is required when S3 is enabled")
			}
		}
	}

	return nil
}
