package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/witnz/topicrelay/internal/ledger"
)

type Config struct {
	Ledger LedgerConfig `mapstructure:"ledger"`
	Topics TopicsConfig `mapstructure:"topics"`
	Node   NodeConfig   `mapstructure:"node"`
	Server ServerConfig `mapstructure:"server"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Points PointsConfig `mapstructure:"points"`
	Outbox OutboxConfig `mapstructure:"outbox"`
	Alerts AlertsConfig `mapstructure:"alerts"`
	Log    LogConfig    `mapstructure:"log"`
}

type LedgerConfig struct {
	Network        string        `mapstructure:"network"`
	OperatorID     string        `mapstructure:"operator_id"`
	OperatorKey    string        `mapstructure:"operator_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type TopicsConfig struct {
	Source         string `mapstructure:"source"`
	Target         string `mapstructure:"target"`
	MaxMessageSize int    `mapstructure:"max_message_size"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`

	// VerifyInterval re-checks every topic's hash chain periodically. Zero
	// verifies once at startup only.
	VerifyInterval time.Duration `mapstructure:"verify_interval"`
}

type ServerConfig struct {
	Addr         string          `mapstructure:"addr"`
	Port         string          `mapstructure:"port"`
	CORSOrigins  []string        `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type RelayConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Replay starts the subscription after ReplayAfter instead of at the
	// current end of the source topic.
	Replay      bool   `mapstructure:"replay"`
	ReplayAfter uint64 `mapstructure:"replay_after"`
}

type PointsConfig struct {
	RecipientID     string `mapstructure:"recipient_id"`
	Name            string `mapstructure:"name"`
	Tick            string `mapstructure:"tick"`
	MaxSupply       string `mapstructure:"max_supply"`
	LimitPerMint    string `mapstructure:"limit_per_mint"`
	ReuseDeployment bool   `mapstructure:"reuse_deployment"`
}

type OutboxConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Database        DatabaseConfig `mapstructure:"database"`
	Table           string         `mapstructure:"table"`
	SlotName        string         `mapstructure:"slot_name"`
	PublicationName string         `mapstructure:"publication_name"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps keys to the environment variables read by earlier
// deployments of the service.
var legacyEnv = map[string][]string{
	"ledger.operator_id":  {"VITE_OPERATOR_ID", "OPERATOR_ID"},
	"ledger.operator_key": {"VITE_OPERATOR_KEY", "OPERATOR_KEY"},
	"topics.source":       {"VITE_SOURCE_TOPIC_ID", "SOURCE_TOPIC_ID"},
	"topics.target":       {"VITE_TARGET_TOPIC_ID", "TARGET_TOPIC_ID"},
	"points.recipient_id": {"VITE_TO_OPERATOR_ID", "TO_OPERATOR_ID"},
	"server.port":         {"PORT"},
	"relay.enabled":       {"START_SUBSCRIBER"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.network", "testnet")
	v.SetDefault("ledger.operator_id", "")
	v.SetDefault("ledger.operator_key", "")
	v.SetDefault("ledger.timeout", 10*time.Second)
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.initial_backoff", 200*time.Millisecond)
	v.SetDefault("ledger.max_backoff", 5*time.Second)

	v.SetDefault("topics.source", "")
	v.SetDefault("topics.target", "")
	v.SetDefault("topics.max_message_size", 1024)

	v.SetDefault("node.id", "node1")
	v.SetDefault("node.bind_addr", "127.0.0.1:7000")
	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("node.bootstrap", true)
	v.SetDefault("node.verify_interval", "0s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.port", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.rps", 30)
	v.SetDefault("server.rate_limit.burst", 60)
	v.SetDefault("server.rate_limit.idle_ttl", "10m")

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.replay", false)
	v.SetDefault("relay.replay_after", 0)

	v.SetDefault("points.recipient_id", "")
	v.SetDefault("points.name", "RewardPoints")
	v.SetDefault("points.tick", "mrp")
	v.SetDefault("points.max_supply", "1000000")
	v.SetDefault("points.limit_per_mint", "1000")
	v.SetDefault("points.reuse_deployment", false)

	v.SetDefault("outbox.enabled", false)
	v.SetDefault("outbox.database.host", "localhost")
	v.SetDefault("outbox.database.port", 5432)
	v.SetDefault("outbox.database.database", "")
	v.SetDefault("outbox.database.user", "")
	v.SetDefault("outbox.database.password", "")
	v.SetDefault("outbox.table", "outbox_events")
	v.SetDefault("outbox.slot_name", "topicrelay_outbox")
	v.SetDefault("outbox.publication_name", "topicrelay_publication")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.slack_webhook", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configPath, if given, and overlays the environment. Without a
// file the configuration comes from defaults and environment alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, envs := range legacyEnv {
		canonical := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, canonical}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Server.Port != "" {
		config.Server.Addr = ":" + strings.TrimPrefix(config.Server.Port, ":")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills zero values with defaults and rejects unusable settings.
// It never requires ledger credentials; an unconfigured ledger only
// disables the operations that need it.
func (c *Config) Validate() error {
	if c.Ledger.Network == "" {
		c.Ledger.Network = "testnet"
	}
	switch c.Ledger.Network {
	case "testnet", "mainnet", "local":
	default:
		return fmt.Errorf("invalid ledger network: %s (valid options: testnet, mainnet, local)", c.Ledger.Network)
	}

	if (c.Ledger.OperatorID == "") != (c.Ledger.OperatorKey == "") {
		return fmt.Errorf("ledger.operator_id and ledger.operator_key must be set together")
	}
	if c.Ledger.OperatorID != "" && !ledger.IsEntityID(c.Ledger.OperatorID) {
		return fmt.Errorf("invalid ledger.operator_id: %s", c.Ledger.OperatorID)
	}
	if c.Ledger.Timeout <= 0 {
		c.Ledger.Timeout = 10 * time.Second
	}
	if c.Ledger.MaxAttempts <= 0 {
		c.Ledger.MaxAttempts = 3
	}
	if c.Ledger.InitialBackoff <= 0 {
		c.Ledger.InitialBackoff = 200 * time.Millisecond
	}
	if c.Ledger.MaxBackoff <= 0 {
		c.Ledger.MaxBackoff = 5 * time.Second
	}
	if c.Ledger.MaxBackoff < c.Ledger.InitialBackoff {
		return fmt.Errorf("ledger.max_backoff must not be less than ledger.initial_backoff")
	}

	for key, id := range map[string]string{
		"topics.source":       c.Topics.Source,
		"topics.target":       c.Topics.Target,
		"points.recipient_id": c.Points.RecipientID,
	} {
		if id != "" && !ledger.IsEntityID(id) {
			return fmt.Errorf("invalid %s: %s", key, id)
		}
	}
	if c.Topics.Source != "" && c.Topics.Source == c.Topics.Target {
		return fmt.Errorf("topics.source and topics.target must differ: %s", c.Topics.Source)
	}
	if c.Topics.MaxMessageSize <= 0 {
		c.Topics.MaxMessageSize = 1024
	}

	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.VerifyInterval < 0 {
		return fmt.Errorf("node.verify_interval must not be negative")
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RPS <= 0 || c.Server.RateLimit.Burst <= 0) {
		return fmt.Errorf("server.rate_limit.rps and server.rate_limit.burst must be positive")
	}

	if c.Points.Name == "" {
		c.Points.Name = "RewardPoints"
	}
	if c.Points.Tick == "" {
		c.Points.Tick = "mrp"
	}
	if c.Points.MaxSupply == "" {
		c.Points.MaxSupply = "1000000"
	}
	if c.Points.LimitPerMint == "" {
		c.Points.LimitPerMint = "1000"
	}
	maxSupply, err := decimal.NewFromString(c.Points.MaxSupply)
	if err != nil || !maxSupply.IsPositive() {
		return fmt.Errorf("invalid points.max_supply: %s", c.Points.MaxSupply)
	}
	limit, err := decimal.NewFromString(c.Points.LimitPerMint)
	if err != nil || !limit.IsPositive() {
		return fmt.Errorf("invalid points.limit_per_mint: %s", c.Points.LimitPerMint)
	}
	if limit.GreaterThan(maxSupply) {
		return fmt.Errorf("points.limit_per_mint exceeds points.max_supply")
	}

	if c.Outbox.Enabled {
		if c.Outbox.Database.Host == "" {
			return fmt.Errorf("outbox.database.host is required")
		}
		if c.Outbox.Database.Database == "" {
			return fmt.Errorf("outbox.database.database is required")
		}
		if c.Outbox.Database.User == "" {
			return fmt.Errorf("outbox.database.user is required")
		}
		if c.Outbox.Table == "" {
			return fmt.Errorf("outbox.table is required")
		}
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (valid options: debug, info, warn, error)", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (valid options: text, json)", c.Log.Format)
	}

	return nil
}

// LedgerConfigured reports whether operator credentials are present.
func (c *Config) LedgerConfigured() bool {
	return c.Ledger.OperatorID != "" && c.Ledger.OperatorKey != ""
}

// TopicsConfigured reports whether both relay topics are set.
func (c *Config) TopicsConfigured() bool {
	return c.Topics.Source != "" && c.Topics.Target != ""
}

func (c *Config) StoragePath() string {
	return filepath.Join(c.Node.DataDir, "topicrelay.db")
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
