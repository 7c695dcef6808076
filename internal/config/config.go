// Package config handles configuration loading and validation for the
// zipcode-mining subnet core.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the subnet core.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Validator   ValidatorConfig   `mapstructure:"validator"`
	Miner       MinerConfig       `mapstructure:"miner"`
	Epoch       EpochConfig       `mapstructure:"epoch"`
	Tiers       TiersConfig       `mapstructure:"tiers"`
	AntiGaming  AntiGamingConfig  `mapstructure:"anti_gaming"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	WeightSink  WeightSinkConfig  `mapstructure:"weight_sink"`
	API         APIConfig         `mapstructure:"api"`
	Security    SecurityConfig    `mapstructure:"security"`
	Log         LogConfig         `mapstructure:"log"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Profiling   ProfilingConfig   `mapstructure:"profiling"`
	NewRelic    NewRelicConfig    `mapstructure:"newrelic"`
}

// NodeConfig identifies this process within the subnet.
type NodeConfig struct {
	ID      string        `mapstructure:"id"`
	Role    string        `mapstructure:"role"` // "coordinator" | "validator" | "miner"
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CoordinatorConfig defines C1 Assignment Coordinator settings.
type CoordinatorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Bind             string        `mapstructure:"bind"`
	Secret           string        `mapstructure:"secret"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	SealLockTTL      time.Duration `mapstructure:"seal_lock_ttl"`
	HoneypotPoolSize int           `mapstructure:"honeypot_pool_size"`
	MaxSwapAttempts  int           `mapstructure:"max_swap_attempts"`
	PoolFile         string        `mapstructure:"pool_file"`
}

// ValidatorConfig defines C3–C6 validator process settings.
type ValidatorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ID                string        `mapstructure:"id"`
	GossipBind        string        `mapstructure:"gossip_bind"`
	GossipPeers       []string      `mapstructure:"gossip_peers"`
	WorkerPoolPerZip  int           `mapstructure:"worker_pool_per_zip"`
	ScraperTimeout    time.Duration `mapstructure:"scraper_timeout"`
	StorageRetryCap   int           `mapstructure:"storage_retry_cap"`
	WeightPublishBudget time.Duration `mapstructure:"weight_publish_budget"`
	MajorityThreshold float64       `mapstructure:"majority_threshold"`
}

// MinerConfig defines C2 miner mining-loop settings.
type MinerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ID             string        `mapstructure:"id"`
	CoordinatorURL string        `mapstructure:"coordinator_url"`
	Secret         string        `mapstructure:"secret"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	UploadBudget   time.Duration `mapstructure:"upload_budget"`
	LocalDataDir   string        `mapstructure:"local_data_dir"`
}

// EpochConfig defines epoch-selection parameters.
type EpochConfig struct {
	GridIntervalHours int     `mapstructure:"grid_interval_hours"`
	TargetListings    int     `mapstructure:"target_listings"`
	TolerancePct      float64 `mapstructure:"tolerance_pct"`
}

// TiersConfig defines the tunable thresholds of the three validation tiers.
type TiersConfig struct {
	Tier1QuantityTolerance  float64 `mapstructure:"tier1_quantity_tolerance"`
	Tier2Completeness       float64 `mapstructure:"tier2_completeness"`
	Tier2ReasonableValues   float64 `mapstructure:"tier2_reasonable_values"`
	Tier2DataConsistency    float64 `mapstructure:"tier2_data_consistency"`
	Tier2MaxDuplicateRate   float64 `mapstructure:"tier2_max_duplicate_rate"`
	Tier3MinSamples         int     `mapstructure:"tier3_min_samples"`
	Tier3MaxSamples         int     `mapstructure:"tier3_max_samples"`
	Tier3SampleFraction     float64 `mapstructure:"tier3_sample_fraction"`
	Tier3PassRateThreshold  float64 `mapstructure:"tier3_pass_rate_threshold"`
	Tier3PriceTolerancePct  float64 `mapstructure:"tier3_price_tolerance_pct"`
	Tier3PriceToleranceAbs  int64   `mapstructure:"tier3_price_tolerance_abs"`
	Tier3AreaTolerancePct   float64 `mapstructure:"tier3_area_tolerance_pct"`
}

// AntiGamingConfig defines C7 thresholds.
type AntiGamingConfig struct {
	CrossMinerDuplicateShare float64 `mapstructure:"cross_miner_duplicate_share"`
	AnomalyRateThreshold     float64 `mapstructure:"anomaly_rate_threshold"`
	PriceZScoreThreshold     float64 `mapstructure:"price_zscore_threshold"`
}

// ObjectStoreConfig defines the object-storage layout root(s) and failover.
type ObjectStoreConfig struct {
	Backends    []string      `mapstructure:"backends"`
	HealthCheck time.Duration `mapstructure:"health_check_interval"`
}

// WeightSinkConfig defines the external weight-setter sink.
type WeightSinkConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig defines the coordinator HTTP surface.
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	SignatureSkew time.Duration `mapstructure:"signature_skew"`
}

// SecurityConfig defines abuse-protection settings for the coordinator API.
type SecurityConfig struct {
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
	BanThreshold        int           `mapstructure:"ban_threshold"`
	BanDuration         time.Duration `mapstructure:"ban_duration"`
	RateLimitRequests   int           `mapstructure:"rate_limit_requests"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// NotifyConfig defines Discord/Telegram alerting for epoch-lifecycle
// events.
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramURL  string `mapstructure:"telegram_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	SubnetName   string `mapstructure:"subnet_name"`
	SubnetURL    string `mapstructure:"subnet_url"`
}

// ProfilingConfig defines the pprof debug server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines New Relic APM integration.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/subnet-core")
	}

	v.SetEnvPrefix("SUBNET_CORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "node-1")
	v.SetDefault("node.role", "validator")
	v.SetDefault("node.timeout", "10s")

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("coordinator.enabled", false)
	v.SetDefault("coordinator.bind", "0.0.0.0:8180")
	v.SetDefault("coordinator.grace_period", "5m")
	v.SetDefault("coordinator.seal_lock_ttl", "30s")
	v.SetDefault("coordinator.honeypot_pool_size", 5)
	v.SetDefault("coordinator.max_swap_attempts", 25)
	v.SetDefault("coordinator.pool_file", "./config/zipcode_pool.json")

	v.SetDefault("validator.enabled", true)
	v.SetDefault("validator.id", "validator-1")
	v.SetDefault("validator.gossip_bind", "0.0.0.0:8181")
	v.SetDefault("validator.worker_pool_per_zip", 8)
	v.SetDefault("validator.scraper_timeout", "15s")
	v.SetDefault("validator.storage_retry_cap", 5)
	v.SetDefault("validator.weight_publish_budget", "5m")
	v.SetDefault("validator.majority_threshold", 0.90)

	v.SetDefault("miner.enabled", false)
	v.SetDefault("miner.id", "miner-1")
	v.SetDefault("miner.coordinator_url", "http://127.0.0.1:8180")
	v.SetDefault("miner.poll_interval", "30s")
	v.SetDefault("miner.upload_budget", "10m")
	v.SetDefault("miner.local_data_dir", "./data/local")

	v.SetDefault("epoch.grid_interval_hours", 4)
	v.SetDefault("epoch.target_listings", 10000)
	v.SetDefault("epoch.tolerance_pct", 0.10)

	v.SetDefault("tiers.tier1_quantity_tolerance", 0.15)
	v.SetDefault("tiers.tier2_completeness", 0.90)
	v.SetDefault("tiers.tier2_reasonable_values", 0.95)
	v.SetDefault("tiers.tier2_data_consistency", 0.90)
	v.SetDefault("tiers.tier2_max_duplicate_rate", 0.05)
	v.SetDefault("tiers.tier3_min_samples", 3)
	v.SetDefault("tiers.tier3_max_samples", 10)
	v.SetDefault("tiers.tier3_sample_fraction", 0.10)
	v.SetDefault("tiers.tier3_pass_rate_threshold", 0.80)
	v.SetDefault("tiers.tier3_price_tolerance_pct", 0.02)
	v.SetDefault("tiers.tier3_price_tolerance_abs", 5000)
	v.SetDefault("tiers.tier3_area_tolerance_pct", 0.05)

	v.SetDefault("anti_gaming.cross_miner_duplicate_share", 0.5)
	v.SetDefault("anti_gaming.anomaly_rate_threshold", 0.05)
	v.SetDefault("anti_gaming.price_zscore_threshold", 6.0)

	v.SetDefault("object_store.backends", []string{"./data"})
	v.SetDefault("object_store.health_check_interval", "30s")

	v.SetDefault("weight_sink.timeout", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.signature_skew", "5m")

	v.SetDefault("security.max_connections_per_ip", 100)
	v.SetDefault("security.ban_threshold", 30)
	v.SetDefault("security.ban_duration", "1h")
	v.SetDefault("security.rate_limit_requests", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("notify.enabled", false)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "zipcode-subnet-validator")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Node.Role != "coordinator" && c.Node.Role != "validator" && c.Node.Role != "miner" {
		return fmt.Errorf("node.role must be one of coordinator|validator|miner")
	}

	if c.Coordinator.Enabled && c.Coordinator.Secret == "" {
		return fmt.Errorf("coordinator.secret is required when coordinator is enabled")
	}

	if c.Epoch.TargetListings <= 0 {
		return fmt.Errorf("epoch.target_listings must be > 0")
	}

	if c.Epoch.TolerancePct <= 0 || c.Epoch.TolerancePct >= 1 {
		return fmt.Errorf("epoch.tolerance_pct must be in (0, 1)")
	}

	if c.Epoch.GridIntervalHours <= 0 || 24%c.Epoch.GridIntervalHours != 0 {
		return fmt.Errorf("epoch.grid_interval_hours must evenly divide 24")
	}

	if c.Tiers.Tier3MinSamples <= 0 || c.Tiers.Tier3MaxSamples < c.Tiers.Tier3MinSamples {
		return fmt.Errorf("tiers.tier3_min_samples/tier3_max_samples are invalid")
	}

	if c.Validator.MajorityThreshold <= 0 || c.Validator.MajorityThreshold > 1 {
		return fmt.Errorf("validator.majority_threshold must be in (0, 1]")
	}

	if c.Miner.Enabled && c.Miner.CoordinatorURL == "" {
		return fmt.Errorf("miner.coordinator_url is required when miner is enabled")
	}

	if len(c.ObjectStore.Backends) == 0 {
		return fmt.Errorf("object_store.backends must have at least one entry")
	}

	return nil
}

// IsCoordinator reports whether this process runs the coordinator role.
func (c *Config) IsCoordinator() bool {
	return c.Coordinator.Enabled
}

// IsValidator reports whether this process runs the validator role.
func (c *Config) IsValidator() bool {
	return c.Validator.Enabled
}

// IsMiner reports whether this process runs the miner role.
func (c *Config) IsMiner() bool {
	return c.Miner.Enabled
}
