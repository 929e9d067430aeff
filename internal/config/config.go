// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Quota       QuotaConfig        `mapstructure:"quota"`
	Invoker     InvokerConfig      `mapstructure:"invoker"`
	Pacer       PacerConfig        `mapstructure:"pacer"`
	Credentials []CredentialConfig `mapstructure:"credentials"`
	Strategies  StrategiesConfig   `mapstructure:"strategies"`
	Targets     TargetsConfig      `mapstructure:"targets"`
	Remote      RemoteConfig       `mapstructure:"remote"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Archive     ArchiveConfig      `mapstructure:"archive"`
	PubSub      PubSubConfig       `mapstructure:"pubsub"`
	Ingest      IngestConfig       `mapstructure:"ingest"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WindowConfig sizes one quota category.
type WindowConfig struct {
	Capacity int           `mapstructure:"capacity"`
	Window   time.Duration `mapstructure:"window"`
}

// QuotaConfig controls the quota ledger.
type QuotaConfig struct {
	SafetyBuffer  time.Duration           `mapstructure:"safety_buffer"`
	BaseDelay     time.Duration           `mapstructure:"base_delay"`
	PerCredential bool                    `mapstructure:"per_credential"`
	Categories    map[string]WindowConfig `mapstructure:"categories"`
}

// InvokerConfig sets the retry and rotation budget.
type InvokerConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Jitter        float64       `mapstructure:"jitter"`
	RotateOnError bool          `mapstructure:"rotate_on_error"`
}

// PacerConfig spaces calls within one category.
type PacerConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	Burst       int           `mapstructure:"burst"`
}

// CredentialConfig is one API credential set.
type CredentialConfig struct {
	Name         string `mapstructure:"name"`
	BearerToken  string `mapstructure:"bearer_token"`
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	AccessToken  string `mapstructure:"access_token"`
	AccessSecret string `mapstructure:"access_secret"`
}

// StrategyConfig schedules and bounds one strategy.
type StrategyConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Cadence             time.Duration `mapstructure:"cadence"`
	Offset              time.Duration `mapstructure:"offset"`
	MaxTargetsPerRun    int           `mapstructure:"max_targets_per_run"`
	MaxResultsPerTarget int           `mapstructure:"max_results_per_target"`
	MaxPagesPerTarget   int           `mapstructure:"max_pages_per_target"`
	InterTargetDelay    time.Duration `mapstructure:"inter_target_delay"`
}

// StrategiesConfig holds one entry per acquisition strategy.
type StrategiesConfig struct {
	Accounts StrategyConfig `mapstructure:"accounts"`
	Hashtags StrategyConfig `mapstructure:"hashtags"`
	Trends   StrategyConfig `mapstructure:"trends"`
	Search   StrategyConfig `mapstructure:"search"`
}

// ByName returns the strategy settings keyed by strategy name.
func (s StrategiesConfig) ByName() map[string]StrategyConfig {
	return map[string]StrategyConfig{
		"accounts": s.Accounts,
		"hashtags": s.Hashtags,
		"trends":   s.Trends,
		"search":   s.Search,
	}
}

// TargetsConfig lists what the strategies harvest.
type TargetsConfig struct {
	Accounts           []string `mapstructure:"accounts"`
	Hashtags           []string `mapstructure:"hashtags"`
	Queries            []string `mapstructure:"queries"`
	TrendKeywords      []string `mapstructure:"trend_keywords"`
	TrendRegions       []int64  `mapstructure:"trend_regions"`
	MaxRegionsPerRun   int      `mapstructure:"max_regions_per_run"`
	MaxTopicsPerRegion int      `mapstructure:"max_topics_per_region"`
}

// RemoteConfig configures the API client.
type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where raw pages are archived.
type ArchiveConfig struct {
	Driver    string `mapstructure:"driver"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether record notifications are published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// IngestConfig controls duplicate handling.
type IngestConfig struct {
	RefreshDuplicates bool `mapstructure:"refresh_duplicates"`
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Archive drivers.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Credentials) == 0 {
		cfg.Credentials = credentialsFromTokens(v.GetString("bearer_tokens"))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// credentialsFromTokens builds credentials from a comma-separated token
// list, which is how HARVEST_BEARER_TOKENS supplies them.
func credentialsFromTokens(raw string) []CredentialConfig {
	var out []CredentialConfig
	for _, token := range strings.Split(raw, ",") {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, CredentialConfig{BearerToken: token})
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("bearer_tokens", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("quota.safety_buffer", "1s")
	v.SetDefault("quota.base_delay", "1s")
	v.SetDefault("quota.per_credential", false)
	v.SetDefault("quota.categories.default.capacity", 100)
	v.SetDefault("quota.categories.default.window", "15m")
	v.SetDefault("quota.categories.timeline.capacity", 75)
	v.SetDefault("quota.categories.timeline.window", "15m")
	v.SetDefault("quota.categories.search.capacity", 60)
	v.SetDefault("quota.categories.search.window", "15m")
	v.SetDefault("quota.categories.trends.capacity", 45)
	v.SetDefault("quota.categories.trends.window", "15m")

	v.SetDefault("invoker.max_retries", 7)
	v.SetDefault("invoker.initial_delay", "15s")
	v.SetDefault("invoker.max_delay", "10m")
	v.SetDefault("invoker.jitter", 0.2)
	v.SetDefault("invoker.rotate_on_error", true)

	v.SetDefault("pacer.min_interval", "5s")
	v.SetDefault("pacer.burst", 1)

	strategyDefaults(v, "accounts", "3h", "0s", 0, 7, "5s")
	strategyDefaults(v, "hashtags", "4h", "15m", 0, 5, "45s")
	strategyDefaults(v, "trends", "6h", "30m", 4, 5, "5s")
	strategyDefaults(v, "search", "8h", "45m", 3, 10, "5s")

	v.SetDefault("targets.accounts", []string{
		"cz_binance", "VitalikButerin", "elonmusk", "CoinDesk", "TrustWallet", "Uniswap",
		"APompliano", "binance", "coinbase", "Cointelegraph", "brian_armstrong",
	})
	v.SetDefault("targets.hashtags", []string{
		"bitcoin", "ethereum", "crypto", "binancecoin", "xrp", "solana",
		"defi", "nft", "blockchain", "web3", "altcoins", "cryptotrading",
	})
	v.SetDefault("targets.queries", []string{
		"crypto news", "bitcoin analysis", "ethereum development", "defi project",
		"nft marketplace", "blockchain technology", "solana ecosystem", "web3 innovation",
	})
	v.SetDefault("targets.trend_keywords", []string{
		"bitcoin", "btc", "eth", "ethereum", "crypto", "blockchain", "defi",
		"nft", "web3", "altcoin", "token", "coin", "mining", "binance",
		"coinbase", "wallet", "solana", "cardano", "ripple", "exchange",
	})
	v.SetDefault("targets.trend_regions", []int64{1, 23424977, 23424829, 23424856, 23424848, 23424975, 23424868})
	v.SetDefault("targets.max_regions_per_run", 2)
	v.SetDefault("targets.max_topics_per_region", 2)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.user_agent", "postharvest/0.1")

	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "posts")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.max_conn_lifetime", "30m")

	v.SetDefault("archive.driver", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.gcs_bucket", "")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("ingest.refresh_duplicates", true)
}

func strategyDefaults(v *viper.Viper, name, cadence, offset string, maxTargets, maxResults int, delay string) {
	prefix := "strategies." + name + "."
	v.SetDefault(prefix+"enabled", true)
	v.SetDefault(prefix+"cadence", cadence)
	v.SetDefault(prefix+"offset", offset)
	v.SetDefault(prefix+"max_targets_per_run", maxTargets)
	v.SetDefault(prefix+"max_results_per_target", maxResults)
	v.SetDefault(prefix+"max_pages_per_target", 1)
	v.SetDefault(prefix+"inter_target_delay", delay)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for name, w := range c.Quota.Categories {
		if w.Capacity <= 0 || w.Window <= 0 {
			return fmt.Errorf("quota.categories.%s: capacity and window must be > 0", name)
		}
	}
	if c.Invoker.MaxRetries < 0 {
		return fmt.Errorf("invoker.max_retries must be >= 0")
	}
	if c.Invoker.Jitter < 0 || c.Invoker.Jitter > 1 {
		return fmt.Errorf("invoker.jitter must be within [0,1]")
	}
	if len(c.Credentials) == 0 {
		return fmt.Errorf("credentials: at least one credential is required")
	}
	for i, cred := range c.Credentials {
		if cred.BearerToken == "" {
			return fmt.Errorf("credentials[%d].bearer_token is required", i)
		}
	}
	for name, s := range c.Strategies.ByName() {
		if s.Cadence < 0 || s.Offset < 0 {
			return fmt.Errorf("strategies.%s: cadence and offset must be >= 0", name)
		}
		if s.MaxTargetsPerRun < 0 || s.MaxResultsPerTarget < 0 || s.MaxPagesPerTarget < 0 {
			return fmt.Errorf("strategies.%s: limits must be >= 0", name)
		}
		if s.Enabled && s.MaxResultsPerTarget == 0 && s.MaxPagesPerTarget == 0 {
			return fmt.Errorf("strategies.%s: max_results_per_target or max_pages_per_target must be > 0", name)
		}
	}
	if c.Targets.MaxRegionsPerRun < 0 || c.Targets.MaxTopicsPerRegion < 0 {
		return fmt.Errorf("targets.max_regions_per_run and targets.max_topics_per_region must be >= 0")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres, StorageSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Archive.Driver {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// HarvestCredentials converts the configured credentials into pool order.
// Unnamed credentials are labelled by position.
func (c Config) HarvestCredentials() []harvest.Credential {
	out := make([]harvest.Credential, 0, len(c.Credentials))
	for i, cc := range c.Credentials {
		name := cc.Name
		if name == "" {
			name = fmt.Sprintf("credential-%d", i)
		}
		out = append(out, harvest.Credential{
			Index:        i,
			Name:         name,
			BearerToken:  cc.BearerToken,
			APIKey:       cc.APIKey,
			APISecret:    cc.APISecret,
			AccessToken:  cc.AccessToken,
			AccessSecret: cc.AccessSecret,
		})
	}
	return out
}
