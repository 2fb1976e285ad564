// Package config loads and validates the multi-group configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// DefaultPath is used when no --config flag is supplied.
const DefaultPath = "configs/multi_group_config.yaml"

// Config captures the whole configuration document.
type Config struct {
	Groups   []GroupEntry       `mapstructure:"whatsapp_groups"`
	Scraper  ScraperConfig      `mapstructure:"scraper_settings"`
	AI       AIConfig           `mapstructure:"ai_integration"`
	Fallback FallbackConfig     `mapstructure:"apify_fallback"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Storage  StorageConfig      `mapstructure:"storage"`
	DB       DBConfig           `mapstructure:"db"`
	PubSub   PubSubConfig       `mapstructure:"pubsub"`
	Status   StatusServerConfig `mapstructure:"status_server"`
	Progress ProgressConfig     `mapstructure:"progress"`
	Tracing  TracingConfig      `mapstructure:"tracing"`
}

// GroupEntry is one element of whatsapp_groups.
type GroupEntry struct {
	Name           string `mapstructure:"name"`
	SaveFile       string `mapstructure:"save_file"`
	ApifyDatasetID string `mapstructure:"apify_dataset_id"`
	ScrapeInterval int    `mapstructure:"scrape_interval"`
	Priority       string `mapstructure:"priority"`
}

// ScraperConfig holds browser and scheduling settings.
type ScraperConfig struct {
	MaxParallelGroups    int    `mapstructure:"max_parallel_groups"`
	Headless             bool   `mapstructure:"headless"`
	ChromeDataDir        string `mapstructure:"chrome_data_dir"`
	AuthStatePath        string `mapstructure:"auth_state_path"`
	TimeoutMs            int    `mapstructure:"timeout"`
	WebURL               string `mapstructure:"web_url"`
	UserAgent            string `mapstructure:"user_agent"`
	BatchCooldownSeconds int    `mapstructure:"batch_cooldown_seconds"`
}

// AIConfig toggles summarization.
type AIConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Model              string `mapstructure:"model"`
	SummaryMaxMessages int    `mapstructure:"summary_max_messages"`
}

// FallbackConfig configures the Apify actor fallback.
type FallbackConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	ActorID        string         `mapstructure:"actor_id"`
	TokenEnv       string         `mapstructure:"token_env"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	InputOverrides map[string]any `mapstructure:"input_overrides"`
	BaseURL        string         `mapstructure:"base_url"`
	RequestsPerSec float64        `mapstructure:"requests_per_second"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig sets the local base directory and the optional GCS mirror.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig enables the optional Postgres run history.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	RunsTable              string `mapstructure:"runs_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for group completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StatusServerConfig enables the status HTTP server when Addr is set.
type StatusServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// ProgressConfig controls the progress hub and its log sink.
type ProgressConfig struct {
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// TracingConfig installs an OpenTelemetry tracer provider. Spans are exported
// to Cloud Trace when ProjectID is set.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment and validates it once.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MULTIGROUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if path != "" {
		overrides, err := readInputOverrides(path)
		if err != nil {
			return Config{}, err
		}
		if overrides != nil {
			cfg.Fallback.InputOverrides = overrides
		}
	}
	cfg.applyGroupDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scraper_settings.max_parallel_groups", 3)
	v.SetDefault("scraper_settings.headless", true)
	v.SetDefault("scraper_settings.chrome_data_dir", "chrome-data")
	v.SetDefault("scraper_settings.timeout", 30000)
	v.SetDefault("scraper_settings.web_url", "https://web.whatsapp.com/")
	v.SetDefault("scraper_settings.batch_cooldown_seconds", 2)
	v.SetDefault("ai_integration.enabled", false)
	v.SetDefault("ai_integration.summary_max_messages", 200)
	v.SetDefault("apify_fallback.enabled", false)
	v.SetDefault("apify_fallback.token_env", "APIFY_TOKEN")
	v.SetDefault("apify_fallback.timeout_seconds", 300)
	v.SetDefault("apify_fallback.base_url", "https://api.apify.com/v2")
	v.SetDefault("apify_fallback.requests_per_second", 2)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.table", "group_results")
	v.SetDefault("db.runs_table", "scrape_runs")
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("tracing.service_name", "multigroup-scraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// readInputOverrides decodes apify_fallback.input_overrides straight from the
// file because viper lowercases map keys and actor inputs are case sensitive.
func readInputOverrides(path string) (map[string]any, error) {
	// #nosec G304 -- path is the operator supplied config file.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc struct {
		Fallback struct {
			InputOverrides map[string]any `yaml:"input_overrides"`
		} `yaml:"apify_fallback"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		// Non-YAML documents (json/toml) keep viper's decoding.
		return nil, nil //nolint:nilerr // viper already parsed the file
	}
	return doc.Fallback.InputOverrides, nil
}

func (c *Config) applyGroupDefaults() {
	for i := range c.Groups {
		if c.Groups[i].ScrapeInterval == 0 {
			c.Groups[i].ScrapeInterval = 60
		}
	}
}

// Validate enforces required values before any task is scheduled.
func (c Config) Validate() error {
	if len(c.Groups) == 0 {
		return scraper.NewConfigurationError("whatsapp_groups", "must contain at least one group")
	}
	seen := make(map[string]struct{}, len(c.Groups))
	for i, g := range c.Groups {
		field := fmt.Sprintf("whatsapp_groups[%d]", i)
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return scraper.NewConfigurationError(field+".name", "is required")
		}
		if _, dup := seen[name]; dup {
			return scraper.NewConfigurationError(field+".name", "duplicates group %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(g.SaveFile) == "" {
			return scraper.NewConfigurationError(field+".save_file", "is required")
		}
		if g.ScrapeInterval <= 0 {
			return scraper.NewConfigurationError(field+".scrape_interval", "must be > 0")
		}
		if _, err := scraper.ParsePriority(g.Priority); err != nil {
			return scraper.NewConfigurationError(field+".priority", "must be HIGH, MEDIUM or LOW (got %q)", g.Priority)
		}
	}
	if c.Scraper.MaxParallelGroups < 1 {
		return scraper.NewConfigurationError("scraper_settings.max_parallel_groups", "must be >= 1")
	}
	if c.Scraper.TimeoutMs < 0 {
		return scraper.NewConfigurationError("scraper_settings.timeout", "must be >= 0")
	}
	if c.Fallback.Enabled && strings.TrimSpace(c.Fallback.ActorID) == "" {
		return scraper.NewConfigurationError("apify_fallback.actor_id", "must be set when fallback is enabled")
	}
	if c.Fallback.TimeoutSeconds < 0 {
		return scraper.NewConfigurationError("apify_fallback.timeout_seconds", "must be >= 0")
	}
	return nil
}

// GroupConfigs converts the validated entries into domain configs, in order.
func (c Config) GroupConfigs() []scraper.GroupConfig {
	out := make([]scraper.GroupConfig, 0, len(c.Groups))
	for _, g := range c.Groups {
		priority, err := scraper.ParsePriority(g.Priority)
		if err != nil {
			priority = scraper.PriorityMedium
		}
		out = append(out, scraper.GroupConfig{
			Name:           strings.TrimSpace(g.Name),
			SaveFile:       g.SaveFile,
			ApifyDatasetID: strings.TrimSpace(g.ApifyDatasetID),
			ScrapeInterval: g.ScrapeInterval,
			Priority:       priority,
		})
	}
	return out
}

// ScraperSettings returns the run-wide scraper settings.
func (c Config) ScraperSettings() scraper.ScraperSettings {
	return scraper.ScraperSettings{
		MaxParallelGroups: c.Scraper.MaxParallelGroups,
		Headless:          c.Scraper.Headless,
		Timeout:           time.Duration(c.Scraper.TimeoutMs) * time.Millisecond,
		ChromeDataDir:     c.Scraper.ChromeDataDir,
		AuthStatePath:     c.Scraper.AuthStatePath,
		WebURL:            c.Scraper.WebURL,
		UserAgent:         c.Scraper.UserAgent,
		BatchCooldown:     time.Duration(c.Scraper.BatchCooldownSeconds) * time.Second,
	}
}

// FallbackSettings returns the remote fallback settings.
func (c Config) FallbackSettings() scraper.FallbackSettings {
	overrides := make(map[string]any, len(c.Fallback.InputOverrides))
	for k, v := range c.Fallback.InputOverrides {
		overrides[k] = v
	}
	return scraper.FallbackSettings{
		Enabled:        c.Fallback.Enabled,
		ActorID:        strings.TrimSpace(c.Fallback.ActorID),
		TokenEnv:       c.Fallback.TokenEnv,
		Timeout:        time.Duration(c.Fallback.TimeoutSeconds) * time.Second,
		InputOverrides: overrides,
	}
}

// AIOptions returns the summarization toggles.
func (c Config) AIOptions() scraper.AIOptions {
	return scraper.AIOptions{
		Enabled:            c.AI.Enabled,
		Model:              c.AI.Model,
		SummaryMaxMessages: c.AI.SummaryMaxMessages,
	}
}

// WithMaxParallel returns a copy with the ceiling overridden when n > 0.
func (c Config) WithMaxParallel(n int) (Config, error) {
	if n == 0 {
		return c, nil
	}
	if n < 0 {
		return Config{}, scraper.NewConfigurationError("--max-parallel", "must be >= 1")
	}
	c.Scraper.MaxParallelGroups = n
	return c, nil
}
