// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/extract"
)

// EnvPrefix namespaces environment overrides, e.g. CRAWLER_SERVER_PORT.
const EnvPrefix = "CRAWLER"

// Storage backends.
const (
	StorageLocal  = "local"
	StorageMemory = "memory"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines the optional API key guard.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs workers and per-site crawling.
type CrawlerConfig struct {
	TaskConcurrency int           `mapstructure:"task_concurrency"`
	SiteConcurrency int           `mapstructure:"site_concurrency"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	UserAgent       string        `mapstructure:"user_agent"`
	PoliteDelay     time.Duration `mapstructure:"polite_delay"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	MaxDepthDefault int           `mapstructure:"max_depth_default"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	Candidates      []string      `mapstructure:"candidates"`
	IgnoredDomains  []string      `mapstructure:"ignored_domains"`
	IgnoredEmails   []string      `mapstructure:"ignored_emails"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ScrapeConfig bounds submissions.
type ScrapeConfig struct {
	MaxURLs int `mapstructure:"max_urls"`
}

// TasksConfig controls retention of finished tasks.
type TasksConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// StorageConfig selects where export files live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables the Postgres task archive when DSN is set.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	TasksTable   string `mapstructure:"tasks_table"`
	ResultsTable string `mapstructure:"results_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig enables completion notices when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the observability hub fed by progress events.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided Viper instance, so CLI flags bound
// to v take part in resolution.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key, including empty ones, so that
// AutomaticEnv overrides are seen by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.task_concurrency", 4)
	v.SetDefault("crawler.site_concurrency", 1)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "email-scraper/1.0 (+https://github.com/JakeFAU/email-scraper)")
	v.SetDefault("crawler.polite_delay", "1s")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.max_depth_default", 1)
	v.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawler.candidates", crawler.DefaultCandidates)
	v.SetDefault("crawler.ignored_domains", extract.DefaultIgnoredDomains)
	v.SetDefault("crawler.ignored_emails", extract.DefaultIgnoredAddresses)
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("scrape.max_urls", 500)
	v.SetDefault("tasks.retention", "1h")
	v.SetDefault("tasks.janitor_interval", "1m")
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.local_dir", "data/exports")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.tasks_table", "scrape_tasks")
	v.SetDefault("db.results_table", "scrape_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Crawler.TaskConcurrency <= 0 {
		errs = append(errs, errors.New("crawler.task_concurrency must be > 0"))
	}
	if c.Crawler.SiteConcurrency <= 0 {
		errs = append(errs, errors.New("crawler.site_concurrency must be > 0"))
	}
	if c.Crawler.QueueDepth <= 0 {
		errs = append(errs, errors.New("crawler.queue_depth must be > 0"))
	}
	if c.Crawler.PoliteDelay < 0 {
		errs = append(errs, errors.New("crawler.polite_delay must be >= 0"))
	}
	if c.Crawler.MaxDepthDefault < 0 {
		errs = append(errs, errors.New("crawler.max_depth_default must be >= 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of local, memory, gcs", c.Storage.Backend))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	return errors.Join(errs...)
}

// FetchTimeout converts http.timeout_seconds to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ArchiveEnabled reports whether finished tasks go to Postgres.
func (c Config) ArchiveEnabled() bool {
	return c.DB.DSN != ""
}

// NoticesEnabled reports whether completion notices go to Pub/Sub.
func (c Config) NoticesEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}
