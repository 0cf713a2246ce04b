package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigilstack/gchealth/internal/dispatch"
	"github.com/vigilstack/gchealth/internal/ingest"
)

// Config captures the settings required to boot the monitoring engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`
	Rules    RulesConfig    `yaml:"rules"`
	Engine   EngineConfig   `yaml:"engine"`
	History  HistoryConfig  `yaml:"history"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig controls the in-memory sample store.
type StoreConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// RulesConfig locates the alarm and correlation rule packs.
type RulesConfig struct {
	AlarmsDir  string `yaml:"alarmsDir"`
	RulesDir   string `yaml:"rulesDir"`
	SchemasDir string `yaml:"schemasDir"`
	AdvicePath string `yaml:"advicePath"`
}

// EngineConfig tunes the evaluation and maintenance schedule.
type EngineConfig struct {
	EvalBudget          time.Duration `yaml:"evalBudget"`
	CorrelationInterval time.Duration `yaml:"correlationInterval"`
	SweepInterval       time.Duration `yaml:"sweepInterval"`
	CheckpointInterval  time.Duration `yaml:"checkpointInterval"`
	MiningInterval      time.Duration `yaml:"miningInterval"`
	MiningLimit         int           `yaml:"miningLimit"`
	DrainTimeout        time.Duration `yaml:"drainTimeout"`
}

// HistoryConfig controls the SQLite journal and checkpoint store.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
}

// IngestConfig groups the push and pull sample inputs.
type IngestConfig struct {
	NATS   NATSIngestConfig   `yaml:"nats"`
	Scrape ScrapeIngestConfig `yaml:"scrape"`
}

// NATSIngestConfig configures the sample subscription.
type NATSIngestConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	Queue         string        `yaml:"queue"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"maxReconnects"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
}

// ScrapeIngestConfig configures the exporter poller.
type ScrapeIngestConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Interval time.Duration   `yaml:"interval"`
	Timeout  time.Duration   `yaml:"timeout"`
	Targets  []ingest.Target `yaml:"targets"`
}

// DispatchConfig tunes notification delivery and declares sinks and
// routes.
type DispatchConfig struct {
	QueueSize      int              `yaml:"queueSize"`
	DedupWindow    time.Duration    `yaml:"dedupWindow"`
	Cooldown       time.Duration    `yaml:"cooldown"`
	MaxAttempts    int              `yaml:"maxAttempts"`
	RetryBackoff   time.Duration    `yaml:"retryBackoff"`
	DeliverTimeout time.Duration    `yaml:"deliverTimeout"`
	MaxInFlight    int64            `yaml:"maxInFlight"`
	Routes         []dispatch.Route `yaml:"routes"`
	Sinks          []SinkConfig     `yaml:"sinks"`
}

// SinkConfig declares one notification destination. Type selects the
// implementation: log, webhook, remediation or nats.
type SinkConfig struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	URL           string            `yaml:"url,omitempty"`
	Action        string            `yaml:"action,omitempty"`
	SubjectPrefix string            `yaml:"subjectPrefix,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	Timeout       time.Duration     `yaml:"timeout,omitempty"`
}

// CacheConfig controls the Valkey provider backing dispatch dedup and
// cooldown state. Disabled, suppression falls back to process-local
// memory.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GCHEALTH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store:   StoreConfig{Retention: 2 * time.Hour},
		Rules: RulesConfig{
			AlarmsDir:  "configs/alarms",
			RulesDir:   "configs/rules",
			SchemasDir: "configs/schemas",
			AdvicePath: "configs/advice/default.yaml",
		},
		Engine: EngineConfig{
			EvalBudget:          5 * time.Second,
			CorrelationInterval: 30 * time.Second,
			SweepInterval:       time.Minute,
			CheckpointInterval:  30 * time.Second,
			MiningInterval:      15 * time.Minute,
			MiningLimit:         500,
			DrainTimeout:        5 * time.Second,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "data/gchealth.db",
			Retention:     7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Ingest: IngestConfig{
			NATS: NATSIngestConfig{
				Subject:       "gchealth.samples",
				Queue:         "gchealth-ingest",
				Name:          "gchealth-engine",
				MaxReconnects: -1,
				ReconnectWait: time.Second,
			},
			Scrape: ScrapeIngestConfig{
				Interval: 15 * time.Second,
				Timeout:  5 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			QueueSize:      256,
			DedupWindow:    5 * time.Minute,
			Cooldown:       30 * time.Second,
			MaxAttempts:    4,
			RetryBackoff:   200 * time.Millisecond,
			DeliverTimeout: 5 * time.Second,
			MaxInFlight:    8,
			Sinks:          []SinkConfig{{Name: "log", Type: "log"}},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GCHEALTH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("GCHEALTH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("GCHEALTH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GCHEALTH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("GCHEALTH_STORE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.Retention = d
		}
	}
	if v := os.Getenv("GCHEALTH_ALARMS_DIR"); v != "" {
		cfg.Rules.AlarmsDir = v
	}
	if v := os.Getenv("GCHEALTH_RULES_DIR"); v != "" {
		cfg.Rules.RulesDir = v
	}
	if v := os.Getenv("GCHEALTH_SCHEMAS_DIR"); v != "" {
		cfg.Rules.SchemasDir = v
	}
	if v := os.Getenv("GCHEALTH_ADVICE_PATH"); v != "" {
		cfg.Rules.AdvicePath = v
	}
	if v := os.Getenv("GCHEALTH_HISTORY_ENABLED"); v != "" {
		cfg.History.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GCHEALTH_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("GCHEALTH_HISTORY_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.History.Retention = d
		}
	}
	if v := os.Getenv("GCHEALTH_NATS_ENABLED"); v != "" {
		cfg.Ingest.NATS.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GCHEALTH_NATS_URL"); v != "" {
		cfg.Ingest.NATS.URL = v
	}
	if v := os.Getenv("GCHEALTH_NATS_SUBJECT"); v != "" {
		cfg.Ingest.NATS.Subject = v
	}
	if v := os.Getenv("GCHEALTH_NATS_QUEUE"); v != "" {
		cfg.Ingest.NATS.Queue = v
	}
	if v := os.Getenv("GCHEALTH_SCRAPE_ENABLED"); v != "" {
		cfg.Ingest.Scrape.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GCHEALTH_SCRAPE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.Scrape.Interval = d
		}
	}
	if v := os.Getenv("GCHEALTH_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GCHEALTH_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("GCHEALTH_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("GCHEALTH_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("GCHEALTH_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("GCHEALTH_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("GCHEALTH_CACHE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DialTimeout = d
		}
	}
	if v := os.Getenv("GCHEALTH_CACHE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ReadTimeout = d
		}
	}
	if v := os.Getenv("GCHEALTH_CACHE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.WriteTimeout = d
		}
	}
	if v := os.Getenv("GCHEALTH_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
}
