// Package config loads and validates queuewatch configuration via Viper.
//
// Configuration is environment-first. Every knob binds to the env names the
// service has always used (QUEUE_IDS, INTERVAL, MONGODB_URI, ...), and an
// optional YAML file can set the same keys for local runs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied before the environment and config file are consulted.
const (
	DefaultBaseURL        = "https://queuestatus.com"
	DefaultDatabase       = "queuewatch"
	DefaultUserAgent      = "queuewatch/1.0 (+https://github.com/queuewatch/queuewatch)"
	DefaultMetricsAddr    = ":8000"
	DefaultTimeoutSeconds = 15
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Mongo   MongoConfig
	Scrape  ScrapeConfig
	Auth    AuthConfig
	Ops     OpsConfig
	Logging LoggingConfig
}

// MongoConfig locates the snapshot database.
type MongoConfig struct {
	URI      string
	Database string
}

// ScrapeConfig governs the scrape loop and the QueueStatus session.
type ScrapeConfig struct {
	QueueIDs       []string
	Interval       time.Duration
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	Timezone       string
	DumpDir        string
}

// AuthConfig holds optional QueueStatus credentials. When both fields are set
// the scraper logs in and sees the authenticated queue view.
type AuthConfig struct {
	Email    string
	Password string
}

// OpsConfig configures the operational HTTP endpoints.
type OpsConfig struct {
	MetricsAddr string
}

// LoggingConfig toggles logger behavior.
type LoggingConfig struct {
	Development bool
}

// Load reads configuration from the environment and, when path is non-empty
// or a config file is found on the search path, from YAML. Environment
// variables win over file values.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/queuewatch/")
		if err := v.ReadInConfig(); err != nil {
			// Not having a file is the normal container case.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		Mongo: MongoConfig{
			URI:      v.GetString("mongo.uri"),
			Database: v.GetString("mongo.database"),
		},
		Scrape: ScrapeConfig{
			QueueIDs:       SplitQueueIDs(v.GetString("scrape.queue_ids")),
			Interval:       time.Duration(v.GetInt("scrape.interval_seconds")) * time.Second,
			BaseURL:        strings.TrimRight(v.GetString("scrape.base_url"), "/"),
			UserAgent:      v.GetString("scrape.user_agent"),
			RequestTimeout: time.Duration(v.GetInt("scrape.timeout_seconds")) * time.Second,
			Timezone:       v.GetString("scrape.timezone"),
			DumpDir:        v.GetString("scrape.dump_dir"),
		},
		Auth: AuthConfig{
			Email:    v.GetString("auth.email"),
			Password: v.GetString("auth.password"),
		},
		Ops: OpsConfig{
			MetricsAddr: v.GetString("ops.metrics_addr"),
		},
		Logging: LoggingConfig{
			Development: v.GetBool("logging.development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.database", DefaultDatabase)
	v.SetDefault("scrape.base_url", DefaultBaseURL)
	v.SetDefault("scrape.user_agent", DefaultUserAgent)
	v.SetDefault("scrape.timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("ops.metrics_addr", DefaultMetricsAddr)
	v.SetDefault("logging.development", false)
}

// bindEnv wires each config key to its environment names. Where two names are
// listed the first is the historical one and wins when both are set.
func bindEnv(v *viper.Viper) {
	bindings := map[string][]string{
		"mongo.uri":               {"MONGODB_URI", "MONGODB_URL"},
		"mongo.database":          {"MONGODB_DBNAME", "MONGODB_DB"},
		"scrape.queue_ids":        {"QUEUE_IDS", "QUEUE_ID"},
		"scrape.interval_seconds": {"INTERVAL"},
		"scrape.base_url":         {"QUEUESTATUS_URL"},
		"scrape.user_agent":       {"USER_AGENT"},
		"scrape.timeout_seconds":  {"REQUEST_TIMEOUT"},
		"scrape.timezone":         {"TIMEZONE"},
		"scrape.dump_dir":         {"DUMP_DIR"},
		"auth.email":              {"EMAIL"},
		"auth.password":           {"PASSWORD"},
		"ops.metrics_addr":        {"METRICS_ADDR"},
		"logging.development":     {"LOG_DEVELOPMENT"},
	}
	for key, envs := range bindings {
		// Only errors when called with no arguments.
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
}

// SplitQueueIDs parses a comma-separated queue id list, trimming whitespace
// and dropping empty and duplicate ids while keeping first-seen order.
func SplitQueueIDs(raw string) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the invariants the rest of the service assumes. It is
// called by Load; the error names the offending config key and env var.
func (c Config) Validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required (set MONGODB_URI)")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database must not be empty (set MONGODB_DBNAME)")
	}
	if len(c.Scrape.QueueIDs) == 0 {
		return fmt.Errorf("scrape.queue_ids is required (set QUEUE_IDS to a comma-separated list)")
	}
	if c.Scrape.Interval <= 0 {
		return fmt.Errorf("scrape.interval_seconds must be a positive integer (set INTERVAL)")
	}
	if c.Scrape.RequestTimeout <= 0 {
		return fmt.Errorf("scrape.timeout_seconds must be a positive integer (set REQUEST_TIMEOUT)")
	}
	if c.Scrape.BaseURL == "" {
		return fmt.Errorf("scrape.base_url must not be empty (set QUEUESTATUS_URL)")
	}
	if c.Ops.MetricsAddr == "" {
		return fmt.Errorf("ops.metrics_addr must not be empty (set METRICS_ADDR)")
	}
	return nil
}

// Location resolves the configured timezone, the zone QueueStatus renders
// clock times in. Empty means the host zone.
func (c Config) Location() (*time.Location, error) {
	if c.Scrape.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scrape.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scrape.timezone %q is not a valid IANA zone (set TIMEZONE): %w", c.Scrape.Timezone, err)
	}
	return loc, nil
}

// Credentialed reports whether a full credential pair is configured.
func (c Config) Credentialed() bool {
	return c.Auth.Email != "" && c.Auth.Password != ""
}

// PartialCredentials reports whether exactly one of EMAIL and PASSWORD is
// set. The caller warns and proceeds unauthenticated.
func (c Config) PartialCredentials() bool {
	return (c.Auth.Email != "") != (c.Auth.Password != "")
}
