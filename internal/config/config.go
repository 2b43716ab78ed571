// Package config loads and validates the sparkd configuration from
// defaults, an optional TOML file and SPARK_-prefixed environment
// variables, in that priority order.
package config

import (
	"strings"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// Config is the assembled sparkd configuration.
type Config struct {
	// StateDBPath is the SQLite state file. Ignored when the database
	// section selects Postgres.
	StateDBPath string `mapstructure:"state_db_path"`

	DMS            DMSConfig            `mapstructure:"dms"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	Database       DatabaseConfig       `mapstructure:"database"`
	BlobCache      BlobCacheConfig      `mapstructure:"blob_cache"`
	Extraction     ExtractionConfig     `mapstructure:"extraction"`
	Confidence     ConfidenceConfig     `mapstructure:"confidence"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`

	configPath string
}

// ConfigPath reports the file the configuration was loaded from. Empty
// when only defaults and environment variables applied.
func (c *Config) ConfigPath() string { return c.configPath }

// StoreConfig maps the database section onto the state store. SQLite
// deployments store state at state_db_path; Postgres deployments use
// the database section's connection fields.
func (c *Config) StoreConfig() *store.Config {
	if c.Database.postgres() {
		sc := store.PostgresConfig()
		if c.Database.Host != "" {
			sc.Host = c.Database.Host
		}
		if c.Database.Port != 0 {
			sc.Port = c.Database.Port
		}
		if c.Database.Name != "" {
			sc.Database = c.Database.Name
		}
		sc.Username = c.Database.Username
		sc.Password = c.Database.Password
		if c.Database.SSLMode != "" {
			sc.SSLMode = c.Database.SSLMode
		}
		return sc
	}
	return store.SQLiteConfig(c.StateDBPath)
}

// DMSConfig points sparkd at the document management system.
type DMSConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// FilterTag restricts bulk ingestion to documents carrying the tag.
	// Empty means every document.
	FilterTag      string `mapstructure:"filter_tag"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (c DMSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Configured reports whether the section carries enough to build a
// client.
func (c DMSConfig) Configured() bool { return c.BaseURL != "" && c.Token != "" }

// LedgerConfig points sparkd at the finance ledger.
type LedgerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// DefaultSourceAccount is the asset account debited when an
	// extraction does not name one.
	DefaultSourceAccount string `mapstructure:"default_source_account"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
}

func (c LedgerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c LedgerConfig) Configured() bool { return c.BaseURL != "" && c.Token != "" }

// DatabaseConfig selects the state store backend. The default sqlite
// driver needs nothing beyond state_db_path; postgres installs fill in
// the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

func (c DatabaseConfig) postgres() bool {
	switch strings.ToLower(c.Driver) {
	case "postgres", "postgresql":
		return true
	}
	return false
}

// BlobCacheConfig controls the on-disk cache of original document
// bytes. An empty path disables the cache and every re-extraction
// downloads from the DMS again.
type BlobCacheConfig struct {
	Path       string `mapstructure:"path"`
	HotEntries int    `mapstructure:"hot_entries"`
}

func (c BlobCacheConfig) Enabled() bool { return c.Path != "" }

// ExtractionConfig carries cross-strategy extraction defaults.
type ExtractionConfig struct {
	DefaultCurrency string `mapstructure:"default_currency"`
	SourceSystem    string `mapstructure:"source_system"`
}

// ConfidenceConfig carries the scoring thresholds. Auto and Review
// split extractions into auto-accepted, reviewable and rejected; the
// per-field floors flag weak amounts, dates and counterparties.
type ConfidenceConfig struct {
	AutoThreshold       float64 `mapstructure:"auto_threshold"`
	ReviewThreshold     float64 `mapstructure:"review_threshold"`
	MinAmountConfidence float64 `mapstructure:"min_amount_confidence"`
	MinDateConfidence   float64 `mapstructure:"min_date_confidence"`
	MinVendorConfidence float64 `mapstructure:"min_vendor_confidence"`
}

// ReconciliationConfig controls matching and import behaviour.
type ReconciliationConfig struct {
	AutoMatchThreshold              float64 `mapstructure:"auto_match_threshold"`
	DateToleranceDays               int     `mapstructure:"date_tolerance_days"`
	BankFirstMode                   bool    `mapstructure:"bank_first_mode"`
	RequireManualConfirmationForNew bool    `mapstructure:"require_manual_confirmation_for_new"`
}

// AutoCreate reports whether reconciliation may create ledger
// transactions for unmatched documents without an operator decision.
// Bank-first installs never auto-create; document-first installs opt
// in by clearing require_manual_confirmation_for_new.
func (c ReconciliationConfig) AutoCreate() bool {
	return !c.BankFirstMode && !c.RequireManualConfirmationForNew
}

// LLMConfig controls the optional model-assisted suggestions.
type LLMConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	OllamaURL        string  `mapstructure:"ollama_url"`
	ModelFast        string  `mapstructure:"model_fast"`
	ModelFallback    string  `mapstructure:"model_fallback"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxConcurrent    int64   `mapstructure:"max_concurrent"`
	MaxRetries       int     `mapstructure:"max_retries"`
	GreenThreshold   float64 `mapstructure:"green_threshold"`
	CalibrationCount int64   `mapstructure:"calibration_count"`
	AuthHeader       string  `mapstructure:"auth_header"`
	CacheTTLDays     int     `mapstructure:"cache_ttl_days"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c LLMConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLDays) * 24 * time.Hour
}

// WorkerConfig controls the background job queue worker.
type WorkerConfig struct {
	PollSeconds       int `mapstructure:"poll_seconds"`
	BatchSize         int `mapstructure:"batch_size"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
	CleanupDays       int `mapstructure:"cleanup_days"`
}

func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

func (c WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c WorkerConfig) CleanupAge() time.Duration {
	return time.Duration(c.CleanupDays) * 24 * time.Hour
}

// MetricsConfig controls the worker's HTTP endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}
