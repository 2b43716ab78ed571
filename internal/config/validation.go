package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate performs validation on the complete configuration.
func Validate(cfg *Config) error {
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	if err := cfg.DMS.Validate(); err != nil {
		return fmt.Errorf("dms validation failed: %w", err)
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger validation failed: %w", err)
	}
	if err := cfg.BlobCache.Validate(); err != nil {
		return fmt.Errorf("blob_cache validation failed: %w", err)
	}
	if err := cfg.Extraction.Validate(); err != nil {
		return fmt.Errorf("extraction validation failed: %w", err)
	}
	if err := cfg.Confidence.Validate(); err != nil {
		return fmt.Errorf("confidence validation failed: %w", err)
	}
	if err := cfg.Reconciliation.Validate(); err != nil {
		return fmt.Errorf("reconciliation validation failed: %w", err)
	}
	if err := cfg.LLM.Validate(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	if err := cfg.Worker.Validate(); err != nil {
		return fmt.Errorf("worker validation failed: %w", err)
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics validation failed: %w", err)
	}

	// Cross-section checks.
	if !cfg.Database.postgres() && cfg.StateDBPath == "" {
		return fmt.Errorf("state_db_path is required for sqlite deployments")
	}

	return nil
}

func (c DMSConfig) Validate() error {
	if err := checkURL(c.BaseURL, "base_url"); err != nil {
		return err
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	return nil
}

func (c LedgerConfig) Validate() error {
	if err := checkURL(c.BaseURL, "base_url"); err != nil {
		return err
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	return nil
}

func (c DatabaseConfig) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported driver %q (supported: sqlite, postgres)", c.Driver)
	}

	if c.postgres() {
		if c.Host == "" {
			return fmt.Errorf("host is required for postgres")
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
		}
		if c.Name == "" {
			return fmt.Errorf("name is required for postgres")
		}
		if c.Username == "" {
			return fmt.Errorf("username is required for postgres")
		}
	}
	return nil
}

func (c BlobCacheConfig) Validate() error {
	if c.HotEntries < 0 {
		return fmt.Errorf("hot_entries must not be negative, got %d", c.HotEntries)
	}
	return nil
}

func (c ExtractionConfig) Validate() error {
	if c.DefaultCurrency != "" && len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("default_currency must be a three-letter code, got %q", c.DefaultCurrency)
	}
	return nil
}

func (c ConfidenceConfig) Validate() error {
	if err := inUnitInterval("auto_threshold", c.AutoThreshold); err != nil {
		return err
	}
	if err := inUnitInterval("review_threshold", c.ReviewThreshold); err != nil {
		return err
	}
	if err := inUnitInterval("min_amount_confidence", c.MinAmountConfidence); err != nil {
		return err
	}
	if err := inUnitInterval("min_date_confidence", c.MinDateConfidence); err != nil {
		return err
	}
	if err := inUnitInterval("min_vendor_confidence", c.MinVendorConfidence); err != nil {
		return err
	}
	if c.ReviewThreshold > c.AutoThreshold {
		return fmt.Errorf("review_threshold %g must not exceed auto_threshold %g",
			c.ReviewThreshold, c.AutoThreshold)
	}
	return nil
}

func (c ReconciliationConfig) Validate() error {
	if c.AutoMatchThreshold <= 0 || c.AutoMatchThreshold > 1 {
		return fmt.Errorf("auto_match_threshold must be within (0, 1], got %g", c.AutoMatchThreshold)
	}
	if c.DateToleranceDays < 0 {
		return fmt.Errorf("date_tolerance_days must not be negative, got %d", c.DateToleranceDays)
	}
	return nil
}

// Validate checks the llm section. Most checks only apply when the
// section is enabled; a disabled section may be half-filled.
func (c LLMConfig) Validate() error {
	if err := checkURL(c.OllamaURL, "ollama_url"); err != nil {
		return err
	}
	if !c.Enabled {
		return nil
	}

	if c.OllamaURL == "" {
		return fmt.Errorf("ollama_url is required when llm is enabled")
	}
	if c.ModelFast == "" {
		return fmt.Errorf("model_fast is required when llm is enabled")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.GreenThreshold <= 0 || c.GreenThreshold > 1 {
		return fmt.Errorf("green_threshold must be within (0, 1], got %g", c.GreenThreshold)
	}
	if c.CalibrationCount < 0 {
		return fmt.Errorf("calibration_count must not be negative, got %d", c.CalibrationCount)
	}
	if c.CacheTTLDays < 1 {
		return fmt.Errorf("cache_ttl_days must be at least 1, got %d", c.CacheTTLDays)
	}
	return nil
}

func (c WorkerConfig) Validate() error {
	if c.PollSeconds < 1 {
		return fmt.Errorf("poll_seconds must be at least 1, got %d", c.PollSeconds)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds must not be negative, got %d", c.RetryDelaySeconds)
	}
	if c.CleanupDays < 1 {
		return fmt.Errorf("cleanup_days must be at least 1, got %d", c.CleanupDays)
	}
	return nil
}

func (c MetricsConfig) Validate() error {
	if c.ListenAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr must be host:port, got %q", c.ListenAddr)
	}
	return nil
}

// checkURL accepts empty values; a section may stay unconfigured until
// the command that needs it runs.
func checkURL(raw, key string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	return nil
}

func inUnitInterval(key string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0, 1], got %g", key, v)
	}
	return nil
}
