package config

import "github.com/spf13/viper"

// setDefaults registers every key with its default value. Registration
// is what makes a key visible to AutomaticEnv during Unmarshal, so even
// empty-by-default keys appear here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("state_db_path", "spark.db")

	v.SetDefault("dms.base_url", "")
	v.SetDefault("dms.token", "")
	v.SetDefault("dms.filter_tag", "")
	v.SetDefault("dms.timeout_seconds", 30)

	v.SetDefault("ledger.base_url", "")
	v.SetDefault("ledger.token", "")
	v.SetDefault("ledger.default_source_account", "")
	v.SetDefault("ledger.timeout_seconds", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "spark")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "prefer")

	v.SetDefault("blob_cache.path", "")
	v.SetDefault("blob_cache.hot_entries", 128)

	v.SetDefault("extraction.default_currency", "EUR")
	v.SetDefault("extraction.source_system", "paperless")

	v.SetDefault("confidence.auto_threshold", 0.85)
	v.SetDefault("confidence.review_threshold", 0.60)
	v.SetDefault("confidence.min_amount_confidence", 0.70)
	v.SetDefault("confidence.min_date_confidence", 0.60)
	v.SetDefault("confidence.min_vendor_confidence", 0.40)

	v.SetDefault("reconciliation.auto_match_threshold", 0.90)
	v.SetDefault("reconciliation.date_tolerance_days", 7)
	v.SetDefault("reconciliation.bank_first_mode", true)
	v.SetDefault("reconciliation.require_manual_confirmation_for_new", true)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.ollama_url", "http://localhost:11434")
	v.SetDefault("llm.model_fast", "llama3.2:3b")
	v.SetDefault("llm.model_fallback", "qwen2.5:7b")
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_concurrent", 2)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.green_threshold", 0.90)
	v.SetDefault("llm.calibration_count", 50)
	v.SetDefault("llm.auth_header", "")
	v.SetDefault("llm.cache_ttl_days", 7)

	v.SetDefault("worker.poll_seconds", 5)
	v.SetDefault("worker.batch_size", 4)
	v.SetDefault("worker.retry_delay_seconds", 30)
	v.SetDefault("worker.cleanup_days", 14)

	v.SetDefault("metrics.listen_addr", ":9090")
}

// exampleValues is the starter configuration written by SaveExample.
// It names the keys an operator always has to fill in, not all of
// them.
func exampleValues() map[string]interface{} {
	return map[string]interface{}{
		"state_db_path": "spark.db",

		"dms.base_url":   "https://paperless.example.com",
		"dms.token":      "paperless-api-token",
		"dms.filter_tag": "firefly",

		"ledger.base_url":               "https://firefly.example.com",
		"ledger.token":                  "firefly-personal-access-token",
		"ledger.default_source_account": "Checking Account",

		"blob_cache.path": "",

		"reconciliation.bank_first_mode": true,

		"llm.enabled":    false,
		"llm.ollama_url": "http://localhost:11434",
	}
}
