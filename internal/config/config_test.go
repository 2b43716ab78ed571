package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sparkd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "spark.db", cfg.StateDBPath)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30, cfg.DMS.TimeoutSeconds)
	assert.False(t, cfg.DMS.Configured())

	assert.Equal(t, 0.85, cfg.Confidence.AutoThreshold)
	assert.Equal(t, 0.60, cfg.Confidence.ReviewThreshold)
	assert.Equal(t, 0.70, cfg.Confidence.MinAmountConfidence)
	assert.Equal(t, 0.60, cfg.Confidence.MinDateConfidence)
	assert.Equal(t, 0.40, cfg.Confidence.MinVendorConfidence)

	assert.Equal(t, 0.90, cfg.Reconciliation.AutoMatchThreshold)
	assert.Equal(t, 7, cfg.Reconciliation.DateToleranceDays)
	assert.True(t, cfg.Reconciliation.BankFirstMode)
	assert.True(t, cfg.Reconciliation.RequireManualConfirmationForNew)
	assert.False(t, cfg.Reconciliation.AutoCreate())

	assert.False(t, cfg.LLM.Enabled)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.OllamaURL)
	assert.Equal(t, "llama3.2:3b", cfg.LLM.ModelFast)
	assert.Equal(t, "qwen2.5:7b", cfg.LLM.ModelFallback)
	assert.Equal(t, int64(2), cfg.LLM.MaxConcurrent)
	assert.Equal(t, int64(50), cfg.LLM.CalibrationCount)

	assert.Equal(t, 5, cfg.Worker.PollSeconds)
	assert.Equal(t, 4, cfg.Worker.BatchSize)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, "EUR", cfg.Extraction.DefaultCurrency)
	assert.Equal(t, "paperless", cfg.Extraction.SourceSystem)
	assert.Equal(t, 128, cfg.BlobCache.HotEntries)
	assert.False(t, cfg.BlobCache.Enabled())
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
state_db_path = "/var/lib/spark/state.db"

[dms]
base_url = "https://docs.example.com"
token = "secret"
filter_tag = "firefly"

[ledger]
base_url = "https://money.example.com"
token = "pat"
default_source_account = "Girokonto"

[confidence]
auto_threshold = 0.9

[reconciliation]
bank_first_mode = false
require_manual_confirmation_for_new = false

[llm]
enabled = true
model_fast = "mistral:7b"

[blob_cache]
path = "/var/cache/spark"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/spark/state.db", cfg.StateDBPath)
	assert.Equal(t, "https://docs.example.com", cfg.DMS.BaseURL)
	assert.True(t, cfg.DMS.Configured())
	assert.Equal(t, "firefly", cfg.DMS.FilterTag)
	assert.Equal(t, "Girokonto", cfg.Ledger.DefaultSourceAccount)
	assert.Equal(t, 0.9, cfg.Confidence.AutoThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.60, cfg.Confidence.ReviewThreshold)
	assert.True(t, cfg.Reconciliation.AutoCreate())
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "mistral:7b", cfg.LLM.ModelFast)
	assert.True(t, cfg.BlobCache.Enabled())
	assert.Equal(t, path, cfg.ConfigPath())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPARK_DMS_BASE_URL", "https://docs.example.com")
	t.Setenv("SPARK_CONFIDENCE_AUTO_THRESHOLD", "0.95")
	t.Setenv("SPARK_RECONCILIATION_BANK_FIRST_MODE", "false")
	t.Setenv("SPARK_LLM_MAX_CONCURRENT", "4")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "https://docs.example.com", cfg.DMS.BaseURL)
	assert.Equal(t, 0.95, cfg.Confidence.AutoThreshold)
	assert.False(t, cfg.Reconciliation.BankFirstMode)
	assert.Equal(t, int64(4), cfg.LLM.MaxConcurrent)
}

func TestEnvBeatsFile(t *testing.T) {
	t.Setenv("SPARK_STATE_DB_PATH", "/tmp/env.db")

	cfg, err := Load(writeConfig(t, `state_db_path = "/tmp/file.db"`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.StateDBPath)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		toml string
		want string
	}{
		"review above auto": {
			toml: "[confidence]\nreview_threshold = 0.95\n",
			want: "review_threshold",
		},
		"threshold out of range": {
			toml: "[confidence]\nauto_threshold = 1.5\n",
			want: "auto_threshold",
		},
		"unknown driver": {
			toml: "[database]\ndriver = \"oracle\"\n",
			want: "unsupported driver",
		},
		"postgres missing username": {
			toml: "[database]\ndriver = \"postgres\"\n",
			want: "username",
		},
		"malformed dms url": {
			toml: "[dms]\nbase_url = \"docs.example.com\"\n",
			want: "http(s)",
		},
		"llm enabled without model": {
			toml: "[llm]\nenabled = true\nmodel_fast = \"\"\n",
			want: "model_fast",
		},
		"zero worker batch": {
			toml: "[worker]\nbatch_size = 0\n",
			want: "batch_size",
		},
		"bad listen addr": {
			toml: "[metrics]\nlisten_addr = \"9090\"\n",
			want: "listen_addr",
		},
		"empty state path for sqlite": {
			toml: "state_db_path = \"\"\n",
			want: "state_db_path",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.toml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestStoreConfigSQLite(t *testing.T) {
	cfg, err := Load(writeConfig(t, `state_db_path = "/data/spark.db"`))
	require.NoError(t, err)

	sc := cfg.StoreConfig()
	require.NoError(t, sc.Validate())
	assert.Equal(t, "sqlite3", sc.Driver)
	assert.Equal(t, "/data/spark.db", sc.Database)
}

func TestStoreConfigPostgres(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[database]
driver = "postgres"
host = "db.internal"
port = 6432
name = "spark_prod"
username = "spark"
password = "hunter2"
ssl_mode = "require"
`))
	require.NoError(t, err)

	sc := cfg.StoreConfig()
	require.NoError(t, sc.Validate())
	assert.Equal(t, "postgres", sc.Driver)
	assert.Equal(t, "db.internal", sc.Host)
	assert.Equal(t, 6432, sc.Port)
	assert.Equal(t, "spark_prod", sc.Database)
	assert.Equal(t, "spark", sc.Username)
	assert.Equal(t, "hunter2", sc.Password)
	assert.Equal(t, "require", sc.SSLMode)
	assert.Equal(t, 10, sc.MaxOpenConns)
}

func TestAutoCreateRequiresBothOptIns(t *testing.T) {
	assert.False(t, ReconciliationConfig{BankFirstMode: true, RequireManualConfirmationForNew: true}.AutoCreate())
	assert.False(t, ReconciliationConfig{BankFirstMode: true, RequireManualConfirmationForNew: false}.AutoCreate())
	assert.False(t, ReconciliationConfig{BankFirstMode: false, RequireManualConfirmationForNew: true}.AutoCreate())
	assert.True(t, ReconciliationConfig{BankFirstMode: false, RequireManualConfirmationForNew: false}.AutoCreate())
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparkd.toml")
	require.NoError(t, SaveExample(path))

	// The starter file must load cleanly.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://paperless.example.com", cfg.DMS.BaseURL)
	assert.Equal(t, "Checking Account", cfg.Ledger.DefaultSourceAccount)

	// A second write must not clobber the file.
	require.Error(t, SaveExample(path))
}

func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 45*time.Second, DMSConfig{TimeoutSeconds: 45}.Timeout())
	assert.Equal(t, 2*time.Minute, LLMConfig{TimeoutSeconds: 120}.Timeout())
	assert.Equal(t, 7*24*time.Hour, LLMConfig{CacheTTLDays: 7}.CacheTTL())
	assert.Equal(t, 5*time.Second, WorkerConfig{PollSeconds: 5}.PollInterval())
	assert.Equal(t, 14*24*time.Hour, WorkerConfig{CleanupDays: 14}.CleanupAge())
}
