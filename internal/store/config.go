package store

import (
	"fmt"
	"net/url"
	"time"
)

// Config contains database configuration settings. SQLite is the
// default deployment; Postgres is supported for shared installs.
type Config struct {
	Driver           string `json:"driver" mapstructure:"driver"`
	ConnectionString string `json:"connection_string" mapstructure:"connection_string"`

	// SQLite: filesystem path. Postgres: database name.
	Database string `json:"database" mapstructure:"database"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	SSLMode  string `json:"ssl_mode" mapstructure:"ssl_mode"`

	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`

	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`

	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `json:"retry_max_delay" mapstructure:"retry_max_delay"`

	EnableWALMode     bool `json:"enable_wal_mode" mapstructure:"enable_wal_mode"`
	EnableForeignKeys bool `json:"enable_foreign_keys" mapstructure:"enable_foreign_keys"`
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Driver:            "sqlite3",
		SSLMode:           "prefer",
		MaxOpenConns:      1,
		MaxIdleConns:      1,
		ConnMaxLifetime:   time.Hour,
		DefaultTimeout:    time.Second * 30,
		MaxRetries:        3,
		RetryDelay:        time.Millisecond * 100,
		RetryMaxDelay:     time.Second * 5,
		EnableWALMode:     true,
		EnableForeignKeys: true,
	}
}

// SQLiteConfig creates a configuration for a SQLite state file.
func SQLiteConfig(dbPath string) *Config {
	config := NewConfig()
	config.Driver = "sqlite3"
	config.Database = dbPath
	return config
}

// PostgresConfig creates a PostgreSQL-specific configuration.
func PostgresConfig() *Config {
	config := NewConfig()
	config.Driver = "postgres"
	config.Host = "localhost"
	config.Port = 5432
	config.MaxOpenConns = 10
	config.MaxIdleConns = 2
	return config
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "postgresql":
		c.Driver = "postgres"
	case "sqlite3", "sqlite":
		c.Driver = "sqlite3"
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}

	if c.Driver == "postgres" {
		if c.ConnectionString == "" {
			if c.Host == "" {
				return ErrMissingHost
			}
			if c.Port <= 0 || c.Port > 65535 {
				return ErrInvalidPort
			}
			if c.Database == "" {
				return ErrMissingDatabase
			}
			if c.Username == "" {
				return ErrMissingUsername
			}
		}
		switch c.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
		}
	} else if c.Database == "" && c.ConnectionString == "" {
		return ErrMissingPath
	}

	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return ErrInvalidMaxConns
	}
	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.RetryDelay < 0 {
		return ErrInvalidRetryDelay
	}
	if c.RetryMaxDelay < c.RetryDelay {
		return ErrInvalidRetryMaxWait
	}

	return nil
}

// BuildConnectionString builds a DSN from the config.
func (c *Config) BuildConnectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}

	switch c.Driver {
	case "postgres":
		return c.buildPostgresDSN(), nil
	case "sqlite3":
		return c.buildSQLiteDSN(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}
}

func (c *Config) buildPostgresDSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	params.Set("connect_timeout", "30")
	params.Set("application_name", "spark-state-db")

	userInfo := ""
	if c.Username != "" {
		userInfo = url.QueryEscape(c.Username)
		if c.Password != "" {
			userInfo += ":" + url.QueryEscape(c.Password)
		}
		userInfo += "@"
	}

	host := c.Host
	if c.Port != 0 && c.Port != 5432 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	return fmt.Sprintf("postgres://%s%s/%s?%s", userInfo, host, c.Database, params.Encode())
}

func (c *Config) buildSQLiteDSN() string {
	params := url.Values{}
	if c.EnableWALMode {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	if c.EnableForeignKeys {
		params.Add("_pragma", "foreign_keys(1)")
	}
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "synchronous(NORMAL)")

	return "file:" + c.Database + "?" + params.Encode()
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config with the password redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.Password != "" {
		clone.Password = "***"
	}
	return fmt.Sprintf("Config{Driver: %s, Database: %s, Host: %s, Port: %d}",
		clone.Driver, clone.Database, clone.Host, clone.Port)
}
