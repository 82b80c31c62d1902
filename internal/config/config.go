// Package config loads and validates the site provisioner configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SPV_ prefix (e.g., SPV_TENANT_HOST_HOST
// overrides tenant_host.host in the YAML), so the same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
//
// Two database connections are configured separately. "database" is the control plane
// (PostgreSQL) holding the shared identity store and the tenant registry. "tenant_host"
// is the server on which tenant databases are created; it may be MySQL or PostgreSQL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// sqlNamePattern restricts configured table, column and prefix names that are
// spliced into administrative statements.
var sqlNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	TenantHost TenantHostConfig `mapstructure:"tenant_host"`
	Tenancy    TenancyConfig    `mapstructure:"tenancy"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Security   SecurityConfig   `mapstructure:"security"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the control-plane database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// TenantHostConfig describes the database server that hosts tenant databases.
type TenantHostConfig struct {
	// Driver is "mysql" or "postgres"
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// AdminDatabase is the database used for CREATE/DROP DATABASE statements.
	// PostgreSQL needs one ("postgres"); MySQL connects without a default schema.
	AdminDatabase string `mapstructure:"admin_database"`
	// SSLMode is passed as sslmode (postgres) or tls (mysql)
	SSLMode string `mapstructure:"ssl_mode"`
	// ConnectTimeout bounds dialing the host for every administrative connection
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// TenancyConfig holds the naming convention and pipeline limits for new tenants.
type TenancyConfig struct {
	DatabasePrefix string `mapstructure:"database_prefix"`
	Scheme         string `mapstructure:"scheme"`
	DomainSuffix   string `mapstructure:"domain_suffix"`
	// StorageRoot is reported as the parent of every tenant's uploads path. Defaults to
	// the absolute form of storage.local.base_path when the local backend is selected.
	StorageRoot    string `mapstructure:"storage_root"`
	StorageURLPath string `mapstructure:"storage_url_path"`

	SeedFile string `mapstructure:"seed_file"`
	// SeedSHA256 pins the seed file to a known checksum when set
	SeedSHA256 string `mapstructure:"seed_sha256"`
	WatchSeed  bool   `mapstructure:"watch_seed"`

	OptionsTable      string `mapstructure:"options_table"`
	OptionNameColumn  string `mapstructure:"option_name_column"`
	OptionValueColumn string `mapstructure:"option_value_column"`

	StageTimeout        time.Duration `mapstructure:"stage_timeout"`
	SchemaTimeout       time.Duration `mapstructure:"schema_timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`

	StaleClaimAfter       time.Duration `mapstructure:"stale_claim_after"`
	StaleClaimCheckPeriod time.Duration `mapstructure:"stale_claim_check_period"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	Prefix        string `mapstructure:"prefix"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`

	// Authentication method: "default", "static", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`

	// Authentication method: "default", "service_account"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// RedisConfig enables the distributed provisioning lock and rate limiter.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// APITokenHash is a bcrypt hash of the bearer token callers must present.
	// Empty disables the check and leaves authentication to the fronting proxy.
	APITokenHash string             `mapstructure:"api_token_hash"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// AuditConfig selects where provisioning audit events are shipped. Both sinks may be
// enabled at once.
type AuditConfig struct {
	File    AuditFileConfig    `mapstructure:"file"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
}

// AuditFileConfig appends events as JSON lines to a local file
type AuditFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditWebhookConfig posts events to an HTTP endpoint
type AuditWebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	// BatchSize > 0 queues events and posts them as a JSON array
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// envKeys lists every config key bound to an environment variable.
// AutomaticEnv() doesn't work well with nested structs during Unmarshal.
var envKeys = []string{
	"server.host",
	"server.port",
	"server.read_timeout",
	"server.write_timeout",

	"database.host",
	"database.port",
	"database.name",
	"database.user",
	"database.password",
	"database.ssl_mode",
	"database.max_connections",
	"database.min_idle_connections",

	"tenant_host.driver",
	"tenant_host.host",
	"tenant_host.port",
	"tenant_host.user",
	"tenant_host.password",
	"tenant_host.admin_database",
	"tenant_host.ssl_mode",
	"tenant_host.connect_timeout",

	"tenancy.database_prefix",
	"tenancy.scheme",
	"tenancy.domain_suffix",
	"tenancy.storage_root",
	"tenancy.storage_url_path",
	"tenancy.seed_file",
	"tenancy.seed_sha256",
	"tenancy.watch_seed",
	"tenancy.options_table",
	"tenancy.option_name_column",
	"tenancy.option_value_column",
	"tenancy.stage_timeout",
	"tenancy.schema_timeout",
	"tenancy.compensation_timeout",
	"tenancy.stale_claim_after",
	"tenancy.stale_claim_check_period",

	"storage.default_backend",
	"storage.azure.account_name",
	"storage.azure.account_key",
	"storage.azure.container_name",
	"storage.azure.prefix",
	"storage.s3.endpoint",
	"storage.s3.region",
	"storage.s3.bucket",
	"storage.s3.prefix",
	"storage.s3.auth_method",
	"storage.s3.access_key_id",
	"storage.s3.secret_access_key",
	"storage.s3.role_arn",
	"storage.s3.role_session_name",
	"storage.s3.external_id",
	"storage.gcs.bucket",
	"storage.gcs.prefix",
	"storage.gcs.auth_method",
	"storage.gcs.credentials_file",
	"storage.gcs.credentials_json",
	"storage.gcs.endpoint",
	"storage.local.base_path",

	"redis.enabled",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.key_prefix",
	"redis.lock_ttl",

	"security.api_token_hash",
	"security.rate_limiting.enabled",
	"security.rate_limiting.requests_per_minute",
	"security.rate_limiting.burst",
	"security.tls.enabled",
	"security.tls.cert_file",
	"security.tls.key_file",

	"audit.file.enabled",
	"audit.file.path",
	"audit.file.max_size_mb",
	"audit.file.max_backups",
	"audit.webhook.enabled",
	"audit.webhook.url",
	"audit.webhook.timeout",
	"audit.webhook.batch_size",
	"audit.webhook.flush_interval",

	"logging.level",
	"logging.format",
	"logging.output",

	"telemetry.metrics.enabled",
	"telemetry.metrics.prometheus_port",
	"telemetry.profiling.enabled",
	"telemetry.profiling.port",
}

func bindEnvVars(v *viper.Viper) error {
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/site-provisioner")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("SPV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.TenantHost.Password = expandEnv(cfg.TenantHost.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. The tenancy defaults reproduce the
// naming convention of the original single-installation deployment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	// Schema loading can take minutes on large seed scripts.
	v.SetDefault("server.write_timeout", "10m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "site_provisioner")
	v.SetDefault("database.user", "provisioner")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("tenant_host.driver", "mysql")
	v.SetDefault("tenant_host.host", "localhost")
	v.SetDefault("tenant_host.port", 3306)
	v.SetDefault("tenant_host.user", "root")
	v.SetDefault("tenant_host.ssl_mode", "disable")
	v.SetDefault("tenant_host.connect_timeout", "10s")

	v.SetDefault("tenancy.database_prefix", "saaswp")
	v.SetDefault("tenancy.scheme", "http")
	v.SetDefault("tenancy.domain_suffix", "wpsaas.com")
	v.SetDefault("tenancy.storage_url_path", "/wp-content/uploads")
	v.SetDefault("tenancy.seed_file", "./saaswp.sql")
	v.SetDefault("tenancy.watch_seed", true)
	v.SetDefault("tenancy.options_table", "wp_options")
	v.SetDefault("tenancy.option_name_column", "option_name")
	v.SetDefault("tenancy.option_value_column", "option_value")
	v.SetDefault("tenancy.stage_timeout", "30s")
	v.SetDefault("tenancy.schema_timeout", "5m")
	v.SetDefault("tenancy.compensation_timeout", "2m")
	v.SetDefault("tenancy.stale_claim_after", "30m")
	v.SetDefault("tenancy.stale_claim_check_period", "5m")

	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./wp-content/uploads")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "spv:")
	v.SetDefault("redis.lock_ttl", "15m")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 30)
	v.SetDefault("security.rate_limiting.burst", 5)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("audit.file.enabled", false)
	v.SetDefault("audit.file.path", "./audit.log")
	v.SetDefault("audit.file.max_size_mb", 100)
	v.SetDefault("audit.file.max_backups", 5)
	v.SetDefault("audit.webhook.enabled", false)
	v.SetDefault("audit.webhook.timeout", "10s")
	v.SetDefault("audit.webhook.flush_interval", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	if c.Tenancy.StorageRoot == "" && c.Storage.DefaultBackend == "local" {
		root := c.Storage.Local.BasePath
		if abs, err := filepath.Abs(root); root != "" && err == nil {
			root = abs
		}
		c.Tenancy.StorageRoot = strings.TrimRight(root, "/")
	}
	if c.TenantHost.AdminDatabase == "" && c.TenantHost.Driver == "postgres" {
		c.TenantHost.AdminDatabase = "postgres"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.TenantHost.Driver != "mysql" && c.TenantHost.Driver != "postgres" {
		return fmt.Errorf("invalid tenant_host.driver: %s (must be mysql or postgres)", c.TenantHost.Driver)
	}
	if c.TenantHost.Host == "" {
		return fmt.Errorf("tenant_host.host is required")
	}
	if c.TenantHost.User == "" {
		return fmt.Errorf("tenant_host.user is required")
	}

	if err := c.Tenancy.validate(); err != nil {
		return err
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}
	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}
	if c.Tenancy.StorageRoot == "" {
		return fmt.Errorf("tenancy.storage_root is required when using the %s backend", c.Storage.DefaultBackend)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Audit.File.Enabled && c.Audit.File.Path == "" {
		return fmt.Errorf("audit.file.path is required when the audit file sink is enabled")
	}
	if c.Audit.Webhook.Enabled && c.Audit.Webhook.URL == "" {
		return fmt.Errorf("audit.webhook.url is required when the audit webhook sink is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (t *TenancyConfig) validate() error {
	if !sqlNamePattern.MatchString(t.DatabasePrefix) {
		return fmt.Errorf("invalid tenancy.database_prefix %q: must match %s", t.DatabasePrefix, sqlNamePattern)
	}
	for key, name := range map[string]string{
		"tenancy.options_table":       t.OptionsTable,
		"tenancy.option_name_column":  t.OptionNameColumn,
		"tenancy.option_value_column": t.OptionValueColumn,
	} {
		if !sqlNamePattern.MatchString(name) {
			return fmt.Errorf("invalid %s %q: must match %s", key, name, sqlNamePattern)
		}
	}
	if t.Scheme != "http" && t.Scheme != "https" {
		return fmt.Errorf("invalid tenancy.scheme: %s (must be http or https)", t.Scheme)
	}
	if t.DomainSuffix == "" {
		return fmt.Errorf("tenancy.domain_suffix is required")
	}
	if t.SeedFile == "" {
		return fmt.Errorf("tenancy.seed_file is required")
	}
	if t.StageTimeout <= 0 || t.SchemaTimeout <= 0 || t.CompensationTimeout <= 0 {
		return fmt.Errorf("tenancy stage, schema and compensation timeouts must be positive")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string for the control-plane database
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
