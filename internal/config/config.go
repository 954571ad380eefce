package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// SQL Server encryption modes, mapped onto the driver's encrypt parameter.
const (
	EncryptDisable = "disable"
	EncryptFalse   = "false"
	EncryptTrue    = "true"
	EncryptStrict  = "strict"
)

// Snapshot isolation levels used while reading chunks.
const (
	IsolationSnapshot      = "snapshot"
	IsolationReadCommitted = "read_committed"
)

type Config struct {
	SQLServer     SQLServerConfig     `mapstructure:"sqlserver"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	CDC           CDCConfig           `mapstructure:"cdc"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	State         StateConfig         `mapstructure:"state"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type SQLServerConfig struct {
	Host                   string            `mapstructure:"host"`
	Port                   int               `mapstructure:"port"`
	Username               string            `mapstructure:"username"`
	Password               string            `mapstructure:"password"`
	Database               string            `mapstructure:"database"`
	Encrypt                string            `mapstructure:"encrypt"`
	TrustServerCertificate bool              `mapstructure:"trust_server_certificate"`
	MaxOpenConns           int               `mapstructure:"max_open_conns"`
	MaxIdleConns           int               `mapstructure:"max_idle_conns"`
	ConnMaxLifetime        time.Duration     `mapstructure:"conn_max_lifetime"`
	TableFilter            TableFilterConfig `mapstructure:"table_filter"`
}

type ClickHouseConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Database     string        `mapstructure:"database"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	EnableSSL    bool          `mapstructure:"enable_ssl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

type TableFilterConfig struct {
	IncludePatterns []string `mapstructure:"include_patterns"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
	IncludeTables   []string `mapstructure:"include_tables"`
	ExcludeTables   []string `mapstructure:"exclude_tables"`
}

type CDCConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	EventChannelBuffer int           `mapstructure:"event_channel_buffer"`
}

type SnapshotConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ChunkSize           int           `mapstructure:"chunk_size"`
	ParallelTables      int           `mapstructure:"parallel_tables"`
	Isolation           string        `mapstructure:"isolation"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ResumeOnFailure     bool          `mapstructure:"resume_on_failure"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	CreateMissingTables bool          `mapstructure:"create_missing_tables"`
	SkipDataLoad        bool          `mapstructure:"skip_data_load"`
}

type PipelineConfig struct {
	BatchSize               int           `mapstructure:"batch_size"`
	BatchTimeout            time.Duration `mapstructure:"batch_timeout"`
	FlushInterval           time.Duration `mapstructure:"flush_interval"`
	BufferSize              int           `mapstructure:"buffer_size"`
	WorkerCount             int           `mapstructure:"worker_count"`
	WorkerChannelBufferSize int           `mapstructure:"worker_channel_buffer_size"`
	WorkerChannelTimeout    time.Duration `mapstructure:"worker_channel_timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
}

type StateConfig struct {
	Type               string                `mapstructure:"type"`
	ClickHouse         StateClickHouseConfig `mapstructure:"clickhouse"`
	CheckpointInterval time.Duration         `mapstructure:"checkpoint_interval"`
	RetentionPeriod    time.Duration         `mapstructure:"retention_period"`
}

type StateClickHouseConfig struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local_time"`
}

type ObservabilityConfig struct {
	ErrorReporting ErrorReportingConfig `mapstructure:"error_reporting"`
	LogExporting   LogExportingConfig   `mapstructure:"log_exporting"`
}

type ErrorReportingConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Provider string       `mapstructure:"provider"` // sentry, noop
	Sentry   SentryConfig `mapstructure:"sentry"`
}

type SentryConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Environment  string        `mapstructure:"environment"`
	Release      string        `mapstructure:"release"`
	SampleRate   float64       `mapstructure:"sample_rate"`
	Debug        bool          `mapstructure:"debug"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

type LogExportingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Provider string         `mapstructure:"provider"` // newrelic, noop
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
}

type NewRelicConfig struct {
	LicenseKey    string        `mapstructure:"license_key"`
	AppName       string        `mapstructure:"app_name"`
	LogForwarding bool          `mapstructure:"log_forwarding"`
	MinLogLevel   string        `mapstructure:"min_log_level"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")

	setDefaults(v)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData, err := expandEnvWithDefaults(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	if err := v.ReadConfig(bytes.NewReader([]byte(expandedData))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sqlserver.host", "localhost")
	v.SetDefault("sqlserver.port", 1433)
	v.SetDefault("sqlserver.encrypt", EncryptTrue)
	v.SetDefault("sqlserver.trust_server_certificate", false)
	v.SetDefault("sqlserver.max_open_conns", 10)
	v.SetDefault("sqlserver.max_idle_conns", 5)
	v.SetDefault("sqlserver.conn_max_lifetime", "1h")

	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.enable_ssl", false)
	v.SetDefault("clickhouse.dial_timeout", "10s")
	v.SetDefault("clickhouse.max_open_conns", 10)
	v.SetDefault("clickhouse.max_idle_conns", 5)
	v.SetDefault("clickhouse.max_lifetime", "1h")

	v.SetDefault("cdc.poll_interval", "1s")
	v.SetDefault("cdc.max_batch_size", 5000)
	v.SetDefault("cdc.event_channel_buffer", 10000)

	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.chunk_size", 10000)
	v.SetDefault("snapshot.parallel_tables", 2)
	v.SetDefault("snapshot.isolation", IsolationSnapshot)
	v.SetDefault("snapshot.timeout", "1h")
	v.SetDefault("snapshot.resume_on_failure", true)
	v.SetDefault("snapshot.max_retries", 3)
	v.SetDefault("snapshot.retry_delay", "5s")
	v.SetDefault("snapshot.create_missing_tables", true)
	v.SetDefault("snapshot.skip_data_load", false)

	v.SetDefault("pipeline.batch_size", 500)
	v.SetDefault("pipeline.batch_timeout", "5s")
	v.SetDefault("pipeline.flush_interval", "2s")
	v.SetDefault("pipeline.buffer_size", 10000)
	v.SetDefault("pipeline.worker_count", 4)
	v.SetDefault("pipeline.worker_channel_buffer_size", 10)
	v.SetDefault("pipeline.worker_channel_timeout", "30s")
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay", "1s")

	v.SetDefault("state.type", "clickhouse")
	v.SetDefault("state.clickhouse.database", "default")
	v.SetDefault("state.clickhouse.table", "mssql_bridge_checkpoints")
	v.SetDefault("state.checkpoint_interval", "30s")
	v.SetDefault("state.retention_period", "168h")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.port", 8080)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.local_time", true)

	v.SetDefault("observability.error_reporting.enabled", false)
	v.SetDefault("observability.error_reporting.provider", "sentry")
	v.SetDefault("observability.error_reporting.sentry.sample_rate", 1.0)
	v.SetDefault("observability.error_reporting.sentry.flush_timeout", "5s")

	v.SetDefault("observability.log_exporting.enabled", false)
	v.SetDefault("observability.log_exporting.provider", "newrelic")
	v.SetDefault("observability.log_exporting.newrelic.log_forwarding", true)
	v.SetDefault("observability.log_exporting.newrelic.min_log_level", "info")
	v.SetDefault("observability.log_exporting.newrelic.flush_timeout", "5s")
}

func validate(cfg *Config) error {
	if cfg.SQLServer.Host == "" {
		return fmt.Errorf("sqlserver.host is required")
	}
	if cfg.SQLServer.Username == "" {
		return fmt.Errorf("sqlserver.username is required")
	}
	if cfg.SQLServer.Password == "" {
		return fmt.Errorf("sqlserver.password is required")
	}
	if cfg.SQLServer.Database == "" {
		return fmt.Errorf("sqlserver.database is required")
	}

	if err := validatePort(cfg.SQLServer.Port, "sqlserver.port"); err != nil {
		return err
	}

	validEncryptModes := map[string]bool{
		EncryptDisable: true,
		EncryptFalse:   true,
		EncryptTrue:    true,
		EncryptStrict:  true,
	}
	if !validEncryptModes[cfg.SQLServer.Encrypt] {
		return fmt.Errorf("sqlserver.encrypt must be one of: disable, false, true, strict")
	}

	if err := validateRange(cfg.SQLServer.MaxOpenConns, 1, 1000, "sqlserver.max_open_conns"); err != nil {
		return err
	}
	if cfg.SQLServer.MaxIdleConns > cfg.SQLServer.MaxOpenConns {
		return fmt.Errorf("sqlserver.max_idle_conns (%d) cannot exceed sqlserver.max_open_conns (%d)",
			cfg.SQLServer.MaxIdleConns, cfg.SQLServer.MaxOpenConns)
	}
	if err := validatePositiveDuration(cfg.SQLServer.ConnMaxLifetime, "sqlserver.conn_max_lifetime"); err != nil {
		return err
	}

	if len(cfg.ClickHouse.Addresses) == 0 {
		return fmt.Errorf("clickhouse.addresses is required")
	}
	if cfg.ClickHouse.Username == "" {
		return fmt.Errorf("clickhouse.username is required")
	}
	if err := validateRange(cfg.ClickHouse.MaxOpenConns, 1, 1000, "clickhouse.max_open_conns"); err != nil {
		return err
	}
	if cfg.ClickHouse.MaxIdleConns > cfg.ClickHouse.MaxOpenConns {
		return fmt.Errorf("clickhouse.max_idle_conns (%d) cannot exceed clickhouse.max_open_conns (%d)",
			cfg.ClickHouse.MaxIdleConns, cfg.ClickHouse.MaxOpenConns)
	}
	if err := validatePositiveDuration(cfg.ClickHouse.DialTimeout, "clickhouse.dial_timeout"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.ClickHouse.MaxLifetime, "clickhouse.max_lifetime"); err != nil {
		return err
	}

	if err := validatePositiveDuration(cfg.CDC.PollInterval, "cdc.poll_interval"); err != nil {
		return err
	}
	if err := validateRange(cfg.CDC.MaxBatchSize, 1, 1000000, "cdc.max_batch_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.CDC.EventChannelBuffer, 100, 1000000, "cdc.event_channel_buffer"); err != nil {
		return err
	}

	if cfg.Snapshot.Enabled {
		if err := validateRange(cfg.Snapshot.ChunkSize, 100, 1000000, "snapshot.chunk_size"); err != nil {
			return err
		}
		if cfg.Snapshot.ParallelTables <= 0 {
			return fmt.Errorf("snapshot.parallel_tables must be positive")
		}
		if cfg.Snapshot.MaxRetries < 0 {
			return fmt.Errorf("snapshot.max_retries must be non-negative")
		}
		if err := validatePositiveDuration(cfg.Snapshot.Timeout, "snapshot.timeout"); err != nil {
			return err
		}
		if err := validatePositiveDuration(cfg.Snapshot.RetryDelay, "snapshot.retry_delay"); err != nil {
			return err
		}
		if cfg.Snapshot.Isolation != IsolationSnapshot && cfg.Snapshot.Isolation != IsolationReadCommitted {
			return fmt.Errorf("snapshot.isolation must be one of: snapshot, read_committed")
		}
	}

	if cfg.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be non-negative, got %d", cfg.Pipeline.MaxRetries)
	}
	if err := validateRange(cfg.Pipeline.BufferSize, 100, 10000000, "pipeline.buffer_size"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Pipeline.FlushInterval, "pipeline.flush_interval"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Pipeline.RetryDelay, "pipeline.retry_delay"); err != nil {
		return err
	}
	if err := validateRange(cfg.Pipeline.WorkerCount, 1, 64, "pipeline.worker_count"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Pipeline.BatchTimeout, "pipeline.batch_timeout"); err != nil {
		return err
	}

	if err := validateDurationMinimum(cfg.State.CheckpointInterval, time.Second, "state.checkpoint_interval"); err != nil {
		return err
	}
	if err := validateDurationMinimum(cfg.State.RetentionPeriod, time.Hour, "state.retention_period"); err != nil {
		return err
	}

	if cfg.Monitoring.Enabled {
		if err := validatePort(cfg.Monitoring.Port, "monitoring.port"); err != nil {
			return err
		}
	}

	if err := validateRange(cfg.Logging.MaxSize, 1, 1000, "logging.max_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxBackups, 0, 100, "logging.max_backups"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxAge, 0, 365, "logging.max_age"); err != nil {
		return err
	}

	return nil
}

// validatePort checks if a port number is in the valid range (1-65535)
func validatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// validatePositiveDuration checks if a duration is positive
func validatePositiveDuration(d time.Duration, name string) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return nil
}

// validateDurationMinimum checks if a duration meets a minimum threshold
func validateDurationMinimum(d time.Duration, minimum time.Duration, name string) error {
	if d < minimum {
		return fmt.Errorf("%s must be at least %v, got %v", name, minimum, d)
	}
	return nil
}

// validateRange checks if an integer is within a specified range
func validateRange(value int, min int, max int, name string) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}
	return nil
}
