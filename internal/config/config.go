package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the elf tool
type Config struct {
	Log     LogConfig
	Parser  ParserConfig
	Storage StorageConfig
	Convert ConvertConfig
	Parquet ParquetConfig
	SQL     SQLConfig
	MQTT    MQTTConfig
	Server  ServerConfig
	Auth    AuthConfig
	History HistoryConfig
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type ParserConfig struct {
	// Fields holds "name=type" overrides. Viper folds map keys to lower case,
	// which would break case-sensitive field names, so a list is used instead.
	Fields    []string
	Delimiter string // empty for whitespace, "tab", or a single character
}

type StorageConfig struct {
	Backend   string
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool
}

type ConvertConfig struct {
	InputPrefix  string
	OutputPrefix string
	Format       string // ndjson, msgpack, parquet, sql, mqtt
	Concurrency  int
	Schedule     string // cron expression, empty disables scheduled conversion
	Suffixes     []string
	// BreakerFailures consecutive export destination failures pause conversion
	// for BreakerTimeout seconds; 0 disables the breaker
	BreakerFailures int
	BreakerTimeout  int
}

type ParquetConfig struct {
	Compression  string // snappy, zstd, gzip, none
	RowsPerGroup int
}

type SQLConfig struct {
	Driver    string // sqlite3, duckdb, pgx
	DSN       string
	Table     string
	BatchSize int
}

type MQTTConfig struct {
	Broker                string
	Topic                 string
	ClientID              string
	QoS                   int
	Username              string
	Password              string
	ConnectTimeoutSeconds int
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int   // seconds
	MaxPayloadSize  int64 // bytes, applies to both compressed and decompressed bodies
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string
}

type HistoryConfig struct {
	Enabled             bool
	Path                string // SQLite database file
	FailedRetentionDays int    // 0 keeps failed jobs forever
}

type AuthConfig struct {
	Enabled   bool
	TokenHash string // bcrypt hash of the bearer token
}

var (
	convertFormats      = []string{"ndjson", "msgpack", "parquet", "sql", "mqtt"}
	storageBackends     = []string{"local", "s3", "azure", "azblob"}
	sqlDrivers          = []string{"sqlite3", "duckdb", "pgx"}
	parquetCompressions = []string{"snappy", "zstd", "gzip", "none"}
)

// Load reads configuration from defaults, an optional TOML file and ELF_* environment variables.
// When path is empty the file is searched for as elf.toml in the usual locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("elf")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/elf/")
		v.AddConfigPath("$HOME/.elf/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	maxPayloadSize, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Parser: ParserConfig{
			Fields:    v.GetStringSlice("parser.fields"),
			Delimiter: v.GetString("parser.delimiter"),
		},
		Storage: StorageConfig{
			Backend:                 v.GetString("storage.backend"),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
		},
		Convert: ConvertConfig{
			InputPrefix:  v.GetString("convert.input_prefix"),
			OutputPrefix: v.GetString("convert.output_prefix"),
			Format:       strings.ToLower(v.GetString("convert.format")),
			Concurrency:  v.GetInt("convert.concurrency"),
			Schedule:     v.GetString("convert.schedule"),
			Suffixes:     v.GetStringSlice("convert.suffixes"),

			BreakerFailures: v.GetInt("convert.breaker_failures"),
			BreakerTimeout:  v.GetInt("convert.breaker_timeout"),
		},
		Parquet: ParquetConfig{
			Compression:  strings.ToLower(v.GetString("parquet.compression")),
			RowsPerGroup: v.GetInt("parquet.rows_per_group"),
		},
		SQL: SQLConfig{
			Driver:    v.GetString("sql.driver"),
			DSN:       v.GetString("sql.dsn"),
			Table:     v.GetString("sql.table"),
			BatchSize: v.GetInt("sql.batch_size"),
		},
		MQTT: MQTTConfig{
			Broker:                v.GetString("mqtt.broker"),
			Topic:                 v.GetString("mqtt.topic"),
			ClientID:              v.GetString("mqtt.client_id"),
			QoS:                   v.GetInt("mqtt.qos"),
			Username:              v.GetString("mqtt.username"),
			Password:              v.GetString("mqtt.password"),
			ConnectTimeoutSeconds: v.GetInt("mqtt.connect_timeout_seconds"),
		},
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetInt("server.read_timeout"),
			WriteTimeout:    v.GetInt("server.write_timeout"),
			ShutdownTimeout: v.GetInt("server.shutdown_timeout"),
			MaxPayloadSize:  maxPayloadSize,
			TLSEnabled:      v.GetBool("server.tls_enabled"),
			TLSCertFile:     v.GetString("server.tls_cert_file"),
			TLSKeyFile:      v.GetString("server.tls_key_file"),
		},
		Auth: AuthConfig{
			Enabled:   v.GetBool("auth.enabled"),
			TokenHash: v.GetString("auth.token_hash"),
		},
		History: HistoryConfig{
			Enabled:             v.GetBool("history.enabled"),
			Path:                v.GetString("history.path"),
			FailedRetentionDays: v.GetInt("history.failed_retention_days"),
		},
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Parser defaults
	v.SetDefault("parser.fields", []string{})
	v.SetDefault("parser.delimiter", "")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.azure_use_managed_identity", false)

	// Convert defaults
	v.SetDefault("convert.input_prefix", "logs/")
	v.SetDefault("convert.output_prefix", "converted/")
	v.SetDefault("convert.format", "ndjson")
	v.SetDefault("convert.concurrency", getDefaultConcurrency())
	v.SetDefault("convert.schedule", "")
	v.SetDefault("convert.suffixes", []string{".log", ".log.gz", ".log.zst"})
	v.SetDefault("convert.breaker_failures", 5)
	v.SetDefault("convert.breaker_timeout", 60)

	// Parquet defaults
	v.SetDefault("parquet.compression", "snappy")
	v.SetDefault("parquet.rows_per_group", 100000)

	// SQL defaults
	v.SetDefault("sql.driver", "sqlite3")
	v.SetDefault("sql.dsn", "./data/elf.db")
	v.SetDefault("sql.table", "elf_records")
	v.SetDefault("sql.batch_size", 1000)

	// MQTT defaults
	v.SetDefault("mqtt.topic", "elf/records")
	v.SetDefault("mqtt.client_id", "elf-exporter")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout_seconds", 10)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.max_payload_size", "256MB")
	v.SetDefault("server.tls_enabled", false)

	// Auth defaults
	v.SetDefault("auth.enabled", false)

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "./data/history.db")
	v.SetDefault("history.failed_retention_days", 30)
}

// getDefaultConcurrency returns one conversion worker per core, bounded to [1, 16]
func getDefaultConcurrency() int {
	n := runtime.NumCPU()
	if n > 16 {
		n = 16
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks cross-field constraints that defaults alone cannot guarantee
func (c *Config) Validate() error {
	if !oneOf(c.Storage.Backend, storageBackends) {
		return fmt.Errorf("unsupported storage.backend %q (supported: %s)", c.Storage.Backend, strings.Join(storageBackends, ", "))
	}
	if !oneOf(c.Convert.Format, convertFormats) {
		return fmt.Errorf("unsupported convert.format %q (supported: %s)", c.Convert.Format, strings.Join(convertFormats, ", "))
	}
	if c.Convert.Concurrency < 1 {
		return fmt.Errorf("convert.concurrency must be at least 1, got %d", c.Convert.Concurrency)
	}
	if c.Convert.BreakerFailures < 0 {
		return fmt.Errorf("convert.breaker_failures must not be negative, got %d", c.Convert.BreakerFailures)
	}
	if c.Convert.BreakerFailures > 0 && c.Convert.BreakerTimeout < 1 {
		return fmt.Errorf("convert.breaker_timeout must be at least 1 second, got %d", c.Convert.BreakerTimeout)
	}
	if !oneOf(c.Parquet.Compression, parquetCompressions) {
		return fmt.Errorf("unsupported parquet.compression %q (supported: %s)", c.Parquet.Compression, strings.Join(parquetCompressions, ", "))
	}
	if c.Parquet.RowsPerGroup < 1 {
		return fmt.Errorf("parquet.rows_per_group must be at least 1, got %d", c.Parquet.RowsPerGroup)
	}
	if !oneOf(c.SQL.Driver, sqlDrivers) {
		return fmt.Errorf("unsupported sql.driver %q (supported: %s)", c.SQL.Driver, strings.Join(sqlDrivers, ", "))
	}
	if c.SQL.BatchSize < 1 {
		return fmt.Errorf("sql.batch_size must be at least 1, got %d", c.SQL.BatchSize)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Convert.Format == "mqtt" && c.MQTT.Broker == "" {
		return fmt.Errorf("convert.format is mqtt but mqtt.broker not specified")
	}
	if c.Auth.Enabled && c.Auth.TokenHash == "" {
		return fmt.Errorf("auth enabled but auth.token_hash not specified")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history enabled but history.path not specified")
	}
	if _, err := ParseFieldSpecs(c.Parser.Fields); err != nil {
		return fmt.Errorf("invalid parser.fields: %w", err)
	}
	if _, _, err := ParseDelimiter(c.Parser.Delimiter); err != nil {
		return fmt.Errorf("invalid parser.delimiter: %w", err)
	}
	return c.Server.ValidateTLS()
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// ValidateTLS checks that the TLS configuration is valid when TLS is enabled
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}

	for _, f := range []struct{ kind, path string }{
		{"certificate", cfg.TLSCertFile},
		{"key", cfg.TLSKeyFile},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", f.kind, f.path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", f.kind, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", f.kind, f.path)
		}
	}

	return nil
}

// ParseSize parses a human-readable size such as "256MB" into bytes
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// longer suffixes first
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
