package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basekick-labs/elf/internal/elf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "ndjson", cfg.Convert.Format)
	assert.Equal(t, []string{".log", ".log.gz", ".log.zst"}, cfg.Convert.Suffixes)
	assert.Equal(t, getDefaultConcurrency(), cfg.Convert.Concurrency)
	assert.Equal(t, 5, cfg.Convert.BreakerFailures)
	assert.Equal(t, 60, cfg.Convert.BreakerTimeout)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, "./data/history.db", cfg.History.Path)
	assert.Equal(t, int64(256*1024*1024), cfg.Server.MaxPayloadSize)
	assert.Equal(t, 30, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite3", cfg.SQL.Driver)
	assert.Empty(t, cfg.Parser.Fields)
	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	content := `
[parser]
fields = ["time-taken=double", "cs(User-Agent)=text"]
delimiter = "tab"

[convert]
format = "PARQUET"
concurrency = 3

[server]
port = 9999
max_payload_size = "1MB"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"time-taken=double", "cs(User-Agent)=text"}, cfg.Parser.Fields)
	assert.Equal(t, "tab", cfg.Parser.Delimiter)
	assert.Equal(t, "parquet", cfg.Convert.Format)
	assert.Equal(t, 3, cfg.Convert.Concurrency)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, int64(1024*1024), cfg.Server.MaxPayloadSize)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ELF_STORAGE_BACKEND", "s3")
	t.Setenv("ELF_STORAGE_S3_BUCKET", "logs")
	t.Setenv("ELF_SQL_BATCH_SIZE", "50")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "logs", cfg.Storage.S3Bucket)
	assert.Equal(t, 50, cfg.SQL.BatchSize)
}

func TestLoad_InvalidPayloadSize(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ELF_SERVER_MAX_PAYLOAD_SIZE", "1TB")

	_, err := Load("")
	assert.ErrorContains(t, err, "max_payload_size")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	defaults, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"unknown format", func(c *Config) { c.Convert.Format = "xml" }, "convert.format"},
		{"zero concurrency", func(c *Config) { c.Convert.Concurrency = 0 }, "convert.concurrency"},
		{"negative breaker failures", func(c *Config) { c.Convert.BreakerFailures = -1 }, "convert.breaker_failures"},
		{"breaker without timeout", func(c *Config) { c.Convert.BreakerTimeout = 0 }, "convert.breaker_timeout"},
		{"unknown compression", func(c *Config) { c.Parquet.Compression = "lzma" }, "parquet.compression"},
		{"unknown driver", func(c *Config) { c.SQL.Driver = "oracle" }, "sql.driver"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"mqtt without broker", func(c *Config) { c.Convert.Format = "mqtt" }, "mqtt.broker"},
		{"auth without hash", func(c *Config) { c.Auth.Enabled = true }, "auth.token_hash"},
		{"history without path", func(c *Config) { c.History.Enabled, c.History.Path = true, "" }, "history.path"},
		{"bad field spec", func(c *Config) { c.Parser.Fields = []string{"time-taken"} }, "parser.fields"},
		{"bad delimiter", func(c *Config) { c.Parser.Delimiter = "::" }, "parser.delimiter"},
		{"tls without cert", func(c *Config) { c.Server.TLSEnabled = true }, "tls_cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *defaults
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1GB", 1024 * 1024 * 1024, false},
		{"500mb", 500 * 1024 * 1024, false},
		{"1.5KB", 1536, false},
		{"42", 42, false},
		{"10B", 10, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"-1MB", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFieldSpecs(t *testing.T) {
	got, err := ParseFieldSpecs([]string{"time-taken=double, s-port=INT", "cs(User-Agent)=text"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"time-taken":     "double",
		"s-port":         "int",
		"cs(User-Agent)": "text",
	}, got)

	_, err = ParseFieldSpecs([]string{"=long"})
	assert.Error(t, err)
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		ok      bool
		wantErr bool
	}{
		{"", 0, false, false},
		{"tab", '\t', true, false},
		{"\t", '\t', true, false},
		{",", ',', true, false},
		{"pipe", '|', true, false},
		{`"`, 0, false, true},
		{"ab", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok, err := ParseDelimiter(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestParserOptions(t *testing.T) {
	opts, err := ParserOptions([]string{"time-taken=double"}, "tab")
	require.NoError(t, err)
	require.Len(t, opts, 2)

	session, err := elf.OpenReader(strings.NewReader("#Fields: date time-taken\n2021-01-01\t0.5\n"), opts...)
	require.NoError(t, err)
	record, err := session.Next()
	require.NoError(t, err)
	v, _ := record.Get("time-taken")
	assert.Equal(t, 0.5, v)

	opts, err = ParserOptions(nil, "")
	require.NoError(t, err)
	assert.Empty(t, opts)

	var upe *elf.UnknownParserError
	_, err = ParserOptions([]string{"s-port=short"}, "")
	assert.ErrorAs(t, err, &upe)

	_, err = ParserOptions(nil, "ab")
	assert.Error(t, err)
}
