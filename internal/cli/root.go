// Package cli implements the elf command line.
package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// app carries state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
}

// NewRootCommand builds the elf command tree
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "elf",
		Short: "elf parses W3C Extended Log Format files",
		Long: `elf reads W3C Extended Log Format files (IIS, CloudFront, proxy access logs),
builds a typed schema from their #Fields: header and turns every data line into a record.

Records can be printed as ndjson or msgpack, converted in bulk from local disk, S3 or
Azure Blob Storage into ndjson, msgpack or Parquet files, loaded into SQLite, DuckDB or
PostgreSQL, published to an MQTT broker, or parsed over HTTP.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: elf.toml in ., /etc/elf or $HOME/.elf)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, disabled")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: json, console")

	root.AddCommand(
		newParseCommand(a),
		newSchemaCommand(a),
		newConvertCommand(a),
		newServeCommand(a),
		newHistoryCommand(a),
		newTokenCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and the logger before any subcommand runs
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	a.cfg = cfg
	return nil
}

// parserOptions merges --field and --delimiter with the [parser] section.
// Flag assignments win over configured ones for the same field.
func (a *app) parserOptions(cmd *cobra.Command, fields []string, delimiter string) ([]elf.Option, error) {
	all := append(slices.Clone(a.cfg.Parser.Fields), fields...)

	delim := a.cfg.Parser.Delimiter
	if cmd.Flags().Changed("delimiter") {
		delim = delimiter
	}

	opts, err := config.ParserOptions(all, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid parser options: %w", err)
	}
	return append(opts, elf.WithLogger(log.Logger)), nil
}
