package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/export"
	"github.com/basekick-labs/elf/internal/input"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type parseOptions struct {
	fields    []string
	delimiter string
	format    string
	withTypes bool
}

func newParseCommand(a *app) *cobra.Command {
	o := &parseOptions{}

	cmd := &cobra.Command{
		Use:   "parse [files...]",
		Short: "Parse ELF files and print their records",
		Long: `Parse one or more local ELF files and write their records to stdout.
Files may be gzip or zstd compressed. With no file, or "-", stdin is read.

Examples:
  elf parse u_ex210101.log
  elf parse access.log.gz --format msgpack > records.msgpack
  cat access.log | elf parse --field time-taken=double --with-types`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runParse(cmd, args, o)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&o.fields, "field", "f", nil, "field parser assignment name=type, repeatable (types: date, time, long, int, double, string)")
	flags.StringVarP(&o.delimiter, "delimiter", "d", "", "data line delimiter: tab, comma, pipe or a single character (default: whitespace)")
	flags.StringVarP(&o.format, "format", "o", "ndjson", "output format: ndjson, msgpack")
	flags.BoolVar(&o.withTypes, "with-types", false, "wrap every ndjson line as {fieldTypes, fieldData}")
	return cmd
}

func (a *app) runParse(cmd *cobra.Command, args []string, o *parseOptions) error {
	if o.format != "ndjson" && o.format != "msgpack" {
		return fmt.Errorf("unsupported output format %q (supported: ndjson, msgpack)", o.format)
	}
	opts, err := a.parserOptions(cmd, o.fields, o.delimiter)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = []string{"-"}
	}

	out := cmd.OutOrStdout()
	for _, name := range args {
		session, err := openLocalSession(cmd, name, opts)
		if err != nil {
			return err
		}

		var exp export.Exporter
		if o.format == "msgpack" {
			exp = export.NewMsgpack(export.WriterSink(out))
		} else {
			exp = export.NewNDJSON(export.WriterSink(out), o.withTypes)
		}

		err = export.Drain(session, exp)
		log.Debug().
			Str("file", name).
			Int("lines", session.LinesRead()).
			Int("records", session.RecordsRead()).
			Msg("Parsed file")
		session.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// openLocalSession opens a local file, or stdin for "-", and reads its header
func openLocalSession(cmd *cobra.Command, name string, opts []elf.Option) (*elf.Session, error) {
	var rc io.ReadCloser
	if name == "-" {
		rc = io.NopCloser(cmd.InOrStdin())
	} else {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		rc = f
	}

	src, err := input.NewSource(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	session, err := elf.OpenReader(src, opts...)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return session, nil
}
