package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/basekick-labs/elf/internal/elf"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
)

func newSchemaCommand(a *app) *cobra.Command {
	var (
		fields    []string
		delimiter string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "schema <file>",
		Short: "Show the fields declared by an ELF header and how they are typed",
		Long: `Read the header of an ELF file and print each declared field with the
type and parser it is bound to. Only the header is read.

Examples:
  elf schema u_ex210101.log
  elf schema access.log --field cs-uri-port=long --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.parserOptions(cmd, fields, delimiter)
			if err != nil {
				return err
			}
			session, err := openLocalSession(cmd, args[0], opts)
			if err != nil {
				return err
			}
			defer session.Close()

			switch output {
			case "json":
				b, err := session.FieldTypes().MarshalJSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return err
			case "table":
				return renderSchema(cmd.OutOrStdout(), session.Schema())
			default:
				return fmt.Errorf("unsupported output %q (supported: table, json)", output)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&fields, "field", "f", nil, "field parser assignment name=type, repeatable")
	flags.StringVarP(&delimiter, "delimiter", "d", "", "data line delimiter: tab, comma, pipe or a single character")
	flags.StringVarP(&output, "output", "o", "table", "output: table, json")
	return cmd
}

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{Symbols: tw.NewSymbols(tw.StyleASCII)})),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
}

func renderSchema(w io.Writer, schema *elf.Schema) error {
	table := newTable(w)
	table.Header([]string{"#", "Field", "Type", "Parser"})
	for i, entry := range schema.Entries() {
		row := []string{strconv.Itoa(i + 1), entry.Name, entry.Parser.Type().String(), entry.Parser.Name()}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
