package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/basekick-labs/elf/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCommand(a *app) *cobra.Command {
	filter := &history.Filter{}
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded file conversions",
		Long: `List the conversions recorded in the history database (history.enabled),
newest first, followed by success and failure counts.

Examples:
  elf history
  elf history --status failed --since 24h
  elf history --path logs/u_ex210101.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.History.Enabled {
				return fmt.Errorf("conversion history is disabled (set history.enabled)")
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			store, err := openHistory(a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			jobs, err := store.Query(ctx, filter)
			if err != nil {
				return err
			}
			stats, err := store.Stats(ctx, filter.Since)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := newTable(out)
			table.Header([]string{"Finished", "File", "Format", "Status", "Records", "Duration", "Error"})
			for _, j := range jobs {
				row := []string{
					j.FinishedAt.Local().Format(time.DateTime),
					j.Path,
					j.Format,
					j.Status,
					strconv.Itoa(j.Records),
					(time.Duration(j.DurationMs) * time.Millisecond).String(),
					j.Error,
				}
				if err := table.Append(row); err != nil {
					return err
				}
			}
			if err := table.Render(); err != nil {
				return err
			}

			_, err = fmt.Fprintf(out, "%d succeeded, %d failed\n", stats[history.StatusSuccess], stats[history.StatusFailed])
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.Status, "status", "", "only jobs with this status: success, failed")
	flags.StringVar(&filter.Path, "path", "", "only jobs for this input path")
	flags.IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of jobs")
	flags.DurationVar(&since, "since", 0, "only jobs finished within this duration, e.g. 24h")
	return cmd
}
