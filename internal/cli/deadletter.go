package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/specialistvlad/stagegridgo/internal/deadletter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func deadLetterCmd(outW io.Writer) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and resolve stage failures kept in the dead-letter queue",
	}
	cmd.PersistentFlags().StringVar(&dir, "dead-letter-dir", "", "Directory of the dead-letter queue.")
	_ = cmd.MarkPersistentFlagRequired("dead-letter-dir")

	open := func(fn func(cmd *cobra.Command, q *deadletter.Queue) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			q, err := deadletter.Open(dir)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: err.Error()}
			}
			defer q.Close()
			return fn(cmd, q)
		}
	}

	var f deadletter.Filter
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved entries, newest first",
		Args:  cobra.NoArgs,
		RunE: open(func(cmd *cobra.Command, q *deadletter.Queue) error {
			entries, err := q.Unresolved(cmd.Context(), f)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: err.Error()}
			}
			tw := tabwriter.NewWriter(outW, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRUN\tSTAGE\tREASON\tCODE\tATTEMPTS\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", e.ID, e.RunID, e.Stage, e.Reason, e.Code, e.Attempts, e.Message)
			}
			return tw.Flush()
		}),
	}
	list.Flags().StringVar((*string)(&f.Reason), "reason", "", "Only entries with this reason.")
	list.Flags().StringVar(&f.Stage, "stage", "", "Only entries of this stage.")
	list.Flags().IntVar(&f.Limit, "limit", deadletter.DefaultLimit, "Maximum number of entries.")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count entries by state and reason",
		Args:  cobra.NoArgs,
		RunE: open(func(cmd *cobra.Command, q *deadletter.Queue) error {
			s, err := q.Stats(cmd.Context())
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: err.Error()}
			}
			enc := yaml.NewEncoder(outW)
			defer enc.Close()
			return enc.Encode(s)
		}),
	}

	var by, notes string
	resolve := &cobra.Command{
		Use:   "resolve ID",
		Short: "Mark an entry resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open(func(cmd *cobra.Command, q *deadletter.Queue) error {
				ok, err := q.Resolve(cmd.Context(), args[0], by, notes)
				if err != nil {
					return &ExitError{Code: ExitFailure, Message: err.Error()}
				}
				if !ok {
					fmt.Fprintf(outW, "%s was already resolved\n", args[0])
					return nil
				}
				fmt.Fprintf(outW, "%s resolved\n", args[0])
				return nil
			})(cmd, args)
		},
	}
	resolve.Flags().StringVar(&by, "by", "operator", "Who resolved the entry.")
	resolve.Flags().StringVar(&notes, "notes", "", "Resolution notes.")

	cmd.AddCommand(list, stats, resolve)
	return cmd
}
