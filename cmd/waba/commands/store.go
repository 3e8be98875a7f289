package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates `waba migrate`.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, err := setupStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := db.Migrator.CurrentVersion(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading schema version: %w", err)
			}
			cmd.Printf("%s schema at version %d\n", db.Type, version)
			return nil
		},
	}
}

// newHistoryCmd creates `waba history <user>`.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "Show a user's stored conversation",
		Long: `Show the stored conversation turns of one user, oldest first.

Examples:
  waba history 50688887777
  waba history 50688887777 --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}

			db, store, err := setupStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			turns, err := store.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				cmd.Println("No history.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tROLE\tCONTENT")
			for _, t := range turns {
				fmt.Fprintf(w, "%s\t%s\t%s\n", formatTS(t.TS), t.Role, oneLine(t.Content, 100))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "maximum number of turns")
	return cmd
}

// newPendingCmd creates `waba pending <user>`.
func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <user>",
		Short: "Show a user's unanswered messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := setupStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := store.FetchUnprocessed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cmd.Println("Nothing pending.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tCONTENT")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\n", e.ID, formatTS(e.TS), oneLine(e.Content, 100))
			}
			return w.Flush()
		},
	}
}

func formatTS(ts int64) string {
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04:05")
}

// oneLine flattens newlines and truncates to n runes.
func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return string(r)
}
