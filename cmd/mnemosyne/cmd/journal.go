package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
)

var (
	journalVerify bool
	journalLimit  int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the operation journal",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Audit.Enabled {
			return usageErrorf("%w: the journal is disabled (audit.enabled)", domain.ErrInvalidArgument)
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if journalVerify {
			events, err := a.journal.Verify()
			if err != nil {
				return fmt.Errorf("%w: journal %s: %w", domain.ErrCorrupt, a.journal.Path(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Journal %s: %d events, chain intact\n", a.journal.Path(), len(events))
			return nil
		}

		events, err := audit.ReadEvents(a.journal.Path())
		if err != nil {
			return err
		}
		if journalLimit > 0 && len(events) > journalLimit {
			events = events[len(events)-journalLimit:]
		}
		if events == nil {
			events = []audit.Event{}
		}
		return render(cmd, events, func(w io.Writer) {
			fmt.Fprintln(w, "TIME\tACTION\tRESULT\tTARGET\tACTOR\tLATENCY\tERROR")
			for _, e := range events {
				target := e.Resource.ID
				if e.Resource.Name != "" {
					target += " (" + e.Resource.Name + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.RFC3339), e.Action, e.Result, target, e.Actor,
					e.Latency.Round(time.Millisecond), e.ErrorMessage)
			}
		})
	},
}

func init() {
	journalCmd.Flags().BoolVar(&journalVerify, "verify", false, "Check the journal's hash chain")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 0, "Show only the most recent events")
	rootCmd.AddCommand(journalCmd)
}
