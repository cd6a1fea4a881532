package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/config"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/thanatos"
)

var (
	pruneMaxAge  string
	pruneMinKeep int
	pruneDryRun  bool
)

type decisionView struct {
	ID        domain.SnapshotID   `json:"id" yaml:"id"`
	Name      string              `json:"name" yaml:"name"`
	Kind      domain.SnapshotKind `json:"kind" yaml:"kind"`
	CreatedAt time.Time           `json:"created_at" yaml:"created_at"`
	Reason    thanatos.Reason     `json:"reason" yaml:"reason"`
}

type pruneView struct {
	DryRun  bool                `json:"dry_run" yaml:"dry_run"`
	MaxAge  string              `json:"max_age" yaml:"max_age"`
	MinKeep int                 `json:"min_keep" yaml:"min_keep"`
	Delete  []decisionView      `json:"delete" yaml:"delete"`
	Keep    []decisionView      `json:"keep,omitempty" yaml:"keep,omitempty"`
	Deleted []domain.SnapshotID `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

func decisionViews(ds []thanatos.Decision) []decisionView {
	views := make([]decisionView, 0, len(ds))
	for _, d := range ds {
		views = append(views, decisionView{
			ID:        d.Snapshot.ID,
			Name:      d.Snapshot.Name,
			Kind:      d.Snapshot.Kind,
			CreatedAt: d.Snapshot.CreatedAt,
			Reason:    d.Reason,
		})
	}
	return views
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots older than the retention policy allows",
	Long: `Prune deletes snapshots older than --max-age, oldest first, but always keeps
the --min-keep newest snapshots, pinned snapshots and the safety snapshot of
the latest restore.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := cfg.RetentionPolicy()
		if cmd.Flags().Changed("max-age") {
			d, err := config.ParseDuration(pruneMaxAge)
			if err != nil {
				return &usageError{err: err}
			}
			policy.MaxAge = d
		}
		if cmd.Flags().Changed("min-keep") {
			policy.MinKeep = pruneMinKeep
		}
		if err := thanatos.ValidatePolicy(policy); err != nil {
			return &usageError{err: err}
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		reaper := a.reaper()

		view := pruneView{DryRun: pruneDryRun, MaxAge: policy.MaxAge.String(), MinKeep: policy.MinKeep}
		if pruneDryRun {
			plan, err := reaper.Plan(cmd.Context(), policy)
			if err != nil {
				return err
			}
			view.Delete = decisionViews(plan.Delete)
			view.Keep = decisionViews(plan.Keep)
			return render(cmd, view, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tNAME\tKIND\tCREATED\tACTION\tREASON")
				for _, d := range view.Delete {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\tdelete\t%s\n", d.ID, d.Name, d.Kind, d.CreatedAt.Local().Format(time.RFC3339), d.Reason)
				}
				for _, d := range view.Keep {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\tkeep\t%s\n", d.ID, d.Name, d.Kind, d.CreatedAt.Local().Format(time.RFC3339), d.Reason)
				}
			})
		}

		deleted, err := reaper.Prune(cmd.Context(), policy)
		for _, id := range deleted {
			fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s\n", id)
		}
		if err != nil {
			return err
		}
		view.Delete = []decisionView{}
		view.Deleted = deleted
		return render(cmd, view, func(w io.Writer) {
			fmt.Fprintf(w, "Pruned %d snapshots (max age %s, min keep %d)\n", len(deleted), policy.MaxAge, policy.MinKeep)
		})
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneMaxAge, "max-age", "", "Delete snapshots older than this (e.g. 30d, 12h); default retention.max_age")
	pruneCmd.Flags().IntVar(&pruneMinKeep, "min-keep", 0, "Always keep this many newest snapshots; default retention.min_keep")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Show what would be deleted without deleting")
	rootCmd.AddCommand(pruneCmd)
}
