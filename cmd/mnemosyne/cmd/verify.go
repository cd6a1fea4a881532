package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

var verifyAll bool

type verifyView struct {
	ID         domain.SnapshotID `json:"id" yaml:"id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	OK         bool              `json:"ok" yaml:"ok"`
	Mismatches []string          `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
}

func verifyStatus(v verifyView) string {
	switch {
	case v.OK:
		return "ok"
	case len(v.Mismatches) > 0:
		return "MISMATCH"
	default:
		return "ERROR"
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify <id> | --all",
	Short: "Recompute content hashes and compare them with the manifest",
	Args: usageArgs(func(cmd *cobra.Command, args []string) error {
		if verifyAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	}),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		verifier := a.verifier()

		if !verifyAll {
			id := domain.SnapshotID(args[0])
			ok, mismatches, err := verifier.Verify(cmd.Context(), id)
			view := verifyView{ID: id, OK: ok, Mismatches: mismatches}
			if err != nil {
				view.Error = err.Error()
			}
			if rerr := render(cmd, view, func(w io.Writer) {
				if ok {
					fmt.Fprintf(w, "Snapshot %s: ok\n", id)
					return
				}
				fmt.Fprintf(w, "Snapshot %s: %s\n", id, verifyStatus(view))
				for _, m := range mismatches {
					fmt.Fprintf(w, "  mismatch:\t%s\n", m)
				}
			}); rerr != nil {
				return rerr
			}
			return err
		}

		reports, err := verifier.VerifyAll(cmd.Context())
		if err != nil {
			return err
		}
		views := make([]verifyView, 0, len(reports))
		var failed []string
		for _, r := range reports {
			view := verifyView{ID: r.ID, Name: r.Name, OK: r.OK, Mismatches: r.Mismatches}
			if r.Err != nil {
				view.Error = r.Err.Error()
				failed = append(failed, string(r.ID))
			}
			views = append(views, view)
		}
		if err := render(cmd, views, func(w io.Writer) {
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDETAIL")
			for _, v := range views {
				detail := strings.Join(v.Mismatches, ",")
				if detail == "" && !v.OK {
					detail = v.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.Name, verifyStatus(v), detail)
			}
		}); err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("%w: %d of %d snapshots failed verification: %s",
				domain.ErrIntegrityMismatch, len(failed), len(reports), strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "Verify every snapshot in the store")
	rootCmd.AddCommand(verifyCmd)
}
