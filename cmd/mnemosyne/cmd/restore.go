package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/charon"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

var (
	restoreNoSafety bool
	restoreNoVerify bool
)

type restoreView struct {
	SnapshotID       domain.SnapshotID `json:"snapshot_id" yaml:"snapshot_id"`
	SafetySnapshotID domain.SnapshotID `json:"safety_snapshot_id,omitempty" yaml:"safety_snapshot_id,omitempty"`
	LiveRoot         string            `json:"live_root" yaml:"live_root"`
	State            charon.State      `json:"state" yaml:"state"`
	FilesRestored    int64             `json:"files_restored" yaml:"files_restored"`
	BytesRestored    int64             `json:"bytes_restored" yaml:"bytes_restored"`
	FilesRemoved     []string          `json:"files_removed,omitempty" yaml:"files_removed,omitempty"`
	DurationMs       int64             `json:"duration_ms" yaml:"duration_ms"`
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Make the source tree match a snapshot",
	Long: `Restore verifies the snapshot, takes a pre_restore safety snapshot of the
source tree, then copies the snapshot over it and removes files the snapshot
does not contain. If applying fails, the tree is rolled back from the safety
snapshot.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		coord, err := a.coordinator()
		if err != nil {
			return err
		}
		out, err := coord.Restore(cmd.Context(), charon.Request{
			SnapshotID: domain.SnapshotID(args[0]),
			SkipVerify: restoreNoVerify,
			SkipSafety: restoreNoSafety,
		})
		if err != nil {
			stderr := cmd.ErrOrStderr()
			for _, pe := range out.CopyErrors {
				fmt.Fprintf(stderr, "failed: %s: %v\n", pe.Path, pe.Err)
			}
			var ierr *domain.IntegrityError
			if errors.As(err, &ierr) {
				for _, m := range ierr.Mismatches {
					fmt.Fprintf(stderr, "mismatch: %s\n", m)
				}
			}
			return err
		}

		view := restoreView{
			SnapshotID:       out.SnapshotID,
			SafetySnapshotID: out.SafetySnapshotID,
			LiveRoot:         coord.LiveRoot(),
			State:            out.State,
			FilesRestored:    out.FilesRestored,
			BytesRestored:    out.BytesRestored,
			FilesRemoved:     out.FilesRemoved,
			DurationMs:       out.Duration.Milliseconds(),
		}
		return render(cmd, view, func(w io.Writer) {
			fmt.Fprintf(w, "Restored %s into %s (%d files, %s, %d removed)\n",
				out.SnapshotID, coord.LiveRoot(), out.FilesRestored, humanBytes(out.BytesRestored), len(out.FilesRemoved))
			if out.SafetySnapshotID != "" {
				fmt.Fprintf(w, "Safety snapshot: %s\n", out.SafetySnapshotID)
			}
		})
	},
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreNoSafety, "no-safety", false, "Skip the safety snapshot; a failed restore cannot be rolled back")
	restoreCmd.Flags().BoolVar(&restoreNoVerify, "no-verify", false, "Skip verifying the snapshot before restoring it")
	rootCmd.AddCommand(restoreCmd)
}
