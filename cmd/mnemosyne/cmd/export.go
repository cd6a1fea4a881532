package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

var (
	exportTo  string
	fetchFrom string
)

type exportView struct {
	SnapshotID  domain.SnapshotID `json:"snapshot_id" yaml:"snapshot_id"`
	Backend     string            `json:"backend" yaml:"backend"`
	ArchiveKey  string            `json:"archive_key" yaml:"archive_key"`
	ManifestKey string            `json:"manifest_key" yaml:"manifest_key"`
	Files       int64             `json:"files" yaml:"files"`
	Bytes       int64             `json:"bytes" yaml:"bytes"`
}

func backendFlag(cmd *cobra.Command, name, value string) string {
	if cmd.Flags().Changed(name) {
		return value
	}
	return cfg.Export.Backend
}

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Upload a snapshot as a tar.gz archive with its manifest",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		backend := backendFlag(cmd, "to", exportTo)
		exp, err := a.exporter(cmd.Context(), backend)
		if err != nil {
			return err
		}
		res, err := exp.Export(cmd.Context(), domain.SnapshotID(args[0]))
		if err != nil {
			return err
		}
		view := exportView{
			SnapshotID:  res.SnapshotID,
			Backend:     backend,
			ArchiveKey:  res.ArchiveKey,
			ManifestKey: res.ManifestKey,
			Files:       res.Files,
			Bytes:       res.Bytes,
		}
		return render(cmd, view, func(w io.Writer) {
			fmt.Fprintf(w, "Exported %s to %s:%s (%d files, %s)\n", res.SnapshotID, backend, res.ArchiveKey, res.Files, humanBytes(res.Bytes))
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <id> <dir>",
	Short: "Download an exported snapshot into an empty directory and verify it",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		exp, err := a.exporter(cmd.Context(), backendFlag(cmd, "from", fetchFrom))
		if err != nil {
			return err
		}
		snap, err := exp.Fetch(cmd.Context(), domain.SnapshotID(args[0]), args[1])
		if err != nil {
			return err
		}
		view := newSnapshotView(snap, false)
		view.Location = args[1]
		return render(cmd, view, func(w io.Writer) {
			fmt.Fprintf(w, "Fetched %s into %s (%d files, %s), integrity ok\n", snap.ID, args[1], snap.TotalFileCount, humanBytes(snap.TotalSizeBytes))
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Export backend: local or s3; default export.backend")
	fetchCmd.Flags().StringVar(&fetchFrom, "from", "", "Export backend: local or s3; default export.backend")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(fetchCmd)
}
