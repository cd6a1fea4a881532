package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

var (
	createKind         string
	createExcludes     []string
	createLabels       []string
	createAllowPartial bool
	createPin          bool

	listKind   string
	listName   string
	listLabels []string
	listLimit  int
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Snapshot the source tree",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := domain.SnapshotKind(createKind)
		if !kind.Valid() {
			return usageErrorf("unknown snapshot kind %q", createKind)
		}
		labels, err := parseLabels(createLabels)
		if err != nil {
			return err
		}
		if createPin {
			labels[domain.LabelPinned] = "true"
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.store.Create(cmd.Context(), nyx.CreateRequest{
			Name:         args[0],
			Kind:         kind,
			Metadata:     labels,
			Source:       domain.Dir(a.cfg.Source.Root),
			Excludes:     lethe.MergeExcludes(a.cfg.Snapshot.Excludes, createExcludes...),
			AllowPartial: createAllowPartial,
		})
		if err != nil {
			return err
		}
		return render(cmd, newSnapshotView(snap, false), func(w io.Writer) {
			fmt.Fprintf(w, "Created snapshot %s (%d files, %s)\n", snap.ID, snap.TotalFileCount, humanBytes(snap.TotalSizeBytes))
			if skipped := snap.Metadata["skipped_entries"]; skipped != "" {
				fmt.Fprintf(w, "Skipped %s unreadable entries\n", skipped)
			}
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		labels, err := parseLabels(listLabels)
		if err != nil {
			return err
		}
		if listKind != "" && !domain.SnapshotKind(listKind).Valid() {
			return usageErrorf("unknown snapshot kind %q", listKind)
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.store.List(cmd.Context(), nyx.ListFilter{
			Kind:   domain.SnapshotKind(listKind),
			Name:   listName,
			Labels: labels,
			Limit:  listLimit,
		})
		if err != nil {
			return err
		}
		for _, c := range a.store.Corrupt() {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: snapshot %s is corrupt: %v\n", c.ID, c.Err)
		}

		views := make([]snapshotView, 0, len(snaps))
		for _, s := range snaps {
			views = append(views, newSnapshotView(s, false))
		}
		return render(cmd, views, func(w io.Writer) {
			fmt.Fprintln(w, "ID\tNAME\tKIND\tCREATED\tFILES\tSIZE\tLABELS")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.Name, s.Kind, s.CreatedAt.Local().Format(time.RFC3339),
					s.TotalFileCount, humanBytes(s.TotalSizeBytes), formatLabels(s.Metadata))
			}
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a snapshot and its manifest entries",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.store.Get(cmd.Context(), domain.SnapshotID(args[0]))
		if err != nil {
			return err
		}
		view := newSnapshotView(snap, true)
		return render(cmd, view, func(w io.Writer) {
			fmt.Fprintf(w, "ID:\t%s\n", snap.ID)
			fmt.Fprintf(w, "Name:\t%s\n", snap.Name)
			fmt.Fprintf(w, "Kind:\t%s\n", snap.Kind)
			fmt.Fprintf(w, "Created:\t%s\n", snap.CreatedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(w, "Source:\t%s\n", snap.SourceRoot)
			fmt.Fprintf(w, "Location:\t%s\n", snap.Location)
			fmt.Fprintf(w, "Files:\t%d\n", snap.TotalFileCount)
			fmt.Fprintf(w, "Size:\t%s\n", humanBytes(snap.TotalSizeBytes))
			fmt.Fprintf(w, "Integrity:\t%s:%s\n", snap.HashAlgorithm, snap.IntegrityHash)
			fmt.Fprintf(w, "Labels:\t%s\n", formatLabels(snap.Metadata))
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ENTRY\tFILES\tSIZE\tHASH")
			for _, e := range view.Entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Name, e.FileCount, humanBytes(e.SizeBytes), e.SubtreeHash)
			}
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete snapshots",
	Args:  usageArgs(cobra.MinimumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if err := a.store.Delete(cmd.Context(), domain.SnapshotID(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s\n", id)
		}
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createKind, "kind", string(domain.KindManual), "Snapshot kind: manual or automatic")
	createCmd.Flags().StringSliceVar(&createExcludes, "exclude", nil, "Extra exclusion patterns, added to snapshot.excludes")
	createCmd.Flags().StringSliceVar(&createLabels, "label", nil, "Metadata label key=value (repeatable)")
	createCmd.Flags().BoolVar(&createAllowPartial, "allow-partial", false, "Keep the snapshot even if some entries could not be read")
	createCmd.Flags().BoolVar(&createPin, "pin", false, "Protect the snapshot from pruning")

	listCmd.Flags().StringVar(&listKind, "kind", "", "Only snapshots of this kind")
	listCmd.Flags().StringVar(&listName, "name", "", "Only snapshots with this name")
	listCmd.Flags().StringSliceVar(&listLabels, "label", nil, "Only snapshots carrying label key=value (repeatable)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Show at most this many snapshots")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
}
