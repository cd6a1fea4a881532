package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// format resolves "auto" to a table on terminals and JSON otherwise.
func format(cmd *cobra.Command) string {
	if output != "auto" {
		return output
	}
	if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "table"
	}
	return "json"
}

// render writes v as JSON or YAML, or calls table for the table format.
func render(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	switch format(cmd) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	table(w)
	return w.Flush()
}

type entryView struct {
	Name        string `json:"name" yaml:"name"`
	SizeBytes   int64  `json:"size_bytes" yaml:"size_bytes"`
	FileCount   int64  `json:"file_count" yaml:"file_count"`
	SubtreeHash string `json:"subtree_hash" yaml:"subtree_hash"`
}

type snapshotView struct {
	ID             domain.SnapshotID   `json:"id" yaml:"id"`
	Name           string              `json:"name" yaml:"name"`
	Kind           domain.SnapshotKind `json:"kind" yaml:"kind"`
	CreatedAt      time.Time           `json:"created_at" yaml:"created_at"`
	TotalSizeBytes int64               `json:"total_size_bytes" yaml:"total_size_bytes"`
	TotalFileCount int64               `json:"total_file_count" yaml:"total_file_count"`
	IntegrityHash  string              `json:"integrity_hash" yaml:"integrity_hash"`
	HashAlgorithm  string              `json:"hash_algorithm,omitempty" yaml:"hash_algorithm,omitempty"`
	Pinned         bool                `json:"pinned" yaml:"pinned"`
	Metadata       map[string]string   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	SourceRoot     string              `json:"source_root,omitempty" yaml:"source_root,omitempty"`
	Excludes       []string            `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	Location       string              `json:"location" yaml:"location"`
	Entries        []entryView         `json:"entries,omitempty" yaml:"entries,omitempty"`
}

func newSnapshotView(s *domain.Snapshot, withEntries bool) snapshotView {
	view := snapshotView{
		ID:             s.ID,
		Name:           s.Name,
		Kind:           s.Kind,
		CreatedAt:      s.CreatedAt,
		TotalSizeBytes: s.TotalSizeBytes,
		TotalFileCount: s.TotalFileCount,
		IntegrityHash:  s.IntegrityHash,
		HashAlgorithm:  s.HashAlgorithm,
		Pinned:         s.Pinned(),
		Metadata:       s.Metadata,
		SourceRoot:     s.SourceRoot,
		Excludes:       s.Excludes,
		Location:       s.Location,
	}
	if withEntries {
		names := make([]string, 0, len(s.Entries))
		for name := range s.Entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e := s.Entries[name]
			view.Entries = append(view.Entries, entryView{Name: name, SizeBytes: e.SizeBytes, FileCount: e.FileCount, SubtreeHash: e.SubtreeHash})
		}
	}
	return view
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// parseLabels turns k=v flags into a map.
func parseLabels(flags []string) (map[string]string, error) {
	labels := make(map[string]string, len(flags))
	for _, f := range flags {
		k, val, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, usageErrorf("label %q must be key=value", f)
		}
		labels[k] = val
	}
	return labels, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
