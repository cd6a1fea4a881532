package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/mnemosyne/pkg/digest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
	"github.com/tartarus-sandbox/mnemosyne/pkg/erebus"
	"github.com/tartarus-sandbox/mnemosyne/pkg/hermes/audit"
	"github.com/tartarus-sandbox/mnemosyne/pkg/lethe"
	"github.com/tartarus-sandbox/mnemosyne/pkg/manifest"
	"github.com/tartarus-sandbox/mnemosyne/pkg/nyx"
)

// resetFlags restores every flag to its default so commands can run repeatedly in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

type cliEnv struct {
	cfgFile string
	storage string
	source  string
	exports string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	e := &cliEnv{
		cfgFile: filepath.Join(dir, "mnemosyne.yaml"),
		storage: filepath.Join(dir, "snapshots"),
		source:  filepath.Join(dir, "live"),
		exports: filepath.Join(dir, "exports"),
	}
	cfgYAML := "storage:\n  root: " + e.storage + "\n" +
		"source:\n  root: " + e.source + "\n" +
		"log:\n  level: error\n" +
		"audit:\n  secret: test-secret\n" +
		"export:\n  local_path: " + e.exports + "\n"
	require.NoError(t, os.WriteFile(e.cfgFile, []byte(cfgYAML), 0644))

	e.write(t, "a.txt", "alpha")
	e.write(t, "b.txt", "bravo")
	e.write(t, "dir/c.txt", "charlie")
	return e
}

func (e *cliEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.source, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func (e *cliEnv) exec(args ...string) (string, error) {
	return executeCommand(rootCmd, append([]string{"--config", e.cfgFile}, args...)...)
}

func (e *cliEnv) create(t *testing.T, name string, extra ...string) snapshotView {
	t.Helper()
	out, err := e.exec(append([]string{"create", name, "-o", "json"}, extra...)...)
	require.NoError(t, err, out)
	var view snapshotView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	return view
}

func (e *cliEnv) list(t *testing.T, args ...string) []snapshotView {
	t.Helper()
	out, err := e.exec(append([]string{"list", "-o", "json"}, args...)...)
	require.NoError(t, err, out)
	var views []snapshotView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	return views
}

func sourceFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	}))
	sort.Strings(files)
	return files
}

func TestCreateListShowDelete(t *testing.T) {
	e := newCLIEnv(t)

	first := e.create(t, "first", "--label", "team=core")
	assert.Equal(t, domain.KindManual, first.Kind)
	assert.Equal(t, int64(3), first.TotalFileCount)
	assert.Equal(t, "core", first.Metadata["team"])
	assert.False(t, first.Pinned)

	second := e.create(t, "second", "--pin", "--kind", "automatic")
	assert.True(t, second.Pinned)

	all := e.list(t)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	pinned := e.list(t, "--label", "pinned=true")
	require.Len(t, pinned, 1)
	assert.Equal(t, "second", pinned[0].Name)
	assert.Len(t, e.list(t, "--kind", "automatic"), 1)
	assert.Len(t, e.list(t, "--limit", "1"), 1)

	out, err := e.exec("show", string(first.ID), "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "integrity_hash: "+first.IntegrityHash)
	assert.Contains(t, out, "name: dir")

	out, err = e.exec("list", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "team=core")

	out, err = e.exec("delete", string(first.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted snapshot "+string(first.ID))

	_, err = e.exec("show", string(first.ID))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, err = e.exec("--storage", t.TempDir(), "list", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestCreate_RejectsBadArguments(t *testing.T) {
	e := newCLIEnv(t)

	var uerr *usageError
	_, err := e.exec("create")
	assert.ErrorAs(t, err, &uerr)
	_, err = e.exec("create", "x", "--kind", "weekly")
	assert.ErrorAs(t, err, &uerr)
	_, err = e.exec("create", "x", "--label", "novalue")
	assert.ErrorAs(t, err, &uerr)
	assert.Empty(t, e.list(t))
}

func TestRestore_DiscardsFileAddedAfterSnapshot(t *testing.T) {
	e := newCLIEnv(t)
	base := e.create(t, "base")
	e.write(t, "d.txt", "delta")

	out, err := e.exec("restore", string(base.ID), "-o", "json")
	require.NoError(t, err, out)
	var view restoreView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, []string{"d.txt"}, view.FilesRemoved)
	require.NotEmpty(t, view.SafetySnapshotID)

	assert.Equal(t, []string{"a.txt", "b.txt", "dir/c.txt"}, sourceFiles(t, e.source))

	safety := e.list(t, "--kind", "pre_restore")
	require.Len(t, safety, 1)
	assert.Equal(t, view.SafetySnapshotID, safety[0].ID)
	assert.Equal(t, int64(4), safety[0].TotalFileCount)
	assert.Equal(t, string(base.ID), safety[0].Metadata[domain.LabelRestoreTarget])

	// The safety snapshot of the latest restore survives even an aggressive policy.
	out, err = e.exec("prune", "--max-age", "0", "--min-keep", "0", "--dry-run", "-o", "json")
	require.NoError(t, err, out)
	var plan pruneView
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	require.Len(t, plan.Delete, 1)
	assert.Equal(t, base.ID, plan.Delete[0].ID)
	require.Len(t, plan.Keep, 1)
	assert.Equal(t, view.SafetySnapshotID, plan.Keep[0].ID)
	assert.Equal(t, "restore_guard", string(plan.Keep[0].Reason))
}

func TestRestore_UnknownSnapshot(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.exec("restore", "20260101T000000.000000000Z-deadbeef")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{"a.txt", "b.txt", "dir/c.txt"}, sourceFiles(t, e.source))
}

func TestVerify(t *testing.T) {
	e := newCLIEnv(t)
	snap := e.create(t, "base")
	e.create(t, "other")

	out, err := e.exec("verify", string(snap.ID), "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	require.NoError(t, os.WriteFile(filepath.Join(e.storage, string(snap.ID), "a.txt"), []byte("tampered"), 0644))

	out, err = e.exec("verify", string(snap.ID), "-o", "json")
	require.ErrorIs(t, err, domain.ErrIntegrityMismatch)
	var view verifyView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.False(t, view.OK)
	assert.Equal(t, []string{"a.txt"}, view.Mismatches)

	out, err = e.exec("verify", "--all", "-o", "json")
	require.ErrorIs(t, err, domain.ErrIntegrityMismatch)
	var views []verifyView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)

	var uerr *usageError
	_, err = e.exec("verify")
	assert.ErrorAs(t, err, &uerr)
	_, err = e.exec("verify", "--all", string(snap.ID))
	assert.ErrorAs(t, err, &uerr)
}

func TestPrune(t *testing.T) {
	e := newCLIEnv(t)
	e.create(t, "s1")
	e.create(t, "s2")
	e.create(t, "s3")

	out, err := e.exec("prune", "--max-age", "0", "--min-keep", "1", "--dry-run", "-o", "json")
	require.NoError(t, err, out)
	var plan pruneView
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	require.Len(t, plan.Delete, 2)
	assert.Equal(t, "s1", plan.Delete[0].Name, "oldest first")
	assert.Equal(t, "s2", plan.Delete[1].Name)
	assert.Len(t, e.list(t), 3, "dry run deletes nothing")

	out, err = e.exec("prune", "--max-age", "0", "--min-keep", "1", "-o", "json")
	require.NoError(t, err, out)
	var done pruneView
	require.NoError(t, json.Unmarshal([]byte(out), &done))
	assert.Len(t, done.Deleted, 2)

	left := e.list(t)
	require.Len(t, left, 1)
	assert.Equal(t, "s3", left[0].Name)

	var uerr *usageError
	_, err = e.exec("prune", "--max-age", "soon")
	assert.ErrorAs(t, err, &uerr)
	_, err = e.exec("prune", "--min-keep", "-1")
	assert.ErrorAs(t, err, &uerr)
}

func TestExportAndFetch(t *testing.T) {
	e := newCLIEnv(t)
	snap := e.create(t, "base")

	out, err := e.exec("export", string(snap.ID), "--to", "local", "-o", "json")
	require.NoError(t, err, out)
	var view exportView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, int64(4), view.Files)
	assert.FileExists(t, filepath.Join(e.exports, erebus.ArchiveKey(snap.ID)))
	assert.FileExists(t, filepath.Join(e.exports, erebus.ManifestKey(snap.ID)))

	dest := filepath.Join(t.TempDir(), "fetched")
	_, err = e.exec("fetch", string(snap.ID), dest)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dest, "dir", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "charlie", string(data))

	var uerr *usageError
	_, err = e.exec("export", string(snap.ID), "--to", "ftp")
	assert.ErrorAs(t, err, &uerr)
}

func TestJournal(t *testing.T) {
	e := newCLIEnv(t)
	snap := e.create(t, "base")
	_, err := e.exec("delete", string(snap.ID))
	require.NoError(t, err)

	out, err := e.exec("journal", "-o", "json")
	require.NoError(t, err, out)
	var events []audit.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionCreate, events[0].Action)
	assert.Equal(t, audit.ActionDelete, events[1].Action)
	assert.Equal(t, string(snap.ID), events[1].Resource.ID)

	out, err = e.exec("journal", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "2 events, chain intact")
}

func TestConfigView(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.exec("config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "root: "+e.storage)
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "test-secret")

	out, err = e.exec("config", "get", "retention.min_keep")
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)
}

func TestMetrics(t *testing.T) {
	e := newCLIEnv(t)
	e.create(t, "base")

	out, err := e.exec("metrics")
	require.NoError(t, err)
	assert.Contains(t, out, `mnemosyne_snapshots{kind="manual"} 1`)
}

func runCLI(args ...string) (int, string) {
	resetFlags(rootCmd)
	var stderr bytes.Buffer
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(&stderr)
	code := run(context.Background(), args)
	return code, stderr.String()
}

func TestExitCodes(t *testing.T) {
	e := newCLIEnv(t)

	tests := []struct {
		name   string
		args   []string
		code   int
		prefix string
	}{
		{"success", []string{"list"}, 0, ""},
		{"missing argument", []string{"show"}, 2, "error: usage:"},
		{"unknown snapshot", []string{"show", "nope"}, 1, "error: not_found:"},
		{"unknown command", []string{"bogus"}, 2, "error:"},
		{"unknown flag", []string{"list", "--bogus"}, 2, "error: usage:"},
		{"bad output format", []string{"list", "-o", "xml"}, 2, "error: usage:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stderr := runCLI(append([]string{"--config", e.cfgFile}, tt.args...)...)
			assert.Equal(t, tt.code, code, stderr)
			if tt.prefix != "" {
				assert.True(t, strings.HasPrefix(stderr, tt.prefix), stderr)
			}
		})
	}
}

func TestFormatError(t *testing.T) {
	err := &domain.RestoreError{SnapshotID: "s", Cause: domain.ErrCopyFailed}
	assert.True(t, strings.HasPrefix(formatError(err), "error: restore_failed: "))
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, 2, exitCode(usageErrorf("bad")))
	assert.Equal(t, 1, exitCode(errors.New("boom")))

	// An invalid argument reaching the engine is an operational failure.
	engineErr := &domain.RestoreError{
		SnapshotID: "s",
		Cause:      fmt.Errorf("%w: bad exclude pattern", domain.ErrInvalidArgument),
	}
	assert.Equal(t, 1, exitCode(engineErr))
	assert.Equal(t, 1, exitCode(fmt.Errorf("%w: snapshot name", domain.ErrInvalidArgument)))
}

func TestExitCodes_ConfigErrors(t *testing.T) {
	e := newCLIEnv(t)

	badLock := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badLock, []byte("storage:\n  root: "+e.storage+"\nrestore:\n  lock: memory\n"), 0644))
	noJournal := filepath.Join(t.TempDir(), "nojournal.yaml")
	require.NoError(t, os.WriteFile(noJournal, []byte("storage:\n  root: "+e.storage+"\naudit:\n  enabled: false\n"), 0644))

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"invalid config value", []string{"--config", badLock, "list"}, 2},
		{"missing config file", []string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "list"}, 2},
		{"journal disabled", []string{"--config", noJournal, "journal"}, 2},
		{"unknown snapshot", []string{"--config", e.cfgFile, "restore", "20260101T000000.000000000Z-deadbeef"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stderr := runCLI(tt.args...)
			assert.Equal(t, tt.code, code, stderr)
		})
	}
}

func TestRestore_RefusedWhileAnotherProcessRestores(t *testing.T) {
	e := newCLIEnv(t)
	base := e.create(t, "base")
	e.write(t, "d.txt", "delta")

	// A second store over the same root stands in for another process.
	h, err := digest.New(digest.Default)
	require.NoError(t, err)
	other, err := nyx.NewLocalManager(context.Background(), e.storage, nyx.Options{
		Copier:  lethe.NewTreeCopier(lethe.Options{}),
		Builder: manifest.NewBuilder(h, 1),
	})
	require.NoError(t, err)
	release, err := other.TryRestoreLock(context.Background(), e.source, time.Minute)
	require.NoError(t, err)

	_, err = e.exec("restore", string(base.ID), "-o", "json")
	require.ErrorIs(t, err, domain.ErrRestoreInProgress)
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, []string{"a.txt", "b.txt", "d.txt", "dir/c.txt"}, sourceFiles(t, e.source))
	assert.Empty(t, e.list(t, "--kind", "pre_restore"))

	release()
	out, err := e.exec("restore", string(base.ID), "-o", "json")
	require.NoError(t, err, out)
	assert.Equal(t, []string{"a.txt", "b.txt", "dir/c.txt"}, sourceFiles(t, e.source))
}
