package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tartarus-sandbox/mnemosyne/pkg/config"
	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

var (
	cfgFile     string
	storageRoot string
	sourceRoot  string
	output      string

	// v and cfg are loaded before every command runs.
	v   *viper.Viper
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mnemosyne",
	Short: "Mnemosyne snapshot CLI",
	Long: `Mnemosyne takes verified, point-in-time snapshots of a directory tree
and restores them behind an automatic safety snapshot.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the command line and exits with its status code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run executes args and returns the exit code: 0 on success, 2 for usage
// errors, 1 for everything else.
func run(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), formatError(err))
	return exitCode(err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./mnemosyne.yaml, ~/.config/mnemosyne, /etc/mnemosyne)")
	rootCmd.PersistentFlags().StringVar(&storageRoot, "storage", "", "Snapshot storage root (overrides storage.root)")
	rootCmd.PersistentFlags().StringVar(&sourceRoot, "source", "", "Source tree to snapshot and restore into (overrides source.root)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "auto", "Output format: auto, table, json or yaml")

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{err: err}
	})
}

func loadConfig(cmd *cobra.Command, args []string) error {
	switch output {
	case "auto", "table", "json", "yaml":
	default:
		return &usageError{err: fmt.Errorf("unknown output format %q", output)}
	}

	v = viper.New()
	config.Init(v, cfgFile)
	if err := config.Read(v, cfgFile != ""); err != nil {
		return &usageError{err: err}
	}
	if cmd.Flags().Changed("storage") {
		v.Set("storage.root", storageRoot)
	}
	if cmd.Flags().Changed("source") {
		v.Set("source.root", sourceRoot)
	}

	loaded, err := config.Load(v)
	if err != nil {
		return &usageError{err: err}
	}
	cfg = loaded
	return nil
}

// usageError marks errors caused by how the command was invoked.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// isUsage is false for errors raised by the engine, whatever their cause.
func isUsage(err error) bool {
	var uerr *usageError
	if errors.As(err, &uerr) {
		return true
	}
	// cobra reports unknown subcommands as plain errors.
	return strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "unknown flag")
}

func exitCode(err error) int {
	if isUsage(err) {
		return 2
	}
	return 1
}

func formatError(err error) string {
	kind := domain.Kind(err)
	var uerr *usageError
	if errors.As(err, &uerr) {
		kind = "usage"
	}
	return fmt.Sprintf("error: %s: %v", kind, err)
}
