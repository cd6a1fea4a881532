package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Literal values of these keys are masked; env: and ssm: references are shown.
var secretKeys = map[string]bool{
	"secret":     true,
	"secret_key": true,
	"password":   true,
}

func redact(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, val := range settings {
		switch tv := val.(type) {
		case map[string]any:
			out[k] = redact(tv)
		case string:
			if secretKeys[k] && tv != "" && !strings.HasPrefix(tv, "env:") && !strings.HasPrefix(tv, "ssm:") {
				out[k] = "********"
			} else {
				out[k] = tv
			}
		default:
			out[k] = val
		}
	}
	return out
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the effective configuration as YAML",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(redact(v.AllSettings())); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a single configuration value",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !v.IsSet(args[0]) {
			return usageErrorf("unknown configuration key %q", args[0])
		}
		val := redact(map[string]any{lastKey(args[0]): v.Get(args[0])})
		fmt.Fprintln(cmd.OutOrStdout(), val[lastKey(args[0])])
		return nil
	},
}

func lastKey(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[i+1:]
	}
	return key
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
