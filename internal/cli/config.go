package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change the plugin configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the effective configuration",
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key=value> [key=value ...]",
	Short: "Patch configuration keys and save",
	Long:  "Keys use the JSON field names, e.g. 'config set hubUrl=https://hub.example.com maxConcurrent=5'. Numbers and booleans are detected; everything else is a string.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConfigSet,
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	out, err := inv.Invoke("config.get", nil)
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), out)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	patch := map[string]any{}
	for _, arg := range args {
		key, raw, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		patch[key] = coerceValue(raw)
	}
	params, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	if _, err := inv.Invoke("config.set", params); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Updated %d key(s)\n", len(patch))
	return nil
}

// coerceValue turns a CLI string into the JSON type the config expects.
func coerceValue(raw string) any {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
