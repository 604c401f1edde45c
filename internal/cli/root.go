package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/openclaw/clusterhub/internal/cli.version=1.2.3"
	version = "1.4.0"
	logo    = "\n" +
		"   ____ _           _            _   _       _\n" +
		"  / ___| |_   _ ___| |_ ___ _ __| | | |_   _| |__\n" +
		" | |   | | | | / __| __/ _ \\ '__| |_| | | | | '_ \\\n" +
		" | |___| | |_| \\__ \\ ||  __/ |  |  _  | |_| | |_) |\n" +
		"  \\____|_|\\__,_|___/\\__\\___|_|  |_| |_|\\__,_|_.__/\n"
)

var rootCmd = &cobra.Command{
	Use:   "clusterhub",
	Short: "ClusterHub - cluster node plugin for the OpenClaw runtime",
	Long:  color.CyanString(logo) + "\nConnects a local AI runtime to a cloud Hub: tasks, chat and node directory.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the clusterhub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clusterhub %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
