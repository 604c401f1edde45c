package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/archive"
	"github.com/openclaw/clusterhub/internal/config"
)

var historyCmd = &cobra.Command{
	Use:   "history [search terms]",
	Short: "Query the long-term task archive",
	Long:  "The archive keeps every finished task beyond the 200-entry live logs. Without arguments the most recent entries are shown.",
	RunE:  runHistory,
}

var (
	historyJSON  bool
	historyLimit int
	historyPeer  string
	historyStats bool
)

// openArchive is swapped in tests.
var openArchive = func() (*archive.Archive, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	path := cfg.Archive.Path
	if path == "" {
		dataDir, err := config.DataDir(cfg)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dataDir, "archive.db")
	}
	return archive.Open(path)
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output machine-readable JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum rows")
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "Filter by peer node id")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "Show archive totals instead of rows")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	arch, err := openArchive()
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arch.Close()

	if historyStats {
		stats, err := arch.Summary()
		if err != nil {
			return err
		}
		if historyJSON {
			printJSON(cmd.OutOrStdout(), stats)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📚 %d archived tasks\n", stats.Total)
		for status, n := range stats.ByStatus {
			fmt.Fprintf(cmd.OutOrStdout(), "   %s %s: %d\n", statusGlyph(status), status, n)
		}
		return nil
	}

	var entries []archive.Entry
	switch {
	case historyPeer != "":
		entries, err = arch.ByPeer(historyPeer, historyLimit)
	case len(args) > 0:
		entries, err = arch.Search(args[0], historyLimit)
	default:
		entries, err = arch.Recent(historyLimit)
	}
	if err != nil {
		return err
	}
	if historyJSON {
		printJSON(cmd.OutOrStdout(), entries)
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archived tasks.")
		return nil
	}
	for _, e := range entries {
		arrow := "→"
		if e.Direction == archive.DirectionReceived {
			arrow = "←"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %-16s %s  %s\n",
			statusGlyph(e.Status), e.TaskID, arrow, truncate(e.PeerID, 16), formatAge(e.CompletedAt), truncate(e.Instruction, 48))
	}
	return nil
}
