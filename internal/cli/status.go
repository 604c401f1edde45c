package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/coordinator"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node identity, queue and task counters",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	out, err := inv.Invoke("status", nil)
	if err != nil {
		return err
	}
	report, ok := out.(coordinator.StatusReport)
	if !ok {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	if statusJSON {
		printJSON(cmd.OutOrStdout(), report)
		return nil
	}

	printHeader(cmd, "Node status")
	w := cmd.OutOrStdout()
	if report.Hub.Registered {
		fmt.Fprintf(w, "🆔 Node:      %s (%s)\n", report.Config.NodeName, report.Hub.NodeID)
		fmt.Fprintf(w, "🌳 Cluster:   %s", report.Hub.ClusterID)
		if report.Hub.ParentID != "" {
			fmt.Fprintf(w, " (parent %s)", report.Hub.ParentID)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "🆔 Node:      not registered")
	}
	if report.Hub.Connected {
		fmt.Fprintf(w, "☁️  Hub:       %s connected\n", onlineGlyph(true))
	} else {
		fmt.Fprintf(w, "☁️  Hub:       %s disconnected\n", onlineGlyph(false))
	}
	fmt.Fprintf(w, "⚙️  Queue:     %d/%d running, %d queued, %d inflight\n",
		report.Queue.Running, report.Queue.MaxConcurrent, report.Queue.Queued, report.Queue.Inflight)
	fmt.Fprintf(w, "📤 Sent:      %d total (%d completed, %d failed, %d cancelled)\n",
		report.Tasks.Total, report.Tasks.Completed, report.Tasks.Failed, report.Tasks.Cancelled)
	return nil
}
