package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cluster node daemon",
	Long:  "Connects to the Hub, executes inbound tasks against the local agent and answers peer chats until interrupted.",
	RunE:  runNode,
}

// runSignals is swapped in tests to end the daemon without a real signal.
var runSignals = func() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

var runBuildNode = buildNode

func init() {
	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	n, err := runBuildNode()
	if err != nil {
		return err
	}
	defer n.close()

	if !n.cfg.Registered() {
		return fmt.Errorf("not registered; run 'clusterhub register --name <name>' first")
	}

	printHeader(cmd, "ClusterHub node")
	fmt.Fprintf(cmd.OutOrStdout(), "🆔 Node:    %s (%s)\n", n.cfg.NodeName, n.cfg.NodeID)
	fmt.Fprintf(cmd.OutOrStdout(), "☁️  Hub:     %s\n", n.cfg.HubURL)
	fmt.Fprintf(cmd.OutOrStdout(), "⚙️  Workers: %d concurrent, self-task mode %s\n", n.cfg.MaxConcurrent, n.cfg.SelfTaskMode)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	n.startSidecars(ctx)

	if err := n.hub.Connect(); err != nil {
		// The client has already armed its reconnect timer; keep running.
		n.logger.Warn("initial hub connect failed, retrying", "error", err)
		fmt.Fprintf(cmd.OutOrStdout(), "⚠️  Hub unreachable, retrying every %s\n", n.cfg.ReconnectInterval())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "✅ Connected. Press Ctrl+C to stop.")
	}

	<-runSignals()
	fmt.Fprintln(cmd.OutOrStdout(), "\n👋 Shutting down, flushing state...")
	cancel()
	n.hub.Disconnect()
	n.stores.Flush()
	return nil
}
