package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/hub"
	"github.com/openclaw/clusterhub/internal/store"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes in this cluster",
	RunE:  runNodes,
}

var treeCmd = &cobra.Command{
	Use:   "tree [nodeId]",
	Short: "Show the cluster tree under a node",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTree,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent node lifecycle events",
	RunE:  runEvents,
}

var (
	nodesJSON   bool
	nodesForce  bool
	eventsLimit int
)

func init() {
	nodesCmd.Flags().BoolVar(&nodesJSON, "json", false, "Output machine-readable JSON")
	nodesCmd.Flags().BoolVar(&nodesForce, "force", false, "Bypass the directory cache")
	treeCmd.Flags().BoolVar(&nodesJSON, "json", false, "Output machine-readable JSON")
	eventsCmd.Flags().BoolVar(&nodesJSON, "json", false, "Output machine-readable JSON")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Maximum events")

	rootCmd.AddCommand(nodesCmd, treeCmd, eventsCmd)
}

func runNodes(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]bool{"force": nodesForce})
	out, err := inv.Invoke("nodes", params)
	if err != nil {
		return err
	}
	if nodesJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	nodes, _ := out.([]hub.NodeInfo)
	if len(nodes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No nodes.")
		return nil
	}
	printHeader(cmd, fmt.Sprintf("Cluster nodes (%d)", len(nodes)))
	for _, n := range nodes {
		name := n.Name
		if n.Alias != "" {
			name += " (" + n.Alias + ")"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-24s %s  load %.2f  %d active\n",
			onlineGlyph(n.Online), truncate(name, 24), n.ID, n.Load, n.ActiveTasks)
	}
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	body := map[string]string{}
	if len(args) > 0 {
		body["nodeId"] = args[0]
	}
	params, _ := json.Marshal(body)
	out, err := inv.Invoke("tree", params)
	if err != nil {
		return err
	}
	if nodesJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	root, ok := out.(hub.TreeNode)
	if !ok {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	printTree(cmd, root, 0)
	return nil
}

func printTree(cmd *cobra.Command, n hub.TreeNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(cmd.OutOrStdout(), "%s%s %s (%s)\n", indent, onlineGlyph(n.Online), n.Name, n.ID)
	for _, child := range n.Children {
		printTree(cmd, child, depth+1)
	}
}

func runEvents(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]int{"limit": eventsLimit})
	out, err := inv.Invoke("node.events", params)
	if err != nil {
		return err
	}
	if nodesJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	events, _ := out.([]store.NodeEvent)
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No events.")
		return nil
	}
	for _, e := range events {
		glyph := "✨"
		switch e.Event {
		case store.EventOnline:
			glyph = "🟢"
		case store.EventOffline:
			glyph = "🔴"
		case store.EventDeparted:
			glyph = "👋"
		}
		name := e.NodeName
		if name == "" {
			name = e.NodeID
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-10s %s  %s\n", glyph, e.Event, name, formatAge(e.Timestamp))
	}
	return nil
}
