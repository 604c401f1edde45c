package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/coordinator"
	"github.com/openclaw/clusterhub/internal/hub"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this node with the Hub",
	RunE:  runRegister,
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove this node from the Hub and wipe the local identity",
	RunE:  runUnregister,
}

var reparentCmd = &cobra.Command{
	Use:   "reparent <newParentId>",
	Short: "Move this node under a new parent",
	Args:  cobra.ExactArgs(1),
	RunE:  runReparent,
}

var (
	registerName   string
	registerAlias  string
	registerParent string
	registerInvite string
	registerChild  bool
)

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "Node display name (required)")
	registerCmd.Flags().StringVar(&registerAlias, "alias", "", "Short alias")
	registerCmd.Flags().StringVar(&registerParent, "parent", "", "Parent node id")
	registerCmd.Flags().StringVar(&registerInvite, "invite", "", "Invite code for a gated cluster")
	registerCmd.Flags().BoolVar(&registerChild, "child", false, "Mint an identity for a child process instead of adopting it")
	registerCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(registerCmd, unregisterCmd, reparentCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(coordinator.RegisterParams{
		Name:       registerName,
		Alias:      registerAlias,
		ParentID:   registerParent,
		InviteCode: registerInvite,
	})
	verb := "register"
	if registerChild {
		verb = "register.child"
	}
	out, err := inv.Invoke(verb, params)
	if err != nil {
		return err
	}
	id, ok := out.(hub.Identity)
	if !ok {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	if registerChild {
		// Child identities are handed to the caller, never persisted here.
		printJSON(cmd.OutOrStdout(), id)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Registered as %s in cluster %s\n", id.NodeID, id.ClusterID)
	fmt.Fprintln(cmd.OutOrStdout(), "Next: clusterhub run")
	return nil
}

func runUnregister(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	if _, err := inv.Invoke("unregister", nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "👋 Unregistered; local identity wiped")
	return nil
}

func runReparent(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]string{"newParentId": args[0]})
	out, err := inv.Invoke("reparent", params)
	if err != nil {
		return err
	}
	if id, ok := out.(hub.Identity); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "🌳 Now under %s (depth %d)\n", id.ParentID, id.Depth)
	}
	return nil
}
