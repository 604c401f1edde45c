package cli

import (
	"encoding/json"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Show or set this node's invite code",
	RunE:  runInvite,
}

var (
	inviteSet    string
	inviteQRPath string
)

// inviteWriteQR is swapped in tests to avoid touching the filesystem.
var inviteWriteQR = func(code, path string) error {
	return qrcode.WriteFile(code, qrcode.Medium, 256, path)
}

func init() {
	inviteCmd.Flags().StringVar(&inviteSet, "set", "", "Set a new invite code (empty string lets the Hub mint one)")
	inviteCmd.Flags().StringVar(&inviteQRPath, "qr", "", "Write the code as a QR PNG to this path")
	rootCmd.AddCommand(inviteCmd)
}

func runInvite(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	verb := "invite-code.get"
	var params json.RawMessage
	if cmd.Flags().Changed("set") {
		verb = "invite-code.set"
		params, _ = json.Marshal(map[string]string{"code": inviteSet})
	}
	out, err := inv.Invoke(verb, params)
	if err != nil {
		return err
	}
	res, ok := out.(map[string]any)
	if !ok {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	code, _ := res["code"].(string)
	fmt.Fprintf(cmd.OutOrStdout(), "🎟️  Invite code: %s\n", code)

	if inviteQRPath != "" && code != "" {
		if err := inviteWriteQR(code, inviteQRPath); err != nil {
			return fmt.Errorf("write QR: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📱 QR written to %s\n", inviteQRPath)
	}
	return nil
}
