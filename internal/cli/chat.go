package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/coordinator"
	"github.com/openclaw/clusterhub/internal/store"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with peer nodes",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <nodeId> <message>",
	Short: "Send a chat message to a node",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runChatSend,
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <nodeId>",
	Short: "Show the conversation with a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatHistory,
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes with stored conversations",
	RunE:  runChatList,
}

var chatClearCmd = &cobra.Command{
	Use:   "clear <nodeId>",
	Short: "Delete the conversation with a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatClear,
}

var (
	chatJSON         bool
	chatWhole        bool
	chatRefreshMs    int
	chatHistoryLimit int
)

func init() {
	chatSendCmd.Flags().BoolVar(&chatWhole, "whole", false, "Ask the peer for the whole conversation in the reply")
	chatSendCmd.Flags().IntVar(&chatRefreshMs, "refresh-ms", 0, "Ask the peer to stream deltas at this interval")
	chatHistoryCmd.Flags().BoolVar(&chatJSON, "json", false, "Output machine-readable JSON")
	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 30, "Maximum messages")
	chatListCmd.Flags().BoolVar(&chatJSON, "json", false, "Output machine-readable JSON")

	chatCmd.AddCommand(chatSendCmd, chatHistoryCmd, chatListCmd, chatClearCmd)
	rootCmd.AddCommand(chatCmd)
}

func runChatSend(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(true)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(coordinator.ChatSendParams{
		NodeID:        args[0],
		Content:       strings.Join(args[1:], " "),
		Whole:         chatWhole,
		AutoRefreshMs: chatRefreshMs,
	})
	if _, err := inv.Invoke("chat.send", params); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "💬 Sent to %s\n", args[0])
	return nil
}

func runChatHistory(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]any{"nodeId": args[0], "limit": chatHistoryLimit})
	out, err := inv.Invoke("chat.history", params)
	if err != nil {
		return err
	}
	if chatJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	messages, _ := out.([]store.ChatMessage)
	if len(messages) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversation yet.")
		return nil
	}
	printHeader(cmd, "Chat with "+args[0])
	for _, m := range messages {
		label := color.GreenString("me")
		if m.Role == store.RoleAssistant {
			label = color.MagentaString(args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", formatAge(m.Timestamp), label, m.Content)
	}
	return nil
}

func runChatList(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	out, err := inv.Invoke("chat.list", nil)
	if err != nil {
		return err
	}
	if chatJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	peers, _ := out.([]string)
	if len(peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintf(cmd.OutOrStdout(), "💬 %s\n", p)
	}
	return nil
}

func runChatClear(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]string{"nodeId": args[0]})
	if _, err := inv.Invoke("chat.clear", params); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🧹 Conversation with %s cleared\n", args[0])
	return nil
}
