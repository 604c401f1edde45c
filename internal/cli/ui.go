package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/store"
)

func printHeader(cmd *cobra.Command, title string) {
	fmt.Fprintln(cmd.OutOrStdout(), color.CyanString("━━━ %s ━━━", title))
}

// printJSON renders any verb payload as indented JSON for --json output.
func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "{\"error\": %q}\n", err.Error())
		return
	}
	fmt.Fprintln(w, string(data))
}

func statusGlyph(status string) string {
	switch status {
	case store.StatusCompleted:
		return "✅"
	case store.StatusFailed, store.StatusTimeout:
		return "❌"
	case store.StatusCancelled:
		return "🚫"
	case store.StatusRunning:
		return "🏃"
	case store.StatusQueued:
		return "⏳"
	default:
		return "📤"
	}
}

func onlineGlyph(online bool) string {
	if online {
		return color.GreenString("●")
	}
	return color.RedString("○")
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
