package bridge

import (
	"encoding/json"
	"strings"
)

// Message is one entry of a gateway session history. Content is either a
// plain string or an array of typed blocks, so it stays raw until reduced.
type Message struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextContent reduces the message content to the concatenation of its text
// blocks. Plain-string content passes through as is.
func (m Message) TextContent() string {
	if len(m.Content) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// FormattedMessage is the wire shape sent back to peers in chat frames.
type FormattedMessage struct {
	Role      string `json:"role"`
	Content   any    `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// FormatMessages converts history entries for a peer-facing chat frame. With
// whole unset, content collapses to the text-block concatenation; otherwise
// the original content passes through untouched.
func FormatMessages(messages []Message, whole bool) []FormattedMessage {
	out := make([]FormattedMessage, 0, len(messages))
	for _, m := range messages {
		fm := FormattedMessage{Role: m.Role, Timestamp: m.Timestamp}
		if whole {
			fm.Content = m.Content
		} else {
			fm.Content = m.TextContent()
		}
		out = append(out, fm)
	}
	return out
}
