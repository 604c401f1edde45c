// Package notify posts one-line cluster updates to a Slack channel: task
// terminals and peer online/offline transitions. It rides the fan-out bus,
// so a slow or failing Slack API can only ever drop notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/openclaw/clusterhub/internal/bus"
	"github.com/openclaw/clusterhub/internal/store"
)

const minInterval = time.Second

// Poster is the slice of the Slack API the notifier uses.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier forwards noteworthy bus events to one Slack channel, rate
// limited to one message per second with overflow dropped.
type Notifier struct {
	api     Poster
	channel string
	logger  *slog.Logger
	events  <-chan bus.Event
	cancel  func()
	lastAt  time.Time
}

// New creates a notifier backed by the real Slack API.
func New(token, channel string, b *bus.Bus, logger *slog.Logger) *Notifier {
	return NewWithPoster(slack.New(token), channel, b, logger)
}

// NewWithPoster creates a notifier with an explicit Poster. Tests use this.
func NewWithPoster(api Poster, channel string, b *bus.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	events, cancel := b.Subscribe("notify", 64)
	return &Notifier{api: api, channel: channel, logger: logger, events: events, cancel: cancel}
}

// Run posts until the context ends or the bus closes.
func (n *Notifier) Run(ctx context.Context) {
	defer n.cancel()
	n.logger.Info("Slack notifier started", "channel", n.channel)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-n.events:
			if !ok {
				return
			}
			line, ok := FormatEvent(evt)
			if !ok {
				continue
			}
			if time.Since(n.lastAt) < minInterval {
				continue
			}
			n.lastAt = time.Now()
			if _, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(line, false)); err != nil {
				n.logger.Warn("Slack post failed", "error", err)
			}
		}
	}
}

// FormatEvent renders one bus event as a Slack line. Non-terminal task
// updates and chat traffic yield ok=false.
func FormatEvent(evt bus.Event) (string, bool) {
	switch payload := evt.Payload.(type) {
	case store.StoredTask:
		if !store.IsTerminal(payload.Status) {
			return "", false
		}
		return taskLine("→", payload.TaskID, payload.TargetNodeID, payload.Status, payload.Error, payload.DurationMs), true
	case store.ReceivedTask:
		if !store.IsTerminal(payload.Status) {
			return "", false
		}
		return taskLine("←", payload.TaskID, payload.FromNodeID, payload.Status, payload.Error, 0), true
	case store.NodeEvent:
		name := payload.NodeName
		if name == "" {
			name = payload.NodeID
		}
		switch payload.Event {
		case store.EventOnline:
			return fmt.Sprintf("🟢 node %s is online", name), true
		case store.EventOffline:
			return fmt.Sprintf("🔴 node %s went offline", name), true
		case store.EventRegistered:
			return fmt.Sprintf("✨ node %s registered", name), true
		case store.EventDeparted:
			return fmt.Sprintf("👋 node %s departed", name), true
		}
	}
	return "", false
}

func taskLine(arrow, taskID, peer, status, errMsg string, durationMs int64) string {
	icon := "✅"
	if status != store.StatusCompleted {
		icon = "⚠️"
	}
	line := fmt.Sprintf("%s task %s %s %s: %s", icon, shortID(taskID), arrow, peer, status)
	if durationMs > 0 {
		line += fmt.Sprintf(" (%.1fs)", float64(durationMs)/1000)
	}
	if errMsg != "" {
		line += " — " + errMsg
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
