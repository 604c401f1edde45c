// Package chat forwards peer chat frames to the local agent and streams the
// reply back. The per-peer session key keeps conversational context across
// turns; optional periodic delta frames let the sender render progress while
// the run is still going.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clusterhub/internal/bridge"
	"github.com/openclaw/clusterhub/internal/hub"
	"github.com/openclaw/clusterhub/internal/store"
)

const (
	waitTimeoutMs    = 300000
	minAutoRefresh   = 100 * time.Millisecond
	errorReplyPrefix = "❌ 处理失败: "
)

// Bridge is the slice of the agent gateway the handler needs.
type Bridge interface {
	SubmitAgent(ctx context.Context, message, sessionKey, idempotencyKey, extraSystemPrompt string) (string, error)
	WaitAgent(ctx context.Context, runID string, timeoutMs int) error
	ChatHistory(ctx context.Context, sessionKey string, limit int) ([]bridge.Message, error)
}

// Sender pushes chat frames back over the uplink.
type Sender interface {
	Send(msg hub.Message) error
}

// Handler processes inbound chat frames with payload.role == "user".
type Handler struct {
	bridge Bridge
	sender Sender
	chats  *store.ChatStore
	logger *slog.Logger

	// WaitTimeoutMs bounds the agent wait per turn. Tests shrink it.
	WaitTimeoutMs int

	mu   sync.Mutex
	busy map[string]bool
}

// New creates a chat handler.
func New(b Bridge, sender Sender, chats *store.ChatStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bridge:        b,
		sender:        sender,
		chats:         chats,
		logger:        logger,
		WaitTimeoutMs: waitTimeoutMs,
		busy:          make(map[string]bool),
	}
}

// HandleFrame processes one chat frame asynchronously. Frames whose role is
// not "user" are ignored here; reply persistence belongs to the coordinator.
func (h *Handler) HandleFrame(msg hub.Message) {
	var payload hub.ChatPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Debug("chat frame unreadable", "error", err)
		return
	}
	if payload.Role != store.RoleUser {
		return
	}
	go h.handle(msg, payload)
}

func (h *Handler) handle(msg hub.Message, payload hub.ChatPayload) {
	fromNodeID := msg.From
	chatID := msg.ID
	whole := false
	autoRefreshMs := 0
	if payload.Config != nil {
		whole = payload.Config.Whole
		autoRefreshMs = payload.Config.AutoRefreshMs
	}
	sessionKey := bridge.ChatSessionKey(fromNodeID)

	h.mu.Lock()
	if h.busy[sessionKey] {
		h.mu.Unlock()
		h.sendError(fromNodeID, chatID, "previous chat still running")
		return
	}
	h.busy[sessionKey] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.busy, sessionKey)
		h.mu.Unlock()
	}()

	if h.chats != nil {
		h.chats.AppendMessage(fromNodeID, store.RoleUser, payload.Content)
	}

	ctx := context.Background()
	runID, err := h.bridge.SubmitAgent(ctx, payload.Content, sessionKey, uuid.NewString(), "")
	if err != nil {
		h.sendError(fromNodeID, chatID, err.Error())
		return
	}
	h.logger.Info("Chat run started", "from", fromNodeID, "runId", runID)

	stopDeltas := func() {}
	if autoRefreshMs > 0 {
		stopDeltas = h.startDeltaStream(fromNodeID, chatID, sessionKey, whole, autoRefreshMs)
	}

	waitErr := h.bridge.WaitAgent(ctx, runID, h.WaitTimeoutMs)
	stopDeltas()
	if waitErr != nil {
		h.sendError(fromNodeID, chatID, waitErr.Error())
		return
	}

	history, err := h.bridge.ChatHistory(ctx, sessionKey, 0)
	if err != nil {
		h.sendError(fromNodeID, chatID, err.Error())
		return
	}

	if h.chats != nil {
		if text := bridge.HarvestText(history); text != "" {
			h.chats.AppendMessage(fromNodeID, store.RoleAssistant, text)
		}
	}

	reply := hub.NewMessage(hub.TypeChat, uuid.NewString(), fromNodeID, hub.ChatPayload{
		Role:      store.RoleAssistant,
		Messages:  bridge.FormatMessages(history, whole),
		ReplyTo:   chatID,
		Timestamp: time.Now().UnixMilli(),
		Done:      true,
	})
	if err := h.sender.Send(reply); err != nil {
		h.logger.Warn("chat reply not delivered", "to", fromNodeID, "error", err)
	}
}

// startDeltaStream polls the session history on the requested interval and
// forwards any new messages as delta frames. lastSent is per run; it never
// survives into the next turn.
func (h *Handler) startDeltaStream(fromNodeID, chatID, sessionKey string, whole bool, autoRefreshMs int) (stop func()) {
	interval := time.Duration(autoRefreshMs) * time.Millisecond
	if interval < minAutoRefresh {
		interval = minAutoRefresh
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastSent := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				history, err := h.bridge.ChatHistory(context.Background(), sessionKey, 0)
				if err != nil {
					h.logger.Debug("delta poll failed", "sessionKey", sessionKey, "error", err)
					continue
				}
				if len(history) <= lastSent {
					continue
				}
				fresh := history[lastSent:]
				lastSent = len(history)
				delta := hub.NewMessage(hub.TypeChat, uuid.NewString(), fromNodeID, hub.ChatPayload{
					Role:      "delta",
					Messages:  bridge.FormatMessages(fresh, whole),
					ReplyTo:   chatID,
					Timestamp: time.Now().UnixMilli(),
					Done:      false,
				})
				if err := h.sender.Send(delta); err != nil {
					h.logger.Debug("delta frame not delivered", "to", fromNodeID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (h *Handler) sendError(fromNodeID, chatID, reason string) {
	h.logger.Warn("Chat turn failed", "from", fromNodeID, "reason", reason)
	reply := hub.NewMessage(hub.TypeChat, uuid.NewString(), fromNodeID, hub.ChatPayload{
		Role:      store.RoleAssistant,
		Content:   fmt.Sprintf("%s%s", errorReplyPrefix, reason),
		ReplyTo:   chatID,
		Timestamp: time.Now().UnixMilli(),
		Done:      true,
	})
	if err := h.sender.Send(reply); err != nil {
		h.logger.Warn("error reply not delivered", "to", fromNodeID, "error", err)
	}
}
