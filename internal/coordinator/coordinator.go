// Package coordinator wires the stores, the hub uplink, the agent bridge,
// the task queue and the chat handler into one node, and exposes the verb
// surface the presentation layer (CLI, chatbot, console) drives. Every state
// change is fanned out on the bus; the fan-out is lossy by design, so a slow
// presenter never backs up the node.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/openclaw/clusterhub/internal/archive"
	"github.com/openclaw/clusterhub/internal/bridge"
	"github.com/openclaw/clusterhub/internal/bus"
	"github.com/openclaw/clusterhub/internal/config"
	"github.com/openclaw/clusterhub/internal/hub"
	"github.com/openclaw/clusterhub/internal/queue"
	"github.com/openclaw/clusterhub/internal/store"
)

// Hub is the slice of the hub client the coordinator drives. Satisfied by
// *hub.Client; tests swap in a fake.
type Hub interface {
	Register(req hub.RegisterRequest) (hub.Identity, error)
	RegisterChild(req hub.RegisterRequest) (hub.Identity, error)
	Unregister(nodeID string) error
	Reparent(nodeID, newParentID string) (hub.Identity, error)
	FetchNodes(force bool) ([]hub.NodeInfo, error)
	FetchNode(nodeID string) (hub.NodeInfo, error)
	FetchChildren(nodeID string) ([]hub.NodeInfo, error)
	FetchTree(nodeID string) (hub.TreeNode, error)
	FetchClusters() ([]hub.ClusterInfo, error)
	UpdateNode(nodeID, name, alias string) (hub.NodeInfo, error)
	InviteCode(nodeID string) (string, error)
	SetInviteCode(nodeID, code string) (string, error)
	SharedConfig(clusterID string) (json.RawMessage, error)
	SetSharedConfig(clusterID string, cfg any) error
	CheckConnection() error
	Connect() error
	Disconnect()
	Connected() bool
	Send(msg hub.Message) error
	Status() hub.Status
	ChangeSeq() uint64
}

// Executor runs self-targeted tasks against the local agent. Satisfied by
// *bridge.Client.
type Executor interface {
	ExecuteTask(ctx context.Context, taskID, instruction string, timeoutMs int) bridge.TaskResult
}

// TaskQueue is the inbound-task engine. Satisfied by *queue.Queue.
type TaskQueue interface {
	Enqueue(taskID, fromNodeID, instruction, priority string)
	Cancel(taskID string) bool
	Status() queue.StatusSnapshot
	Running() int
}

// ChatHandler processes inbound user chat frames. Satisfied by *chat.Handler.
type ChatHandler interface {
	HandleFrame(msg hub.Message)
}

// Stores bundles the persistent state of one node.
type Stores struct {
	Tasks    *store.SentTaskStore
	Received *store.ReceivedTaskStore
	Chats    *store.ChatStore
	Events   *store.NodeEventStore
}

// Flush writes all pending store state synchronously.
func (s Stores) Flush() {
	s.Tasks.Flush()
	s.Received.Flush()
	s.Chats.Flush()
	s.Events.Flush()
}

// Close flushes and stops every store.
func (s Stores) Close() {
	s.Tasks.Close()
	s.Received.Close()
	s.Chats.Close()
	s.Events.Close()
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Hub     Hub
	Exec    Executor
	Queue   TaskQueue
	Chat    ChatHandler
	Stores  Stores
	Archive *archive.Archive
	Bus     *bus.Bus
	Logger  *slog.Logger

	// SaveConfig persists identity mutations. Defaults to config.Save.
	SaveConfig func(*config.Config) error

	// RegisterTools is called once per process when the Hub pushes shared
	// config (external SaaS credentials and owner identity). Optional.
	RegisterTools func(cfg json.RawMessage)
}

// Coordinator is the node core.
type Coordinator struct {
	deps   Deps
	logger *slog.Logger

	cfgMu sync.Mutex
	cfg   *config.Config

	toolsMu         sync.Mutex
	toolsRegistered bool
	sharedConfig    json.RawMessage
}

// New creates a coordinator. Call Bind to subscribe it to a hub client's
// frames before connecting.
func New(cfg *config.Config, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SaveConfig == nil {
		deps.SaveConfig = config.Save
	}
	return &Coordinator{deps: deps, logger: deps.Logger, cfg: cfg}
}

// Config returns a snapshot of the plugin configuration.
func (c *Coordinator) Config() config.Config {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return *c.cfg
}

func (c *Coordinator) mutateConfig(mutate func(*config.Config)) error {
	c.cfgMu.Lock()
	mutate(c.cfg)
	snapshot := *c.cfg
	c.cfgMu.Unlock()
	return c.deps.SaveConfig(&snapshot)
}

// Bind registers the coordinator's frame handlers on a hub client. The
// client emits events up; the coordinator never hands the client a pointer
// to itself.
func (c *Coordinator) Bind(client *hub.Client) {
	client.On(hub.TypeTaskAck, c.HandleAckFrame)
	client.On(hub.TypeTaskStatus, c.HandleStatusFrame)
	client.On(hub.TypeResult, c.HandleResultFrame)
	client.On(hub.TypeTaskCancel, c.HandleCancelFrame)
	client.On(hub.TypeChat, c.HandleChatFrame)
}

// publish fans one event out. Always non-blocking.
func (c *Coordinator) publish(kind string, payload any) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(kind, payload)
	}
}

// HandleTaskFrame accepts an inbound task frame and hands it to the queue.
func (c *Coordinator) HandleTaskFrame(msg hub.Message) {
	var payload hub.TaskPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Task == "" {
		c.logger.Debug("task frame unreadable", "id", msg.ID, "error", err)
		return
	}
	priority := payload.Priority
	if priority == "" {
		priority = "normal"
	}
	c.logger.Info("Task received", "taskId", msg.ID, "from", msg.From)
	c.deps.Queue.Enqueue(msg.ID, msg.From, payload.Task, priority)
}

// HandleAckFrame applies a peer's task_ack to the sent-task log. The
// monotonic transition rule in the store discards regressions, so frames
// arriving out of order are harmless.
func (c *Coordinator) HandleAckFrame(msg hub.Message) {
	var payload hub.AckPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Status == "" {
		c.logger.Debug("ack frame unreadable", "id", msg.ID, "error", err)
		return
	}
	if task, ok := c.deps.Stores.Tasks.UpdateStatus(msg.ID, payload.Status); ok {
		c.publish(bus.EventTaskUpdate, task)
	}
}

// HandleStatusFrame applies an intermediate task_status frame. It feeds the
// same monotone path as acks but stays a separate handler in case the Hub
// grows distinct semantics.
func (c *Coordinator) HandleStatusFrame(msg hub.Message) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Status == "" {
		c.logger.Debug("status frame unreadable", "id", msg.ID, "error", err)
		return
	}
	if task, ok := c.deps.Stores.Tasks.UpdateStatus(msg.ID, payload.Status); ok {
		c.publish(bus.EventTaskUpdate, task)
	}
}

// HandleResultFrame finalizes a sent task from a peer's result frame.
func (c *Coordinator) HandleResultFrame(msg hub.Message) {
	var payload hub.ResultPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Debug("result frame unreadable", "id", msg.ID, "error", err)
		return
	}
	task, ok := c.deps.Stores.Tasks.RecordResult(msg.ID, payload.Success, payload.Result, payload.Error)
	if !ok {
		c.logger.Debug("result for unknown or finished task", "taskId", msg.ID)
		return
	}
	c.logger.Info("Task result received", "taskId", msg.ID, "success", payload.Success)
	c.publish(bus.EventTaskUpdate, task)
	c.archiveSent(task)
}

// HandleCancelFrame cancels a task this node is executing.
func (c *Coordinator) HandleCancelFrame(msg hub.Message) {
	if c.deps.Queue.Cancel(msg.ID) {
		c.logger.Info("Task cancelled by sender", "taskId", msg.ID, "from", msg.From)
	}
}

// HandleChatFrame routes chat frames: user turns go to the chat handler,
// peer replies are persisted to the per-peer log.
func (c *Coordinator) HandleChatFrame(msg hub.Message) {
	var payload hub.ChatPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Debug("chat frame unreadable", "id", msg.ID, "error", err)
		return
	}
	switch payload.Role {
	case store.RoleUser:
		c.deps.Chat.HandleFrame(msg)
	case store.RoleAssistant:
		content := payload.Content
		if content == "" {
			content = flattenMessages(payload.Messages)
		}
		if content == "" {
			return
		}
		stored := c.deps.Stores.Chats.AppendMessage(msg.From, store.RoleAssistant, content)
		c.publish(bus.EventChatMessage, stored)
	default:
		// Delta frames are presentation-only; presenters that care follow
		// the bus, nothing is persisted until the final reply.
		c.publish(bus.EventChatMessage, store.ChatMessage{
			NodeID:  msg.From,
			Role:    payload.Role,
			Content: flattenMessages(payload.Messages),
		})
	}
}

// HandleNodeOnline records a peer coming online.
func (c *Coordinator) HandleNodeOnline(nodeID string) {
	evt := c.deps.Stores.Events.Append(store.NodeEvent{NodeID: nodeID, Event: store.EventOnline})
	c.publish(bus.EventNodeEvent, evt)
}

// HandleNodeOffline records a peer going offline.
func (c *Coordinator) HandleNodeOffline(nodeID string) {
	evt := c.deps.Stores.Events.Append(store.NodeEvent{NodeID: nodeID, Event: store.EventOffline})
	c.publish(bus.EventNodeEvent, evt)
}

// HandleSharedConfig latches the cluster shared config pushed by the Hub
// and registers the external tool surface exactly once per process, no
// matter how often the push repeats.
func (c *Coordinator) HandleSharedConfig(cfg json.RawMessage) {
	c.toolsMu.Lock()
	c.sharedConfig = append(json.RawMessage(nil), cfg...)
	register := !c.toolsRegistered && c.deps.RegisterTools != nil
	if register {
		c.toolsRegistered = true
	}
	c.toolsMu.Unlock()

	if register {
		c.logger.Info("Shared config received, registering tool surface")
		c.deps.RegisterTools(cfg)
	}
}

// SharedConfigSnapshot returns the last pushed shared config, if any.
func (c *Coordinator) SharedConfigSnapshot() json.RawMessage {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	return append(json.RawMessage(nil), c.sharedConfig...)
}

func (c *Coordinator) archiveSent(task store.StoredTask) {
	if c.deps.Archive == nil || !store.IsTerminal(task.Status) {
		return
	}
	err := c.deps.Archive.Record(archive.Entry{
		TaskID:      task.TaskID,
		Direction:   archive.DirectionSent,
		PeerID:      task.TargetNodeID,
		Instruction: task.Instruction,
		Status:      task.Status,
		Result:      task.Result,
		Error:       task.Error,
		DurationMs:  task.DurationMs,
	})
	if err != nil {
		c.logger.Warn("task not archived", "taskId", task.TaskID, "error", err)
	}
}

// ArchiveReceived records a terminal inbound task in the long-term archive.
// Wired to queue.OnUpdate by the daemon.
func (c *Coordinator) ArchiveReceived(task store.ReceivedTask) {
	c.publish(bus.EventTaskUpdate, task)
	if c.deps.Archive == nil || !store.IsTerminal(task.Status) {
		return
	}
	err := c.deps.Archive.Record(archive.Entry{
		TaskID:      task.TaskID,
		Direction:   archive.DirectionReceived,
		PeerID:      task.FromNodeID,
		Instruction: task.Instruction,
		Status:      task.Status,
		Result:      task.Result,
		Error:       task.Error,
	})
	if err != nil {
		c.logger.Warn("received task not archived", "taskId", task.TaskID, "error", err)
	}
}

// flattenMessages reduces a formatted message list to plain text for the
// per-peer chat log.
func flattenMessages(messages any) string {
	list, ok := messages.([]any)
	if !ok {
		data, err := json.Marshal(messages)
		if err != nil {
			return ""
		}
		var decoded []map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return ""
		}
		out := ""
		for _, m := range decoded {
			if m["role"] == store.RoleAssistant {
				if text, ok := m["content"].(string); ok {
					if out != "" {
						out += "\n"
					}
					out += text
				}
			}
		}
		return out
	}
	out := ""
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok || m["role"] != store.RoleAssistant {
			continue
		}
		if text, ok := m["content"].(string); ok {
			if out != "" {
				out += "\n"
			}
			out += text
		}
	}
	return out
}
