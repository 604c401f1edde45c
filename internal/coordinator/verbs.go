package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clusterhub/internal/bus"
	"github.com/openclaw/clusterhub/internal/config"
	"github.com/openclaw/clusterhub/internal/hub"
	"github.com/openclaw/clusterhub/internal/queue"
	"github.com/openclaw/clusterhub/internal/store"
)

// StatusReport is the payload of the status verb.
type StatusReport struct {
	Hub       hub.Status           `json:"hub"`
	Queue     queue.StatusSnapshot `json:"queue"`
	Tasks     store.TaskSummary    `json:"tasks"`
	ChangeSeq uint64               `json:"changeSeq"`
	Config    config.Config        `json:"config"`
}

// TaskSendParams is the input of task.send.
type TaskSendParams struct {
	NodeID      string `json:"nodeId"`
	Instruction string `json:"instruction"`
}

// SendTask records and dispatches one outbound task. Tasks addressed to
// this node itself run through the local agent when selfTaskMode is
// "local"; everything else rides the Hub.
func (c *Coordinator) SendTask(p TaskSendParams) (store.StoredTask, error) {
	if strings.TrimSpace(p.NodeID) == "" || strings.TrimSpace(p.Instruction) == "" {
		return store.StoredTask{}, fmt.Errorf("nodeId and instruction are required")
	}
	cfg := c.Config()
	taskID := uuid.NewString()
	targetName := ""
	if node, err := c.deps.Hub.FetchNode(p.NodeID); err == nil {
		targetName = node.Name
	}

	if p.NodeID == cfg.NodeID && cfg.SelfTaskMode == "local" {
		task := c.deps.Stores.Tasks.RecordSent(taskID, p.NodeID, targetName, p.Instruction, store.SourceLocal)
		c.publish(bus.EventTaskUpdate, task)
		go c.runSelfTask(taskID, p.Instruction, cfg.TaskTimeoutMs)
		return task, nil
	}

	task := c.deps.Stores.Tasks.RecordSent(taskID, p.NodeID, targetName, p.Instruction, store.SourceRemote)
	c.publish(bus.EventTaskUpdate, task)

	frame := hub.NewMessage(hub.TypeTask, taskID, p.NodeID, hub.TaskPayload{Task: p.Instruction, Priority: "normal"})
	frame.From = cfg.NodeID
	if err := c.deps.Hub.Send(frame); err != nil {
		failed, _ := c.deps.Stores.Tasks.RecordResult(taskID, false, "", "send failed: "+err.Error())
		c.publish(bus.EventTaskUpdate, failed)
		return failed, fmt.Errorf("send task: %w", err)
	}
	return task, nil
}

func (c *Coordinator) runSelfTask(taskID, instruction string, timeoutMs int) {
	if task, ok := c.deps.Stores.Tasks.UpdateStatus(taskID, store.StatusRunning); ok {
		c.publish(bus.EventTaskUpdate, task)
	}
	result := c.deps.Exec.ExecuteTask(context.Background(), taskID, instruction, timeoutMs)
	task, ok := c.deps.Stores.Tasks.RecordResult(taskID, result.Success, result.Result, result.Error)
	if !ok {
		return
	}
	c.logger.Info("Self task finished", "taskId", taskID, "status", task.Status)
	c.publish(bus.EventTaskUpdate, task)
	c.archiveSent(task)
}

// BatchResult is one entry of a task.batch reply.
type BatchResult struct {
	NodeID string `json:"nodeId"`
	TaskID string `json:"taskId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SendTaskBatch dispatches several tasks, continuing past per-task failures.
func (c *Coordinator) SendTaskBatch(items []TaskSendParams) []BatchResult {
	out := make([]BatchResult, 0, len(items))
	for _, item := range items {
		task, err := c.SendTask(item)
		res := BatchResult{NodeID: item.NodeID, TaskID: task.TaskID}
		if err != nil {
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

// CancelTask cancels a task in both directions: the local queue for tasks
// this node executes, and the sent-task log (plus a task_cancel frame to
// the target) for tasks this node dispatched.
func (c *Coordinator) CancelTask(taskID string) (bool, error) {
	cancelled := c.deps.Queue.Cancel(taskID)

	if task, ok := c.deps.Stores.Tasks.Get(taskID); ok && !store.IsTerminal(task.Status) {
		frame := hub.NewMessage(hub.TypeTaskCancel, taskID, task.TargetNodeID, hub.CancelPayload{Reason: "cancelled by sender"})
		frame.From = c.Config().NodeID
		if err := c.deps.Hub.Send(frame); err != nil {
			c.logger.Warn("cancel frame not delivered", "taskId", taskID, "error", err)
		}
		if updated, ok := c.deps.Stores.Tasks.UpdateStatus(taskID, store.StatusCancelled); ok {
			c.publish(bus.EventTaskUpdate, updated)
			c.archiveSent(updated)
		}
		cancelled = true
	}
	if !cancelled {
		return false, fmt.Errorf("task %s not found or already finished", taskID)
	}
	return true, nil
}

// ChatSendParams is the input of chat.send.
type ChatSendParams struct {
	NodeID        string `json:"nodeId"`
	Content       string `json:"content"`
	Whole         bool   `json:"whole,omitempty"`
	AutoRefreshMs int    `json:"autoRefreshMs,omitempty"`
}

// SendChat persists the outbound user message and ships it to the peer.
func (c *Coordinator) SendChat(p ChatSendParams) (store.ChatMessage, error) {
	if strings.TrimSpace(p.NodeID) == "" || strings.TrimSpace(p.Content) == "" {
		return store.ChatMessage{}, fmt.Errorf("nodeId and content are required")
	}
	msg := c.deps.Stores.Chats.AppendMessage(p.NodeID, store.RoleUser, p.Content)
	c.publish(bus.EventChatMessage, msg)

	var cfg *hub.ChatConfig
	if p.Whole || p.AutoRefreshMs > 0 {
		cfg = &hub.ChatConfig{Whole: p.Whole, AutoRefreshMs: p.AutoRefreshMs}
	}
	frame := hub.NewMessage(hub.TypeChat, uuid.NewString(), p.NodeID, hub.ChatPayload{
		Role:      store.RoleUser,
		Content:   p.Content,
		Config:    cfg,
		Timestamp: time.Now().UnixMilli(),
	})
	frame.From = c.Config().NodeID
	if err := c.deps.Hub.Send(frame); err != nil {
		return msg, fmt.Errorf("send chat: %w", err)
	}
	return msg, nil
}

// RegisterParams is the input of register and register.child.
type RegisterParams struct {
	Name         string   `json:"name"`
	Alias        string   `json:"alias,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	ClusterID    string   `json:"clusterId,omitempty"`
	InviteCode   string   `json:"inviteCode,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Register enrolls this node with the Hub and persists the issued identity.
func (c *Coordinator) Register(p RegisterParams) (hub.Identity, error) {
	if strings.TrimSpace(p.Name) == "" {
		return hub.Identity{}, fmt.Errorf("name is required")
	}
	id, err := c.deps.Hub.Register(hub.RegisterRequest{
		Name:         p.Name,
		Alias:        p.Alias,
		ParentID:     p.ParentID,
		ClusterID:    p.ClusterID,
		InviteCode:   p.InviteCode,
		Capabilities: p.Capabilities,
	})
	if err != nil {
		return hub.Identity{}, err
	}
	if err := c.mutateConfig(func(cfg *config.Config) {
		cfg.NodeID = id.NodeID
		cfg.NodeName = p.Name
		cfg.NodeAlias = p.Alias
		cfg.Token = id.Token
		cfg.ClusterID = id.ClusterID
		cfg.ParentID = id.ParentID
		if len(p.Capabilities) > 0 {
			cfg.Capabilities = p.Capabilities
		}
	}); err != nil {
		c.logger.Warn("identity not persisted", "error", err)
	}
	evt := c.deps.Stores.Events.Append(store.NodeEvent{NodeID: id.NodeID, NodeName: p.Name, Event: store.EventRegistered})
	c.publish(bus.EventNodeEvent, evt)
	c.logger.Info("Registered with hub", "nodeId", id.NodeID, "clusterId", id.ClusterID)
	return id, nil
}

// RegisterChild mints an identity for a child process without adopting it.
func (c *Coordinator) RegisterChild(p RegisterParams) (hub.Identity, error) {
	if strings.TrimSpace(p.Name) == "" {
		return hub.Identity{}, fmt.Errorf("name is required")
	}
	parentID := p.ParentID
	if parentID == "" {
		parentID = c.Config().NodeID
	}
	return c.deps.Hub.RegisterChild(hub.RegisterRequest{
		Name:         p.Name,
		Alias:        p.Alias,
		ParentID:     parentID,
		ClusterID:    c.Config().ClusterID,
		InviteCode:   p.InviteCode,
		Capabilities: p.Capabilities,
	})
}

// Unregister removes this node from the Hub and wipes the local identity.
func (c *Coordinator) Unregister() error {
	cfg := c.Config()
	if cfg.NodeID == "" {
		return fmt.Errorf("not registered")
	}
	if err := c.deps.Hub.Unregister(cfg.NodeID); err != nil {
		return err
	}
	if err := c.mutateConfig(func(cc *config.Config) {
		cc.NodeID = ""
		cc.Token = ""
		cc.ClusterID = ""
		cc.ParentID = ""
	}); err != nil {
		c.logger.Warn("identity wipe not persisted", "error", err)
	}
	evt := c.deps.Stores.Events.Append(store.NodeEvent{NodeID: cfg.NodeID, NodeName: cfg.NodeName, Event: store.EventDeparted})
	c.publish(bus.EventNodeEvent, evt)
	return nil
}

// Reparent moves a node (self by default) under a new parent.
func (c *Coordinator) Reparent(nodeID, newParentID string) (hub.Identity, error) {
	cfg := c.Config()
	if nodeID == "" {
		nodeID = cfg.NodeID
	}
	id, err := c.deps.Hub.Reparent(nodeID, newParentID)
	if err != nil {
		return hub.Identity{}, err
	}
	if nodeID == cfg.NodeID {
		if err := c.mutateConfig(func(cc *config.Config) {
			cc.ParentID = id.ParentID
			if id.Token != "" {
				cc.Token = id.Token
			}
		}); err != nil {
			c.logger.Warn("reparent not persisted", "error", err)
		}
	}
	return id, nil
}

// UpdateNode changes this node's display name and alias.
func (c *Coordinator) UpdateNode(name, alias string) (hub.NodeInfo, error) {
	cfg := c.Config()
	if cfg.NodeID == "" {
		return hub.NodeInfo{}, fmt.Errorf("not registered")
	}
	node, err := c.deps.Hub.UpdateNode(cfg.NodeID, name, alias)
	if err != nil {
		return hub.NodeInfo{}, err
	}
	if err := c.mutateConfig(func(cc *config.Config) {
		if name != "" {
			cc.NodeName = name
		}
		if alias != "" {
			cc.NodeAlias = alias
		}
	}); err != nil {
		c.logger.Warn("node update not persisted", "error", err)
	}
	return node, nil
}

// Status assembles the full node snapshot.
func (c *Coordinator) Status() StatusReport {
	return StatusReport{
		Hub:       c.deps.Hub.Status(),
		Queue:     c.deps.Queue.Status(),
		Tasks:     c.deps.Stores.Tasks.Summary(),
		ChangeSeq: c.deps.Hub.ChangeSeq(),
		Config:    c.Config(),
	}
}

// SetConfig merges a partial JSON object into the plugin config and saves.
func (c *Coordinator) SetConfig(patch json.RawMessage) (config.Config, error) {
	if err := c.mutateConfig(func(cfg *config.Config) {
		_ = json.Unmarshal(patch, cfg)
	}); err != nil {
		return config.Config{}, err
	}
	return c.Config(), nil
}

// Invoke dispatches one verb by name. This is the RPC surface presenters
// call; unknown verbs and malformed params reply with an error message, not
// a panic.
func (c *Coordinator) Invoke(verb string, params json.RawMessage) (any, error) {
	decode := func(into any) error {
		if len(params) == 0 {
			return nil
		}
		if err := json.Unmarshal(params, into); err != nil {
			return fmt.Errorf("bad params for %s: %w", verb, err)
		}
		return nil
	}

	switch verb {
	case "status":
		return c.Status(), nil
	case "connect":
		return nil, c.deps.Hub.Connect()
	case "disconnect":
		c.deps.Hub.Disconnect()
		return nil, nil
	case "ping":
		started := time.Now()
		if err := c.deps.Hub.CheckConnection(); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "latencyMs": time.Since(started).Milliseconds()}, nil
	case "config.get":
		return c.Config(), nil
	case "config.set":
		return c.SetConfig(params)

	case "nodes":
		var p struct {
			Force bool `json:"force,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.deps.Hub.FetchNodes(p.Force)
	case "node.get":
		var p struct {
			NodeID string `json:"nodeId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.NodeID == "" {
			p.NodeID = c.Config().NodeID
		}
		return c.deps.Hub.FetchNode(p.NodeID)
	case "node.update":
		var p struct {
			Name  string `json:"name,omitempty"`
			Alias string `json:"alias,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.UpdateNode(p.Name, p.Alias)
	case "tree":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.NodeID == "" {
			p.NodeID = c.Config().NodeID
		}
		return c.deps.Hub.FetchTree(p.NodeID)
	case "children":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.NodeID == "" {
			p.NodeID = c.Config().NodeID
		}
		return c.deps.Hub.FetchChildren(p.NodeID)
	case "clusters":
		return c.deps.Hub.FetchClusters()

	case "register":
		var p RegisterParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.Register(p)
	case "register.child":
		var p RegisterParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.RegisterChild(p)
	case "unregister":
		return nil, c.Unregister()
	case "reparent":
		var p struct {
			NodeID      string `json:"nodeId,omitempty"`
			NewParentID string `json:"newParentId,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.Reparent(p.NodeID, p.NewParentID)
	case "invite-code.get":
		return c.inviteCode("")
	case "invite-code.set":
		var p struct {
			Code string `json:"code,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.setInviteCode(p.Code)

	case "shared-config.get":
		cfg := c.Config()
		if cfg.ClusterID == "" {
			return nil, fmt.Errorf("not registered")
		}
		return c.deps.Hub.SharedConfig(cfg.ClusterID)
	case "shared-config.set":
		cfg := c.Config()
		if cfg.ClusterID == "" {
			return nil, fmt.Errorf("not registered")
		}
		return nil, c.deps.Hub.SetSharedConfig(cfg.ClusterID, params)

	case "task.send":
		var p TaskSendParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.SendTask(p)
	case "task.list":
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
			Status string `json:"status,omitempty"`
			Limit  int    `json:"limit,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.deps.Stores.Tasks.List(store.TaskFilter{NodeID: p.NodeID, Status: p.Status, Limit: p.Limit}), nil
	case "task.get":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		task, ok := c.deps.Stores.Tasks.Get(p.TaskID)
		if !ok {
			return nil, fmt.Errorf("task %s not found", p.TaskID)
		}
		return task, nil
	case "task.cancel":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		ok, err := c.CancelTask(p.TaskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": ok}, nil
	case "task.clear":
		var p struct {
			Before *time.Time `json:"before,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		before := time.Time{}
		if p.Before != nil {
			before = *p.Before
		}
		return map[string]any{"cleared": c.deps.Stores.Tasks.ClearCompleted(before)}, nil
	case "task.batch":
		var p struct {
			Tasks []TaskSendParams `json:"tasks"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.SendTaskBatch(p.Tasks), nil

	case "chat.send":
		var p ChatSendParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.SendChat(p)
	case "chat.history":
		var p struct {
			NodeID string `json:"nodeId"`
			Limit  int    `json:"limit,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.deps.Stores.Chats.History(p.NodeID, p.Limit), nil
	case "chat.list":
		return c.deps.Stores.Chats.ActiveNodes(), nil
	case "chat.clear":
		var p struct {
			NodeID string `json:"nodeId"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"cleared": c.deps.Stores.Chats.ClearHistory(p.NodeID)}, nil

	case "node.events":
		var p struct {
			Limit int `json:"limit,omitempty"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return c.deps.Stores.Events.Recent(p.Limit), nil

	default:
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
}

func (c *Coordinator) inviteCode(_ string) (map[string]any, error) {
	cfg := c.Config()
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("not registered")
	}
	code, err := c.deps.Hub.InviteCode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"code": code}, nil
}

func (c *Coordinator) setInviteCode(code string) (map[string]any, error) {
	cfg := c.Config()
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("not registered")
	}
	applied, err := c.deps.Hub.SetInviteCode(cfg.NodeID, code)
	if err != nil {
		return nil, err
	}
	return map[string]any{"code": applied}, nil
}
