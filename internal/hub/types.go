package hub

import (
	"encoding/json"
	"time"
)

// Wire frame types carried over the Hub WebSocket.
const (
	TypeTask       = "task"
	TypeResult     = "result"
	TypeTaskAck    = "task_ack"
	TypeTaskStatus = "task_status"
	TypeTaskCancel = "task_cancel"
	TypeChat       = "chat"
	TypeDirect     = "direct"
	TypeBroadcast  = "broadcast"
	TypeHeartbeat  = "heartbeat"
	TypeSubscribe  = "subscribe"
)

// Message is one Hub WebSocket frame. ID carries the task id for the
// task-family types and a fresh UUID for chats.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewMessage builds a frame with the payload marshalled in place. A payload
// that fails to encode yields a frame with no payload; the Hub treats that
// the same as an empty object.
func NewMessage(msgType, id, to string, payload any) Message {
	msg := Message{
		Type:      msgType,
		ID:        id,
		To:        to,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			msg.Payload = data
		}
	}
	return msg
}

// TaskPayload is the payload of a "task" frame.
type TaskPayload struct {
	Task     string      `json:"task"`
	Priority string      `json:"priority,omitempty"`
	Config   *TaskConfig `json:"config,omitempty"`
}

// TaskConfig carries optional sender hints on a task frame.
type TaskConfig struct {
	MaxConcurrent int `json:"maxConcurrent,omitempty"`
}

// AckPayload is the payload of a "task_ack" frame.
type AckPayload struct {
	Status   string `json:"status"`
	Position int    `json:"position,omitempty"`
}

// ResultPayload is the payload of a "result" frame.
type ResultPayload struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CancelPayload is the payload of a "task_cancel" frame.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload is the payload of an outbound "heartbeat" frame.
type HeartbeatPayload struct {
	Load        float64 `json:"load"`
	ActiveTasks int     `json:"activeTasks"`
}

// ChatConfig are the sender-controlled options on a chat frame.
type ChatConfig struct {
	Whole         bool `json:"whole,omitempty"`
	AutoRefreshMs int  `json:"autoRefreshMs,omitempty"`
}

// ChatPayload is the payload of a "chat" frame in either direction.
type ChatPayload struct {
	Role      string      `json:"role"`
	Content   string      `json:"content,omitempty"`
	Messages  any         `json:"messages,omitempty"`
	Config    *ChatConfig `json:"config,omitempty"`
	ReplyTo   string      `json:"replyTo,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Done      bool        `json:"done,omitempty"`
}

// DirectPayload is the payload of an inbound "direct" frame.
type DirectPayload struct {
	Action       string          `json:"action"`
	NodeID       string          `json:"nodeId,omitempty"`
	SharedConfig json.RawMessage `json:"sharedConfig,omitempty"`
}

// BroadcastPayload is the payload of a system-channel broadcast.
type BroadcastPayload struct {
	Action   string `json:"action"`
	NodeID   string `json:"nodeId,omitempty"`
	NodeName string `json:"nodeName,omitempty"`
}

// NodeInfo describes a peer node as reported by the Hub directory.
type NodeInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Alias         string    `json:"alias,omitempty"`
	ParentID      string    `json:"parentId,omitempty"`
	ClusterID     string    `json:"clusterId"`
	Depth         int       `json:"depth"`
	Online        bool      `json:"online"`
	Load          float64   `json:"load"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
	ActiveTasks   int       `json:"activeTasks"`
}

// TreeNode is one node of the cluster tree returned by the Hub.
type TreeNode struct {
	NodeInfo
	Children []TreeNode `json:"children,omitempty"`
}

// ClusterInfo summarizes one cluster in the Hub directory.
type ClusterInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	NodeCount int       `json:"nodeCount"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// RegisterRequest is the body of POST /api/nodes/register.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Alias        string   `json:"alias,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	ClusterID    string   `json:"clusterId,omitempty"`
	InviteCode   string   `json:"inviteCode,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Identity is the durable result of a successful registration.
type Identity struct {
	NodeID    string `json:"nodeId"`
	ClusterID string `json:"clusterId"`
	ParentID  string `json:"parentId,omitempty"`
	Depth     int    `json:"depth"`
	Token     string `json:"token"`
}

// Status is a point-in-time connection snapshot.
type Status struct {
	Registered   bool   `json:"registered"`
	Connected    bool   `json:"connected"`
	NodeID       string `json:"nodeId,omitempty"`
	ClusterID    string `json:"clusterId,omitempty"`
	ParentID     string `json:"parentId,omitempty"`
	PendingTasks int    `json:"pendingTasks"`
	CachedNodes  int    `json:"cachedNodes"`
}
