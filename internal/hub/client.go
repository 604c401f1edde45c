// Package hub is the uplink to the cloud Hub: authenticated HTTP verbs for
// the cluster directory plus a resilient WebSocket carrying the typed frame
// protocol. Reconnection uses a fixed interval; a deliberate Disconnect does
// not re-arm it.
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultHTTPTimeout       = 15 * time.Second
	nodeCacheTTL             = 15 * time.Second
	writeTimeout             = 10 * time.Second
)

// Options configures a Client. Zero durations fall back to defaults.
type Options struct {
	BaseURL           string
	Token             string
	AdminKey          string
	NodeID            string
	ClusterID         string
	ParentID          string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	HTTPTimeout       time.Duration
	Logger            *slog.Logger

	// ActiveTasks supplies the heartbeat task count. Optional.
	ActiveTasks func() int

	// OnConnected fires after each successful socket open.
	OnConnected func()
	// OnTask receives inbound task frames.
	OnTask func(Message)
	// OnNodeOnline / OnNodeOffline fire on lifecycle broadcasts.
	OnNodeOnline  func(nodeID string)
	OnNodeOffline func(nodeID string)
	// OnSharedConfig fires when the Hub pushes per-cluster shared config.
	OnSharedConfig func(cfg json.RawMessage)
}

// Client talks to one Hub. All exported methods are safe for concurrent use.
type Client struct {
	opts   Options
	httpc  *http.Client
	logger *slog.Logger

	mu                  sync.Mutex
	conn                *websocket.Conn
	connected           bool
	connecting          bool
	intentionallyClosed bool
	reconnectTimer      *time.Timer
	heartbeatStop       chan struct{}
	nodeID              string
	clusterID           string
	parentID            string
	token               string

	handlerMu sync.RWMutex
	handlers  map[string]func(Message)

	cacheMu     sync.Mutex
	nodeCache   []NodeInfo
	nodeCacheAt time.Time

	changeSeq atomic.Uint64
}

// New creates a Hub client. It does not connect.
func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:      opts,
		httpc:     &http.Client{Timeout: opts.HTTPTimeout},
		logger:    logger,
		nodeID:    opts.NodeID,
		clusterID: opts.ClusterID,
		parentID:  opts.ParentID,
		token:     opts.Token,
		handlers:  make(map[string]func(Message)),
	}
}

// On registers a handler for a frame type, replacing any previous one.
func (c *Client) On(msgType string, handler func(Message)) {
	c.handlerMu.Lock()
	c.handlers[msgType] = handler
	c.handlerMu.Unlock()
}

// Off removes the handler for a frame type.
func (c *Client) Off(msgType string) {
	c.handlerMu.Lock()
	delete(c.handlers, msgType)
	c.handlerMu.Unlock()
}

func (c *Client) emit(msg Message) {
	c.handlerMu.RLock()
	handler := c.handlers[msg.Type]
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// NodeID returns the current node identity (empty when unregistered).
func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// ChangeSeq returns the topology change counter. It increments on every
// observed lifecycle broadcast, so presenters can cheaply detect staleness.
func (c *Client) ChangeSeq() uint64 {
	return c.changeSeq.Load()
}

// Status returns a connection snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		Registered: c.nodeID != "" && c.token != "",
		Connected:  c.connected,
		NodeID:     c.nodeID,
		ClusterID:  c.clusterID,
		ParentID:   c.parentID,
	}
	c.mu.Unlock()

	if c.opts.ActiveTasks != nil {
		st.PendingTasks = c.opts.ActiveTasks()
	}
	c.cacheMu.Lock()
	st.CachedNodes = len(c.nodeCache)
	c.cacheMu.Unlock()
	return st
}

// wsURL derives the WebSocket endpoint from the HTTP base URL.
func (c *Client) wsURL() (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	u, err := url.Parse(strings.TrimSuffix(c.opts.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Connect opens the WebSocket, starts the heartbeat and arms reconnection
// for unexpected closes. A call that overlaps an in-flight dial is a no-op,
// so a manual connect racing the reconnect timer cannot open two sockets.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	if c.nodeID == "" || c.token == "" {
		c.mu.Unlock()
		return fmt.Errorf("not registered")
	}
	c.intentionallyClosed = false
	c.connecting = true
	c.mu.Unlock()

	wsURL, err := c.wsURL()
	if err != nil {
		c.clearConnecting()
		return err
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.clearConnecting()
		c.scheduleReconnect()
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	if c.intentionallyClosed {
		// Disconnect was called while dialing; drop the fresh socket.
		c.connecting = false
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.mu.Unlock()

	c.logger.Info("Hub connected", "nodeId", c.NodeID())
	go c.readLoop(conn)
	go c.heartbeatLoop(stop)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}
	return nil
}

func (c *Client) clearConnecting() {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
}

// Disconnect closes the socket deliberately; no reconnect is scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentionallyClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one frame. It never blocks on a dead uplink: when the socket
// is not connected the frame is dropped with a warning.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn("Hub frame dropped, not connected", "type", msg.Type, "id", msg.ID)
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return fmt.Errorf("not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s frame: %w", msg.Type, err)
	}
	return nil
}

// SendResult sends a result frame for a task.
func (c *Client) SendResult(taskID, toNodeID string, success bool, result, errMsg string) error {
	msg := NewMessage(TypeResult, taskID, toNodeID, ResultPayload{
		Success: success,
		Result:  result,
		Error:   errMsg,
	})
	msg.From = c.NodeID()
	return c.Send(msg)
}

// SendAck sends a task_ack frame for a task.
func (c *Client) SendAck(taskID, toNodeID, status string, position int) error {
	msg := NewMessage(TypeTaskAck, taskID, toNodeID, AckPayload{Status: status, Position: position})
	msg.From = c.NodeID()
	return c.Send(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Hub frame unreadable", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	intentional := c.intentionallyClosed
	c.mu.Unlock()

	conn.Close()
	if intentional {
		c.logger.Info("Hub disconnected")
		return
	}
	c.logger.Warn("Hub connection lost", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms a single reconnect timer at the fixed interval.
// Repeat calls while a timer is pending are no-ops.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intentionallyClosed || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectInterval, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.intentionallyClosed
		connected := c.connected
		c.mu.Unlock()
		if closed || connected {
			return
		}
		if err := c.Connect(); err != nil {
			c.logger.Warn("Hub reconnect failed", "error", err)
		}
	})
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			active := 0
			if c.opts.ActiveTasks != nil {
				active = c.opts.ActiveTasks()
			}
			msg := NewMessage(TypeHeartbeat, c.NodeID(), "", HeartbeatPayload{ActiveTasks: active})
			msg.From = c.NodeID()
			if err := c.Send(msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypeTask:
		if c.opts.OnTask != nil {
			c.opts.OnTask(msg)
		}
	case TypeResult, TypeTaskAck, TypeTaskStatus, TypeTaskCancel, TypeChat:
		c.emit(msg)
	case TypeDirect:
		c.handleDirect(msg)
	case TypeBroadcast:
		if msg.Channel == "system" {
			c.handleSystemBroadcast(msg)
		}
	case TypeHeartbeat:
		// Server heartbeat replies carry nothing we track.
	default:
		c.logger.Debug("Hub frame of unknown type dropped", "type", msg.Type)
	}
}

func (c *Client) handleDirect(msg Message) {
	var payload DirectPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Debug("direct frame unreadable", "error", err)
		return
	}
	if payload.Action == "connected" {
		c.logger.Info("Hub session established", "nodeId", payload.NodeID)
	}
	if len(payload.SharedConfig) > 0 && c.opts.OnSharedConfig != nil {
		c.opts.OnSharedConfig(payload.SharedConfig)
	}
}

func (c *Client) handleSystemBroadcast(msg Message) {
	var payload BroadcastPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Debug("broadcast frame unreadable", "error", err)
		return
	}
	switch payload.Action {
	case "node_online":
		c.invalidateNodeCache()
		c.changeSeq.Add(1)
		if c.opts.OnNodeOnline != nil {
			c.opts.OnNodeOnline(payload.NodeID)
		}
	case "node_offline":
		c.invalidateNodeCache()
		c.changeSeq.Add(1)
		if c.opts.OnNodeOffline != nil {
			c.opts.OnNodeOffline(payload.NodeID)
		}
	case "child_registered", "child_unregistered", "child_departed", "child_arrived", "reparented":
		c.invalidateNodeCache()
		c.changeSeq.Add(1)
	default:
		c.logger.Debug("system broadcast ignored", "action", payload.Action)
	}
	c.emit(msg)
}
