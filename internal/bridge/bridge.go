// Package bridge talks to the local agent gateway over one-shot WebSocket
// RPC calls. Each call dials ws://127.0.0.1:<port>, performs the connect
// handshake, sends a single request, awaits the matching response and
// closes. Timeouts are per call.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	protocolMin = 3
	protocolMax = 3

	submitTimeout  = 15 * time.Second
	historyTimeout = 10 * time.Second
	deleteTimeout  = 5 * time.Second
	waitGrace      = 5 * time.Second

	// DefaultTaskTimeoutMs bounds agent.wait when the caller passes no timeout.
	DefaultTaskTimeoutMs = 300000

	defaultHistoryLimit = 30

	emptyOutputPlaceholder = "(no output)"

	maxFrameBytes = 16 << 20
)

// Client issues RPC calls against the local agent gateway.
type Client struct {
	url      string
	token    string
	clientID string
	version  string
	logger   *slog.Logger
}

// New creates a gateway client for the given local port.
func New(gatewayPort int, token, clientID, version string, logger *slog.Logger) *Client {
	if gatewayPort <= 0 {
		gatewayPort = 18789
	}
	if clientID == "" {
		clientID = "cluster-hub"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      fmt.Sprintf("ws://127.0.0.1:%d", gatewayPort),
		token:    token,
		clientID: clientID,
		version:  version,
		logger:   logger,
	}
}

// NewWithURL creates a client against an explicit gateway URL. Tests use this
// to point at an in-process server.
func NewWithURL(url, token string, logger *slog.Logger) *Client {
	c := New(0, token, "", "", logger)
	c.url = url
	return c
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (f *frame) errorMessage() string {
	if len(f.Error) == 0 {
		return "request failed"
	}
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Error, &structured); err == nil && structured.Message != "" {
		return structured.Message
	}
	var plain string
	if err := json.Unmarshal(f.Error, &plain); err == nil && plain != "" {
		return plain
	}
	return string(f.Error)
}

type connectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      clientInfo `json:"client"`
	Auth        authInfo   `json:"auth"`
}

type clientInfo struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

type authInfo struct {
	Token string `json:"token,omitempty"`
}

// call dials the gateway, handshakes, runs one verb and closes the socket.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)

	hello := connectParams{
		MinProtocol: protocolMin,
		MaxProtocol: protocolMax,
		Client:      clientInfo{ID: c.clientID, Version: c.version},
		Auth:        authInfo{Token: c.token},
	}
	if _, err := c.roundTrip(ctx, conn, "connect", hello); err != nil {
		return nil, fmt.Errorf("gateway handshake: %w", err)
	}

	return c.roundTrip(ctx, conn, method, params)
}

// roundTrip sends one request frame and blocks until the response with the
// same id arrives. Event frames interleaved by the gateway are skipped.
func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	req := frame{Type: "req", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	for {
		var res frame
		if err := wsjson.Read(ctx, conn, &res); err != nil {
			return nil, fmt.Errorf("await %s response: %w", method, err)
		}
		if res.Type == "event" {
			continue
		}
		if res.Type != "res" || res.ID != id {
			c.logger.Debug("gateway frame ignored", "type", res.Type, "id", res.ID)
			continue
		}
		if !res.OK {
			return nil, fmt.Errorf("gateway %s: %s", method, res.errorMessage())
		}
		return res.Payload, nil
	}
}

type agentParams struct {
	Message           string `json:"message"`
	SessionKey        string `json:"sessionKey"`
	IdempotencyKey    string `json:"idempotencyKey"`
	Deliver           bool   `json:"deliver"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
}

// SubmitAgent starts an agent run on the given session and returns its runId
// without waiting for completion.
func (c *Client) SubmitAgent(ctx context.Context, message, sessionKey, idempotencyKey, extraSystemPrompt string) (string, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	payload, err := c.call(ctx, "agent", agentParams{
		Message:           message,
		SessionKey:        sessionKey,
		IdempotencyKey:    idempotencyKey,
		Deliver:           false,
		ExtraSystemPrompt: extraSystemPrompt,
	}, submitTimeout)
	if err != nil {
		return "", err
	}
	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode agent response: %w", err)
	}
	if out.RunID == "" {
		return "", errors.New("gateway returned no runId")
	}
	return out.RunID, nil
}

// WaitAgent blocks until the run is terminal. The socket deadline is the
// requested wait plus a small grace so the gateway times out first.
func (c *Client) WaitAgent(ctx context.Context, runID string, timeoutMs int) error {
	if timeoutMs <= 0 {
		timeoutMs = DefaultTaskTimeoutMs
	}
	socketTimeout := time.Duration(timeoutMs)*time.Millisecond + waitGrace
	_, err := c.call(ctx, "agent.wait", map[string]any{
		"runId":     runID,
		"timeoutMs": timeoutMs,
	}, socketTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("agent wait timed out after %dms", timeoutMs)
		}
		return err
	}
	return nil
}

// ChatHistory fetches the most recent messages of a gateway session.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	payload, err := c.call(ctx, "chat.history", map[string]any{
		"sessionKey": sessionKey,
		"limit":      limit,
	}, historyTimeout)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return out.Messages, nil
}

// DeleteSession drops gateway session state. Fire and forget: failures are
// logged at debug and swallowed.
func (c *Client) DeleteSession(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if _, err := c.call(ctx, "sessions.delete", map[string]any{"key": sessionKey}, deleteTimeout); err != nil {
		c.logger.Debug("session delete failed", "sessionKey", sessionKey, "error", err)
	}
}

// Dispatch is the submit half of a task run.
type Dispatch struct {
	RunID      string
	SessionKey string
}

// TaskResult is the collected outcome of a task run.
type TaskResult struct {
	Success bool
	Result  string
	Error   string
}

// DispatchTask submits a hub task to the agent under a fresh per-task
// session and returns immediately.
func (c *Client) DispatchTask(ctx context.Context, taskID, instruction string) (Dispatch, error) {
	sessionKey := TaskSessionKey(taskID)
	runID, err := c.SubmitAgent(ctx, instruction, sessionKey, taskID, "")
	if err != nil {
		return Dispatch{}, err
	}
	return Dispatch{RunID: runID, SessionKey: sessionKey}, nil
}

// WaitAndCollect waits out a dispatched run and harvests its output from the
// session history.
func (c *Client) WaitAndCollect(ctx context.Context, runID, sessionKey string, timeoutMs int) TaskResult {
	if err := c.WaitAgent(ctx, runID, timeoutMs); err != nil {
		return TaskResult{Success: false, Error: err.Error()}
	}
	messages, err := c.ChatHistory(ctx, sessionKey, defaultHistoryLimit)
	if err != nil {
		return TaskResult{Success: false, Error: fmt.Sprintf("harvest output: %s", err)}
	}
	return TaskResult{Success: true, Result: HarvestText(messages)}
}

// ExecuteTask runs dispatch and wait back to back.
func (c *Client) ExecuteTask(ctx context.Context, taskID, instruction string, timeoutMs int) TaskResult {
	d, err := c.DispatchTask(ctx, taskID, instruction)
	if err != nil {
		return TaskResult{Success: false, Error: err.Error()}
	}
	return c.WaitAndCollect(ctx, d.RunID, d.SessionKey, timeoutMs)
}

// TaskSessionKey names the per-task agent session.
func TaskSessionKey(taskID string) string {
	return "agent:main:hub-task:" + taskID
}

// ChatSessionKey names the per-peer conversational session.
func ChatSessionKey(peerID string) string {
	return "hub-chat:" + peerID
}

// HarvestText concatenates the text blocks of all assistant messages in
// order. Empty output collapses to a placeholder.
func HarvestText(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		b.WriteString(m.TextContent())
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return emptyOutputPlaceholder
	}
	return out
}
