package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// doJSON runs one authenticated request against the Hub API and decodes the
// {success, data, error} envelope into out.
func (c *Client) doJSON(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(c.opts.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.opts.AdminKey != "" {
		req.Header.Set("X-Admin-Key", c.opts.AdminKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("hub %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("hub %s %s: read body: %w", method, path, err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("hub %s %s: status %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("hub %s %s: malformed response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		reason := env.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("hub %s %s: %s", method, path, reason)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("hub %s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// Register registers this process as a node and adopts the returned identity
// (nodeId, clusterId, parentId, token) as self.
func (c *Client) Register(req RegisterRequest) (Identity, error) {
	var id Identity
	if err := c.doJSON(http.MethodPost, "/api/nodes/register", req, &id); err != nil {
		return Identity{}, err
	}
	c.mu.Lock()
	c.nodeID = id.NodeID
	c.clusterID = id.ClusterID
	c.parentID = id.ParentID
	c.token = id.Token
	c.mu.Unlock()
	c.invalidateNodeCache()
	return id, nil
}

// RegisterChild registers a node without adopting its identity. Used to
// mint credentials for a child process.
func (c *Client) RegisterChild(req RegisterRequest) (Identity, error) {
	var id Identity
	if err := c.doJSON(http.MethodPost, "/api/nodes/register", req, &id); err != nil {
		return Identity{}, err
	}
	c.invalidateNodeCache()
	return id, nil
}

// Unregister removes a node from the Hub. Unregistering self clears the
// local identity and drops the socket.
func (c *Client) Unregister(nodeID string) error {
	if err := c.doJSON(http.MethodDelete, "/api/nodes/"+nodeID, nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	self := c.nodeID == nodeID
	if self {
		c.nodeID = ""
		c.clusterID = ""
		c.parentID = ""
		c.token = ""
	}
	c.mu.Unlock()
	if self {
		c.Disconnect()
	}
	c.invalidateNodeCache()
	return nil
}

// Reparent moves a node under a new parent (empty newParentID promotes it
// to root). The Hub may rotate the token on self-reparent.
func (c *Client) Reparent(nodeID, newParentID string) (Identity, error) {
	var id Identity
	body := map[string]any{"newParentId": newParentID}
	if err := c.doJSON(http.MethodPatch, "/api/nodes/"+nodeID+"/parent", body, &id); err != nil {
		return Identity{}, err
	}
	c.mu.Lock()
	if c.nodeID == nodeID {
		c.parentID = id.ParentID
		if id.Token != "" {
			c.token = id.Token
		}
	}
	c.mu.Unlock()
	c.invalidateNodeCache()
	return id, nil
}

// FetchNodes lists the cluster directory. Results are cached for 15 seconds
// unless force is set; lifecycle broadcasts drop the cache eagerly.
func (c *Client) FetchNodes(force bool) ([]NodeInfo, error) {
	c.cacheMu.Lock()
	if !force && c.nodeCache != nil && time.Since(c.nodeCacheAt) < nodeCacheTTL {
		cached := append([]NodeInfo(nil), c.nodeCache...)
		c.cacheMu.Unlock()
		return cached, nil
	}
	c.cacheMu.Unlock()

	var nodes []NodeInfo
	if err := c.doJSON(http.MethodGet, "/api/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	c.cacheMu.Lock()
	c.nodeCache = nodes
	c.nodeCacheAt = time.Now()
	c.cacheMu.Unlock()
	return append([]NodeInfo(nil), nodes...), nil
}

func (c *Client) invalidateNodeCache() {
	c.cacheMu.Lock()
	c.nodeCache = nil
	c.nodeCacheAt = time.Time{}
	c.cacheMu.Unlock()
}

// FetchNode returns one node by id.
func (c *Client) FetchNode(nodeID string) (NodeInfo, error) {
	var node NodeInfo
	err := c.doJSON(http.MethodGet, "/api/nodes/"+nodeID, nil, &node)
	return node, err
}

// FetchChildren returns the direct children of a node.
func (c *Client) FetchChildren(nodeID string) ([]NodeInfo, error) {
	var nodes []NodeInfo
	err := c.doJSON(http.MethodGet, "/api/nodes/"+nodeID+"/children", nil, &nodes)
	return nodes, err
}

// FetchTree returns the subtree rooted at a node.
func (c *Client) FetchTree(nodeID string) (TreeNode, error) {
	var tree TreeNode
	err := c.doJSON(http.MethodGet, "/api/nodes/"+nodeID+"/tree", nil, &tree)
	return tree, err
}

// FetchClusters lists all clusters.
func (c *Client) FetchClusters() ([]ClusterInfo, error) {
	var clusters []ClusterInfo
	err := c.doJSON(http.MethodGet, "/api/clusters", nil, &clusters)
	return clusters, err
}

// UpdateNode patches the node's display name and alias.
func (c *Client) UpdateNode(nodeID, name, alias string) (NodeInfo, error) {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	if alias != "" {
		body["alias"] = alias
	}
	var node NodeInfo
	if err := c.doJSON(http.MethodPatch, "/api/nodes/"+nodeID, body, &node); err != nil {
		return NodeInfo{}, err
	}
	c.invalidateNodeCache()
	return node, nil
}

// InviteCode fetches the node's invite code.
func (c *Client) InviteCode(nodeID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.doJSON(http.MethodGet, "/api/nodes/"+nodeID+"/invite-code", nil, &out)
	return out.Code, err
}

// SetInviteCode sets (or, with an empty code, rotates) the node's invite code.
func (c *Client) SetInviteCode(nodeID, code string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.doJSON(http.MethodPost, "/api/nodes/"+nodeID+"/invite-code", map[string]any{"code": code}, &out)
	return out.Code, err
}

// SharedConfig fetches the cluster's shared configuration blob.
func (c *Client) SharedConfig(clusterID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(http.MethodGet, "/api/clusters/"+clusterID+"/shared-config", nil, &out)
	return out, err
}

// SetSharedConfig replaces the cluster's shared configuration blob.
func (c *Client) SetSharedConfig(clusterID string, cfg any) error {
	return c.doJSON(http.MethodPut, "/api/clusters/"+clusterID+"/shared-config", cfg, nil)
}

// CheckConnection performs the Hub health check.
func (c *Client) CheckConnection() error {
	req, err := http.NewRequest(http.MethodGet, strings.TrimSuffix(c.opts.BaseURL, "/")+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("hub health check: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("hub health check: %w", err)
	}
	if out.Status != "running" {
		return fmt.Errorf("hub health check: status %q", out.Status)
	}
	return nil
}
