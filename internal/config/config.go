// Package config loads and persists the cluster-hub plugin entry inside the
// shared openclaw.json config file. The plugin owns only its own subtree
// (plugins.entries.cluster-hub.config); everything else in the file is
// preserved verbatim on write.
package config

import (
	"strings"
	"time"
)

// PluginID is the entry key under plugins.entries in openclaw.json.
const PluginID = "cluster-hub"

// Config is the durable cluster-hub plugin configuration.
type Config struct {
	HubURL       string   `json:"hubUrl" envconfig:"HUB_URL"`
	NodeID       string   `json:"nodeId" envconfig:"NODE_ID"`
	NodeName     string   `json:"nodeName" envconfig:"NODE_NAME"`
	NodeAlias    string   `json:"nodeAlias" envconfig:"NODE_ALIAS"`
	Token        string   `json:"token" envconfig:"TOKEN"`
	ClusterID    string   `json:"clusterId" envconfig:"CLUSTER_ID"`
	ParentID     string   `json:"parentId" envconfig:"PARENT_ID"`
	Capabilities []string `json:"capabilities" envconfig:"CAPABILITIES"`

	// SelfTaskMode selects how tasks addressed to this node itself are run:
	// "local" loops back to the agent gateway, "hub" round-trips via the Hub.
	SelfTaskMode string `json:"selfTaskMode" envconfig:"SELF_TASK_MODE"`

	AdminKey     string `json:"adminKey,omitempty" envconfig:"ADMIN_KEY"`
	GatewayPort  int    `json:"gatewayPort" envconfig:"GATEWAY_PORT"`
	GatewayToken string `json:"gatewayToken,omitempty" envconfig:"GATEWAY_TOKEN"`

	MaxConcurrent       int    `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	TaskTimeoutMs       int    `json:"taskTimeoutMs" envconfig:"TASK_TIMEOUT_MS"`
	HeartbeatIntervalMs int    `json:"heartbeatIntervalMs" envconfig:"HEARTBEAT_INTERVAL_MS"`
	ReconnectIntervalMs int    `json:"reconnectIntervalMs" envconfig:"RECONNECT_INTERVAL_MS"`
	SaveDebounceMs      int    `json:"saveDebounceMs,omitempty" envconfig:"SAVE_DEBOUNCE_MS"`
	DataDir             string `json:"dataDir,omitempty" envconfig:"DATA_DIR"`

	Archive ArchiveConfig `json:"archive"`
	Mirror  MirrorConfig  `json:"mirror"`
	Notify  NotifyConfig  `json:"notify"`
}

// ArchiveConfig controls the long-term SQLite task archive.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Path    string `json:"path,omitempty" envconfig:"PATH"`
}

// MirrorConfig controls the optional Kafka event mirror.
type MirrorConfig struct {
	Brokers string `json:"brokers,omitempty" envconfig:"BROKERS"`
	Topic   string `json:"topic,omitempty" envconfig:"TOPIC"`
}

// NotifyConfig controls the optional Slack notifier.
type NotifyConfig struct {
	SlackToken   string `json:"slackToken,omitempty" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel,omitempty" envconfig:"SLACK_CHANNEL"`
}

// DefaultConfig returns the plugin defaults used when openclaw.json has no
// cluster-hub entry yet.
func DefaultConfig() *Config {
	return &Config{
		SelfTaskMode:        "local",
		GatewayPort:         18789,
		MaxConcurrent:       3,
		TaskTimeoutMs:       300000,
		HeartbeatIntervalMs: 30000,
		ReconnectIntervalMs: 5000,
		SaveDebounceMs:      1500,
		Archive:             ArchiveConfig{Enabled: true},
	}
}

// Registered reports whether the node holds a Hub identity.
func (c *Config) Registered() bool {
	return strings.TrimSpace(c.NodeID) != "" && strings.TrimSpace(c.Token) != ""
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectInterval returns the fixed reconnect interval as a duration.
func (c *Config) ReconnectInterval() time.Duration {
	if c.ReconnectIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

// SaveDebounce returns the store write debounce as a duration.
func (c *Config) SaveDebounce() time.Duration {
	if c.SaveDebounceMs <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.SaveDebounceMs) * time.Millisecond
}

// TaskTimeout returns the overall task execution deadline.
func (c *Config) TaskTimeout() time.Duration {
	if c.TaskTimeoutMs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if strings.TrimSpace(c.SelfTaskMode) == "" {
		c.SelfTaskMode = def.SelfTaskMode
	}
	switch strings.ToLower(strings.TrimSpace(c.SelfTaskMode)) {
	case "local", "hub":
		c.SelfTaskMode = strings.ToLower(strings.TrimSpace(c.SelfTaskMode))
	default:
		c.SelfTaskMode = "local"
	}
	if c.GatewayPort <= 0 {
		c.GatewayPort = def.GatewayPort
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxConcurrent > 10 {
		c.MaxConcurrent = 10
	}
	if c.TaskTimeoutMs <= 0 {
		c.TaskTimeoutMs = def.TaskTimeoutMs
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = def.HeartbeatIntervalMs
	}
	if c.ReconnectIntervalMs <= 0 {
		c.ReconnectIntervalMs = def.ReconnectIntervalMs
	}
	if c.SaveDebounceMs <= 0 {
		c.SaveDebounceMs = def.SaveDebounceMs
	}
}
