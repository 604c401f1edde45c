package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openclaw/clusterhub/internal/archive"
	"github.com/openclaw/clusterhub/internal/bridge"
	"github.com/openclaw/clusterhub/internal/bus"
	"github.com/openclaw/clusterhub/internal/chat"
	"github.com/openclaw/clusterhub/internal/config"
	"github.com/openclaw/clusterhub/internal/coordinator"
	"github.com/openclaw/clusterhub/internal/hub"
	"github.com/openclaw/clusterhub/internal/mirror"
	"github.com/openclaw/clusterhub/internal/notify"
	"github.com/openclaw/clusterhub/internal/queue"
	"github.com/openclaw/clusterhub/internal/store"
)

// invoker is the verb surface commands drive. Satisfied by
// *coordinator.Coordinator; tests substitute a fake via newInvoker.
type invoker interface {
	Invoke(verb string, params json.RawMessage) (any, error)
}

// newInvoker builds a node runtime for one command invocation. connect
// controls whether the Hub WebSocket is dialed; verbs that only touch local
// state or the Hub HTTP API run without it. The returned func tears the
// runtime down.
var newInvoker = func(connect bool) (invoker, func(), error) {
	n, err := buildNode()
	if err != nil {
		return nil, nil, err
	}
	if connect {
		if err := n.hub.Connect(); err != nil {
			n.close()
			return nil, nil, fmt.Errorf("connect hub: %w", err)
		}
	}
	return n.coord, n.close, nil
}

// node is one fully wired plugin runtime. The plugin embeds its own runtime
// per invocation; there is no daemon IPC.
type node struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *bus.Bus
	stores coordinator.Stores
	bridge *bridge.Client
	hub    *hub.Client
	queue  *queue.Queue
	chat   *chat.Handler
	arch   *archive.Archive
	coord  *coordinator.Coordinator
}

func buildNode() (*node, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildNodeWith(cfg)
}

func buildNodeWith(cfg *config.Config) (*node, error) {
	logger := slog.Default()

	dataDir, err := config.DataDir(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	n := &node{cfg: cfg, logger: logger, bus: bus.New()}
	n.stores = coordinator.Stores{
		Tasks:    store.NewSentTaskStore(dataDir, cfg.SaveDebounce()),
		Received: store.NewReceivedTaskStore(dataDir, cfg.SaveDebounce()),
		Chats:    store.NewChatStore(dataDir, cfg.SaveDebounce()),
		Events:   store.NewNodeEventStore(dataDir, cfg.SaveDebounce()),
	}
	n.bridge = bridge.New(cfg.GatewayPort, cfg.GatewayToken, "cluster-hub", version, logger)

	// The hub callbacks close over the node so they can reach the queue and
	// coordinator, which are built after the client. They only fire once
	// Connect is called, by which point everything is in place.
	n.hub = hub.New(hub.Options{
		BaseURL:           cfg.HubURL,
		Token:             cfg.Token,
		AdminKey:          cfg.AdminKey,
		NodeID:            cfg.NodeID,
		ClusterID:         cfg.ClusterID,
		ParentID:          cfg.ParentID,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReconnectInterval: cfg.ReconnectInterval(),
		Logger:            logger,
		ActiveTasks: func() int {
			return n.queue.Running()
		},
		OnConnected: func() {
			logger.Info("Hub connected", "nodeId", cfg.NodeID, "hub", cfg.HubURL)
		},
		OnTask: func(msg hub.Message) {
			n.coord.HandleTaskFrame(msg)
		},
		OnNodeOnline: func(nodeID string) {
			n.coord.HandleNodeOnline(nodeID)
		},
		OnNodeOffline: func(nodeID string) {
			n.coord.HandleNodeOffline(nodeID)
		},
		OnSharedConfig: func(raw json.RawMessage) {
			n.coord.HandleSharedConfig(raw)
		},
	})

	n.queue = queue.New(n.bridge, n.hub, n.stores.Received, cfg.MaxConcurrent, cfg.TaskTimeoutMs, logger)
	n.chat = chat.New(n.bridge, n.hub, n.stores.Chats, logger)

	if cfg.Archive.Enabled {
		path := cfg.Archive.Path
		if path == "" {
			path = filepath.Join(dataDir, "archive.db")
		}
		arch, err := archive.Open(path)
		if err != nil {
			logger.Warn("archive disabled", "path", path, "error", err)
		} else {
			n.arch = arch
		}
	}

	n.coord = coordinator.New(cfg, coordinator.Deps{
		Hub:     n.hub,
		Exec:    n.bridge,
		Queue:   n.queue,
		Chat:    n.chat,
		Stores:  n.stores,
		Archive: n.arch,
		Bus:     n.bus,
		Logger:  logger,
	})
	n.queue.OnUpdate = n.coord.ArchiveReceived
	n.coord.Bind(n.hub)
	return n, nil
}

// startSidecars launches the optional mirror and notifier consumers. Only the
// long-running daemon calls this; one-shot commands have nothing to mirror.
func (n *node) startSidecars(ctx context.Context) {
	if n.cfg.Mirror.Brokers != "" {
		m := mirror.New(mirror.NewKafkaPublisher(n.cfg.Mirror.Brokers, n.cfg.Mirror.Topic), n.bus, n.cfg.NodeID, n.logger)
		go m.Run(ctx)
	}
	if n.cfg.Notify.SlackToken != "" && n.cfg.Notify.SlackChannel != "" {
		nt := notify.New(n.cfg.Notify.SlackToken, n.cfg.Notify.SlackChannel, n.bus, n.logger)
		go nt.Run(ctx)
	}
}

func (n *node) close() {
	n.hub.Disconnect()
	n.bus.Close()
	n.stores.Close()
	if n.arch != nil {
		n.arch.Close()
	}
}
