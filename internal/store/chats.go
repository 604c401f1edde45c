package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxChatMessages = 500

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry in a per-peer conversation log.
type ChatMessage struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type chatEnvelope struct {
	Version   int           `json:"version"`
	NodeID    string        `json:"nodeId"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Messages  []ChatMessage `json:"messages"`
}

// ChatStore persists one chats/<nodeId>.json log per peer, each capped at
// 500 messages with the oldest dropped first.
type ChatStore struct {
	mu    sync.Mutex
	dir   string
	logs  map[string][]ChatMessage
	dirty map[string]bool
	saver *saver
}

// NewChatStore loads every peer log under dir/chats. A corrupt per-peer file
// is skipped; it does not poison the others.
func NewChatStore(dir string, debounce time.Duration) *ChatStore {
	s := &ChatStore{
		dir:   filepath.Join(dir, "chats"),
		logs:  make(map[string][]ChatMessage),
		dirty: make(map[string]bool),
	}
	s.saver = newSaver(debounce, s.persist)
	s.load()
	return s
}

func (s *ChatStore) load() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var env chatEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		nodeID := env.NodeID
		if nodeID == "" {
			nodeID = strings.TrimSuffix(entry.Name(), ".json")
		}
		s.logs[nodeID] = env.Messages
	}
}

func (s *ChatStore) persist() {
	s.mu.Lock()
	pending := make(map[string][]ChatMessage, len(s.dirty))
	for nodeID := range s.dirty {
		pending[nodeID] = append([]ChatMessage(nil), s.logs[nodeID]...)
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return
	}
	for nodeID, messages := range pending {
		env := chatEnvelope{
			Version:   storeVersion,
			NodeID:    nodeID,
			UpdatedAt: time.Now(),
			Messages:  messages,
		}
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			continue
		}
		_ = writeFileAtomic(s.chatPath(nodeID), data)
	}
}

// AppendMessage adds a message to the peer's log and returns it with its
// generated id and timestamp.
func (s *ChatStore) AppendMessage(nodeID, role, content string) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	log := append(s.logs[nodeID], msg)
	if len(log) > maxChatMessages {
		log = log[len(log)-maxChatMessages:]
	}
	s.logs[nodeID] = log
	s.dirty[nodeID] = true
	s.mu.Unlock()

	s.saver.schedule()
	return msg
}

// History returns up to limit most recent messages in chronological order
// (all when limit <= 0).
func (s *ChatStore) History(nodeID string, limit int) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[nodeID]
	if limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}
	return append([]ChatMessage(nil), log...)
}

// ActiveNodes lists peers that have a chat log, sorted for stable output.
func (s *ChatStore) ActiveNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.logs))
	for nodeID, log := range s.logs {
		if len(log) > 0 {
			out = append(out, nodeID)
		}
	}
	sort.Strings(out)
	return out
}

// ClearHistory drops the peer's log and removes its file.
func (s *ChatStore) ClearHistory(nodeID string) bool {
	s.mu.Lock()
	_, existed := s.logs[nodeID]
	delete(s.logs, nodeID)
	delete(s.dirty, nodeID)
	s.mu.Unlock()

	if err := os.Remove(s.chatPath(nodeID)); err != nil && !existed {
		return false
	}
	return true
}

// Flush writes any dirty peer logs synchronously.
func (s *ChatStore) Flush() {
	s.saver.flush()
}

// Close flushes and stops the debounce timer.
func (s *ChatStore) Close() {
	s.saver.close()
}

// chatPath maps a node id onto a safe file name; separators and traversal
// components are stripped to prevent path injection.
func (s *ChatStore) chatPath(nodeID string) string {
	safe := strings.ReplaceAll(nodeID, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(s.dir, filepath.Base(safe)+".json")
}
