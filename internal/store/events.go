package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxNodeEvents = 200

// Node lifecycle event kinds.
const (
	EventOnline     = "online"
	EventOffline    = "offline"
	EventRegistered = "registered"
	EventDeparted   = "departed"
)

// NodeEvent is one cluster lifecycle observation.
type NodeEvent struct {
	NodeID    string    `json:"nodeId"`
	NodeName  string    `json:"nodeName,omitempty"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

type eventEnvelope struct {
	Version   int         `json:"version"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Events    []NodeEvent `json:"events"`
}

// NodeEventStore persists a ring of the last 200 lifecycle events
// (node-events.json), most recent first.
type NodeEventStore struct {
	mu     sync.Mutex
	path   string
	events []NodeEvent
	saver  *saver
}

// NewNodeEventStore loads node-events.json from dir. A missing or corrupt
// file yields an empty ring.
func NewNodeEventStore(dir string, debounce time.Duration) *NodeEventStore {
	s := &NodeEventStore{path: filepath.Join(dir, "node-events.json")}
	s.saver = newSaver(debounce, s.persist)
	s.load()
	return s
}

func (s *NodeEventStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	s.events = env.Events
}

func (s *NodeEventStore) persist() {
	s.mu.Lock()
	env := eventEnvelope{
		Version:   storeVersion,
		UpdatedAt: time.Now(),
		Events:    append([]NodeEvent(nil), s.events...),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return
	}
	_ = writeFileAtomic(s.path, data)
}

// Append records an event, stamping it when the caller did not.
func (s *NodeEventStore) Append(evt NodeEvent) NodeEvent {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.events = append([]NodeEvent{evt}, s.events...)
	if len(s.events) > maxNodeEvents {
		s.events = s.events[:maxNodeEvents]
	}
	s.mu.Unlock()

	s.saver.schedule()
	return evt
}

// Recent returns up to limit events, most recent first (all when limit <= 0).
func (s *NodeEventStore) Recent(limit int) []NodeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]NodeEvent(nil), s.events[:n]...)
}

// Flush writes any pending state synchronously.
func (s *NodeEventStore) Flush() {
	s.saver.flush()
}

// Close flushes and stops the debounce timer.
func (s *NodeEventStore) Close() {
	s.saver.close()
}
