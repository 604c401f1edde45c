package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxReceivedTasks = 200

// ReceivedTask is one inbound task record. The task id is issued by the
// remote sender; sessionKey is the handle used to cancel a running agent run.
type ReceivedTask struct {
	TaskID      string     `json:"taskId"`
	FromNodeID  string     `json:"fromNodeId"`
	Instruction string     `json:"instruction"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	SessionKey  string     `json:"sessionKey,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ReceivedTaskUpdate is a partial update; zero-valued fields are left alone.
type ReceivedTaskUpdate struct {
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
	SessionKey  string
	Result      string
	Error       string
}

type receivedEnvelope struct {
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Tasks     []ReceivedTask `json:"tasks"`
}

// ReceivedTaskStore persists the inbound task log (received-tasks.json),
// most recent first, capped at 200 entries.
type ReceivedTaskStore struct {
	mu    sync.Mutex
	path  string
	tasks []ReceivedTask
	saver *saver
}

// NewReceivedTaskStore loads received-tasks.json from dir. A missing or
// corrupt file yields an empty store.
func NewReceivedTaskStore(dir string, debounce time.Duration) *ReceivedTaskStore {
	s := &ReceivedTaskStore{path: filepath.Join(dir, "received-tasks.json")}
	s.saver = newSaver(debounce, s.persist)
	s.load()
	return s
}

func (s *ReceivedTaskStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var env receivedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	s.tasks = env.Tasks
}

func (s *ReceivedTaskStore) persist() {
	s.mu.Lock()
	env := receivedEnvelope{
		Version:   storeVersion,
		UpdatedAt: time.Now(),
		Tasks:     append([]ReceivedTask(nil), s.tasks...),
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

// Record inserts an inbound task in status "queued".
func (s *ReceivedTaskStore) Record(taskID, fromNodeID, instruction, priority string) ReceivedTask {
	task := ReceivedTask{
		TaskID:      taskID,
		FromNodeID:  fromNodeID,
		Instruction: instruction,
		Priority:    priority,
		Status:      StatusQueued,
		ReceivedAt:  time.Now(),
	}

	s.mu.Lock()
	s.tasks = append([]ReceivedTask{task}, s.tasks...)
	if len(s.tasks) > maxReceivedTasks {
		s.tasks = s.tasks[:maxReceivedTasks]
	}
	s.mu.Unlock()

	s.saver.schedule()
	return task
}

// Update applies the non-zero fields of upd to the task.
func (s *ReceivedTaskStore) Update(taskID string, upd ReceivedTaskUpdate) (ReceivedTask, bool) {
	s.mu.Lock()
	idx := -1
	for i := range s.tasks {
		if s.tasks[i].TaskID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ReceivedTask{}, false
	}

	task := &s.tasks[idx]
	if upd.Status != "" {
		task.Status = upd.Status
	}
	if upd.StartedAt != nil {
		task.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		task.CompletedAt = upd.CompletedAt
	}
	if upd.SessionKey != "" {
		task.SessionKey = upd.SessionKey
	}
	if upd.Result != "" {
		task.Result = upd.Result
	}
	if upd.Error != "" {
		task.Error = upd.Error
	}
	updated := *task
	s.mu.Unlock()

	s.saver.schedule()
	return updated, true
}

// Get returns the task by id.
func (s *ReceivedTaskStore) Get(taskID string) (ReceivedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].TaskID == taskID {
			return s.tasks[i], true
		}
	}
	return ReceivedTask{}, false
}

// List returns up to limit tasks, most recent first (all when limit <= 0).
func (s *ReceivedTaskStore) List(limit int) []ReceivedTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tasks)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]ReceivedTask(nil), s.tasks[:n]...)
}

// Flush writes any pending state synchronously.
func (s *ReceivedTaskStore) Flush() {
	s.saver.flush()
}

// Close flushes and stops the debounce timer.
func (s *ReceivedTaskStore) Close() {
	s.saver.close()
}
