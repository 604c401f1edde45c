package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxSentTasks = 200

// StoredTask is one outbound task record. TaskID is immutable; everything
// else is updated in place as ack/status/result frames arrive.
type StoredTask struct {
	TaskID         string     `json:"taskId"`
	TargetNodeID   string     `json:"targetNodeId"`
	TargetNodeName string     `json:"targetNodeName,omitempty"`
	Instruction    string     `json:"instruction"`
	Source         string     `json:"source"`
	Status         string     `json:"status"`
	SentAt         time.Time  `json:"sentAt"`
	AckedAt        *time.Time `json:"ackedAt,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	DurationMs     int64      `json:"durationMs,omitempty"`
}

// TaskFilter narrows List results. Zero values match everything.
type TaskFilter struct {
	NodeID string
	Status string
	Limit  int
}

// TaskSummary is a per-status census of the sent-task log.
type TaskSummary struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Timeout   int `json:"timeout"`
}

type taskEnvelope struct {
	Version   int          `json:"version"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Tasks     []StoredTask `json:"tasks"`
}

// SentTaskStore persists the outbound task log (tasks.json), most recent
// first, capped at 200 entries.
type SentTaskStore struct {
	mu    sync.Mutex
	path  string
	tasks []StoredTask
	saver *saver
}

// NewSentTaskStore loads tasks.json from dir. A missing or corrupt file
// yields an empty store.
func NewSentTaskStore(dir string, debounce time.Duration) *SentTaskStore {
	s := &SentTaskStore{path: filepath.Join(dir, "tasks.json")}
	s.saver = newSaver(debounce, s.persist)
	s.load()
	return s
}

func (s *SentTaskStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var env taskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	s.tasks = env.Tasks
}

func (s *SentTaskStore) persist() {
	s.mu.Lock()
	env := taskEnvelope{
		Version:   storeVersion,
		UpdatedAt: time.Now(),
		Tasks:     append([]StoredTask(nil), s.tasks...),
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

// RecordSent inserts a fresh outbound task in status "sent".
func (s *SentTaskStore) RecordSent(taskID, targetNodeID, targetNodeName, instruction, source string) StoredTask {
	task := StoredTask{
		TaskID:         taskID,
		TargetNodeID:   targetNodeID,
		TargetNodeName: targetNodeName,
		Instruction:    instruction,
		Source:         source,
		Status:         StatusSent,
		SentAt:         time.Now(),
	}

	s.mu.Lock()
	s.tasks = append([]StoredTask{task}, s.tasks...)
	if len(s.tasks) > maxSentTasks {
		s.tasks = s.tasks[:maxSentTasks]
	}
	s.mu.Unlock()

	s.saver.schedule()
	return task
}

// UpdateStatus applies a forward status transition and stamps the matching
// timestamp. Regressing updates are discarded and reported as ok=false.
func (s *SentTaskStore) UpdateStatus(taskID, status string) (StoredTask, bool) {
	s.mu.Lock()
	idx := s.indexOf(taskID)
	if idx < 0 || !StatusAdvances(s.tasks[idx].Status, status) {
		s.mu.Unlock()
		return StoredTask{}, false
	}

	now := time.Now()
	task := &s.tasks[idx]
	task.Status = status
	switch status {
	case StatusQueued:
		if task.AckedAt == nil {
			task.AckedAt = &now
		}
	case StatusRunning:
		if task.AckedAt == nil {
			task.AckedAt = &now
		}
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		task.CompletedAt = &now
		task.DurationMs = now.Sub(task.SentAt).Milliseconds()
	}
	updated := *task
	s.mu.Unlock()

	s.saver.schedule()
	return updated, true
}

// RecordResult finalizes a task from a result payload, deriving the terminal
// status, completedAt, and durationMs.
func (s *SentTaskStore) RecordResult(taskID string, success bool, result, errMsg string) (StoredTask, bool) {
	status := StatusForResult(success, errMsg)

	s.mu.Lock()
	idx := s.indexOf(taskID)
	if idx < 0 || !StatusAdvances(s.tasks[idx].Status, status) {
		s.mu.Unlock()
		return StoredTask{}, false
	}

	now := time.Now()
	task := &s.tasks[idx]
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.CompletedAt = &now
	task.DurationMs = now.Sub(task.SentAt).Milliseconds()
	updated := *task
	s.mu.Unlock()

	s.saver.schedule()
	return updated, true
}

// Get returns the task by id.
func (s *SentTaskStore) Get(taskID string) (StoredTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOf(taskID); idx >= 0 {
		return s.tasks[idx], true
	}
	return StoredTask{}, false
}

// List returns tasks matching the filter, most recent first.
func (s *SentTaskStore) List(filter TaskFilter) []StoredTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.NodeID != "" && t.TargetNodeID != filter.NodeID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Summary counts tasks by status.
func (s *SentTaskStore) Summary() TaskSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := TaskSummary{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case StatusSent:
			sum.Sent++
		case StatusQueued:
			sum.Queued++
		case StatusRunning:
			sum.Running++
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		case StatusCancelled:
			sum.Cancelled++
		case StatusTimeout:
			sum.Timeout++
		}
	}
	return sum
}

// ClearCompleted drops terminal tasks completed before the cutoff (all
// terminal tasks when before is zero) and returns how many were removed.
func (s *SentTaskStore) ClearCompleted(before time.Time) int {
	s.mu.Lock()
	kept := s.tasks[:0]
	removed := 0
	for _, t := range s.tasks {
		drop := IsTerminal(t.Status) &&
			(before.IsZero() || (t.CompletedAt != nil && t.CompletedAt.Before(before)))
		if drop {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.tasks = kept
	s.mu.Unlock()

	if removed > 0 {
		s.saver.schedule()
	}
	return removed
}

// Flush writes any pending state synchronously.
func (s *SentTaskStore) Flush() {
	s.saver.flush()
}

// Close flushes and stops the debounce timer.
func (s *SentTaskStore) Close() {
	s.saver.close()
}

func (s *SentTaskStore) indexOf(taskID string) int {
	for i := range s.tasks {
		if s.tasks[i].TaskID == taskID {
			return i
		}
	}
	return -1
}
