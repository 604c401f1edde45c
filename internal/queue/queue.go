// Package queue runs inbound tasks against the local agent with a two-phase
// concurrency model: dispatch slots are bounded so agent spin-up is
// throttled, while inflight waits are unbounded. A task frees its slot as
// soon as the submit round-trip returns, well before the run completes.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/clusterhub/internal/bridge"
	"github.com/openclaw/clusterhub/internal/store"
)

const (
	minConcurrent    = 1
	maxConcurrentCap = 10
	completedRingCap = 50
	snapshotPreview  = 10
	instructionClip  = 100
)

// Dispatcher submits tasks to the local agent. Satisfied by *bridge.Client.
type Dispatcher interface {
	DispatchTask(ctx context.Context, taskID, instruction string) (bridge.Dispatch, error)
	WaitAndCollect(ctx context.Context, runID, sessionKey string, timeoutMs int) bridge.TaskResult
	DeleteSession(sessionKey string)
}

// Sender delivers ack and result frames back to the originating node.
// Satisfied by *hub.Client.
type Sender interface {
	SendAck(taskID, toNodeID, status string, position int) error
	SendResult(taskID, toNodeID string, success bool, result, errMsg string) error
}

// task is the in-memory state of one inbound task.
type task struct {
	TaskID      string
	FromNodeID  string
	Instruction string
	Priority    string
	Status      string
	ReceivedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	SessionKey  string
	RunID       string
	Result      string
	Error       string
}

// Queue owns the waiting line, the dispatching pool and the inflight pool.
type Queue struct {
	dispatcher Dispatcher
	sender     Sender
	received   *store.ReceivedTaskStore
	logger     *slog.Logger
	timeoutMs  int

	// OnUpdate, when set, observes every task state change.
	OnUpdate func(store.ReceivedTask)

	mu          sync.Mutex
	sem         *semaphore
	waiting     []*task
	dispatching map[string]*task
	inflight    map[string]*task
	completed   []*task
}

// New creates a queue. maxConcurrent is clamped to [1, 10]; timeoutMs of 0
// falls back to the bridge default.
func New(dispatcher Dispatcher, sender Sender, received *store.ReceivedTaskStore, maxConcurrent, timeoutMs int, logger *slog.Logger) *Queue {
	if maxConcurrent < minConcurrent {
		maxConcurrent = minConcurrent
	}
	if maxConcurrent > maxConcurrentCap {
		maxConcurrent = maxConcurrentCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		dispatcher:  dispatcher,
		sender:      sender,
		received:    received,
		logger:      logger,
		timeoutMs:   timeoutMs,
		sem:         newSemaphore(maxConcurrent),
		dispatching: make(map[string]*task),
		inflight:    make(map[string]*task),
	}
}

// MaxConcurrent returns the clamped dispatch-slot bound.
func (q *Queue) MaxConcurrent() int {
	return q.sem.capacity()
}

// Running returns the number of tasks dispatching or inflight. Feeds the
// heartbeat activeTasks field.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dispatching) + len(q.inflight)
}

// Enqueue accepts one inbound task. With a free dispatch slot the task
// starts immediately; otherwise it joins the FIFO line and the sender is
// acked with its queue position. Priority is recorded but does not reorder
// the line.
func (q *Queue) Enqueue(taskID, fromNodeID, instruction, priority string) {
	t := &task{
		TaskID:      taskID,
		FromNodeID:  fromNodeID,
		Instruction: instruction,
		Priority:    priority,
		Status:      store.StatusQueued,
		ReceivedAt:  time.Now(),
	}
	rec := q.received.Record(taskID, fromNodeID, instruction, priority)
	q.notify(rec)

	q.mu.Lock()
	if q.sem.tryAcquire() {
		q.dispatching[t.TaskID] = t
		q.mu.Unlock()
		go q.run(t)
		return
	}
	q.waiting = append(q.waiting, t)
	position := len(q.waiting)
	q.mu.Unlock()

	q.logger.Info("Task queued", "taskId", taskID, "from", fromNodeID, "position", position)
	if err := q.sender.SendAck(taskID, fromNodeID, store.StatusQueued, position); err != nil {
		q.logger.Warn("queued ack not delivered", "taskId", taskID, "error", err)
	}
}

// run drives one task through dispatch, wait and finalization. The caller
// must already hold a dispatch slot and have placed t in the dispatching
// pool.
func (q *Queue) run(t *task) {
	now := time.Now()
	t.Status = store.StatusRunning
	t.StartedAt = now
	if rec, ok := q.received.Update(t.TaskID, store.ReceivedTaskUpdate{
		Status:    store.StatusRunning,
		StartedAt: &now,
	}); ok {
		q.notify(rec)
	}
	q.logger.Info("Task started", "taskId", t.TaskID, "from", t.FromNodeID)
	if err := q.sender.SendAck(t.TaskID, t.FromNodeID, store.StatusRunning, 0); err != nil {
		q.logger.Warn("running ack not delivered", "taskId", t.TaskID, "error", err)
	}

	dispatch, err := q.dispatcher.DispatchTask(context.Background(), t.TaskID, t.Instruction)
	if err != nil {
		q.mu.Lock()
		delete(q.dispatching, t.TaskID)
		q.sem.release()
		q.mu.Unlock()
		q.logger.Warn("Task dispatch failed", "taskId", t.TaskID, "error", err)
		q.finalize(t, bridge.TaskResult{Success: false, Error: err.Error()})
		q.dequeue()
		return
	}

	// Slot freed here: the run is inflight, the next waiting task may start.
	q.mu.Lock()
	delete(q.dispatching, t.TaskID)
	t.RunID = dispatch.RunID
	t.SessionKey = dispatch.SessionKey
	q.inflight[t.TaskID] = t
	q.sem.release()
	q.mu.Unlock()

	if rec, ok := q.received.Update(t.TaskID, store.ReceivedTaskUpdate{SessionKey: dispatch.SessionKey}); ok {
		q.notify(rec)
	}
	q.dequeue()

	result := q.dispatcher.WaitAndCollect(context.Background(), dispatch.RunID, dispatch.SessionKey, q.timeoutMs)

	q.mu.Lock()
	delete(q.inflight, t.TaskID)
	q.mu.Unlock()

	q.finalize(t, result)
	if t.SessionKey != "" {
		go q.dispatcher.DeleteSession(t.SessionKey)
	}
	q.dequeue()
}

// finalize records the terminal state, pushes the task onto the completed
// ring and sends exactly one result frame to the originator.
func (q *Queue) finalize(t *task, result bridge.TaskResult) {
	status := store.StatusForResult(result.Success, result.Error)
	// The received-task log has no timeout state; collapse it to failed.
	if status == store.StatusTimeout {
		status = store.StatusFailed
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = now
	t.Result = result.Result
	t.Error = result.Error

	if rec, ok := q.received.Update(t.TaskID, store.ReceivedTaskUpdate{
		Status:      status,
		CompletedAt: &now,
		Result:      result.Result,
		Error:       result.Error,
	}); ok {
		q.notify(rec)
	}

	q.mu.Lock()
	q.completed = append([]*task{t}, q.completed...)
	if len(q.completed) > completedRingCap {
		q.completed = q.completed[:completedRingCap]
	}
	q.mu.Unlock()

	q.logger.Info("Task finished", "taskId", t.TaskID, "status", status)
	if err := q.sender.SendResult(t.TaskID, t.FromNodeID, result.Success, result.Result, result.Error); err != nil {
		q.logger.Warn("result not delivered", "taskId", t.TaskID, "error", err)
	}
}

// dequeue starts the head of the waiting line if a slot is free.
func (q *Queue) dequeue() {
	q.mu.Lock()
	if len(q.waiting) == 0 || !q.sem.tryAcquire() {
		q.mu.Unlock()
		return
	}
	t := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.dispatching[t.TaskID] = t
	q.mu.Unlock()
	go q.run(t)
}

// Cancel attempts to stop a task. A task still waiting is removed and a
// synthesized cancelled result goes to the originator. A dispatching or
// inflight task with a session is cancelled cooperatively by deleting the
// agent session; the pending wait surfaces the error and finalization runs
// through the normal path. Returns false when the task is not active.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	for i, t := range q.waiting {
		if t.TaskID != taskID {
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		now := time.Now()
		t.Status = store.StatusCancelled
		t.CompletedAt = now
		t.Error = "cancelled"
		q.completed = append([]*task{t}, q.completed...)
		if len(q.completed) > completedRingCap {
			q.completed = q.completed[:completedRingCap]
		}
		q.mu.Unlock()

		if rec, ok := q.received.Update(taskID, store.ReceivedTaskUpdate{
			Status:      store.StatusCancelled,
			CompletedAt: &now,
			Error:       "cancelled",
		}); ok {
			q.notify(rec)
		}
		q.logger.Info("Task cancelled while queued", "taskId", taskID)
		if err := q.sender.SendResult(taskID, t.FromNodeID, false, "", "cancelled"); err != nil {
			q.logger.Warn("cancel result not delivered", "taskId", taskID, "error", err)
		}
		return true
	}

	t := q.dispatching[taskID]
	if t == nil {
		t = q.inflight[taskID]
	}
	sessionKey := ""
	if t != nil {
		sessionKey = t.SessionKey
		if sessionKey == "" {
			// Still dispatching: the session key is deterministic per task,
			// so the delete lands once the submit completes.
			sessionKey = bridge.TaskSessionKey(taskID)
		}
	}
	q.mu.Unlock()

	if t == nil {
		return false
	}
	if sessionKey != "" {
		q.logger.Info("Cancelling running task", "taskId", taskID, "sessionKey", sessionKey)
		go q.dispatcher.DeleteSession(sessionKey)
	}
	return true
}

// TaskSnapshot is one abbreviated entry of a status snapshot.
type TaskSnapshot struct {
	TaskID      string    `json:"taskId"`
	Instruction string    `json:"instruction"`
	Priority    string    `json:"priority,omitempty"`
	Status      string    `json:"status,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// StatusSnapshot is the queue census returned by Status.
type StatusSnapshot struct {
	MaxConcurrent   int            `json:"maxConcurrent"`
	Queued          int            `json:"queued"`
	Dispatching     int            `json:"dispatching"`
	Inflight        int            `json:"inflight"`
	Running         int            `json:"running"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	QueuedTasks     []TaskSnapshot `json:"queuedTasks"`
	RunningTasks    []TaskSnapshot `json:"runningTasks"`
	RecentCompleted []TaskSnapshot `json:"recentCompleted"`
}

// Status returns a point-in-time census of all pools.
func (q *Queue) Status() StatusSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := StatusSnapshot{
		MaxConcurrent: q.sem.capacity(),
		Queued:        len(q.waiting),
		Dispatching:   len(q.dispatching),
		Inflight:      len(q.inflight),
		Running:       len(q.dispatching) + len(q.inflight),
		QueuedTasks:   make([]TaskSnapshot, 0, len(q.waiting)),
		RunningTasks:  make([]TaskSnapshot, 0, len(q.dispatching)+len(q.inflight)),
	}
	for _, t := range q.completed {
		switch t.Status {
		case store.StatusCompleted:
			snap.Completed++
		case store.StatusFailed:
			snap.Failed++
		}
	}
	for _, t := range q.waiting {
		snap.QueuedTasks = append(snap.QueuedTasks, TaskSnapshot{
			TaskID:      t.TaskID,
			Instruction: clip(t.Instruction),
			Priority:    t.Priority,
			ReceivedAt:  t.ReceivedAt,
		})
	}
	appendRunning := func(pool map[string]*task) {
		for _, t := range pool {
			snap.RunningTasks = append(snap.RunningTasks, TaskSnapshot{
				TaskID:      t.TaskID,
				Instruction: clip(t.Instruction),
				StartedAt:   t.StartedAt,
			})
		}
	}
	appendRunning(q.dispatching)
	appendRunning(q.inflight)

	recent := q.completed
	if len(recent) > snapshotPreview {
		recent = recent[:snapshotPreview]
	}
	snap.RecentCompleted = make([]TaskSnapshot, 0, len(recent))
	for _, t := range recent {
		snap.RecentCompleted = append(snap.RecentCompleted, TaskSnapshot{
			TaskID:      t.TaskID,
			Instruction: clip(t.Instruction),
			Status:      t.Status,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
			Error:       t.Error,
		})
	}
	return snap
}

func (q *Queue) notify(rec store.ReceivedTask) {
	if q.OnUpdate != nil {
		q.OnUpdate(rec)
	}
}

func clip(instruction string) string {
	runes := []rune(instruction)
	if len(runes) <= instructionClip {
		return instruction
	}
	return string(runes[:instructionClip])
}
