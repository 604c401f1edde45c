package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/clusterhub/internal/bridge"
	"github.com/openclaw/clusterhub/internal/store"
)

// fakeDispatcher hands out runs whose completion the test controls.
type fakeDispatcher struct {
	mu          sync.Mutex
	dispatchErr error
	waits       map[string]chan bridge.TaskResult
	deleted     []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{waits: make(map[string]chan bridge.TaskResult)}
}

func (d *fakeDispatcher) DispatchTask(ctx context.Context, taskID, instruction string) (bridge.Dispatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return bridge.Dispatch{}, d.dispatchErr
	}
	runID := "run-" + taskID
	d.waits[runID] = make(chan bridge.TaskResult, 1)
	return bridge.Dispatch{RunID: runID, SessionKey: bridge.TaskSessionKey(taskID)}, nil
}

func (d *fakeDispatcher) WaitAndCollect(ctx context.Context, runID, sessionKey string, timeoutMs int) bridge.TaskResult {
	d.mu.Lock()
	ch := d.waits[runID]
	d.mu.Unlock()
	if ch == nil {
		return bridge.TaskResult{Success: false, Error: "unknown run"}
	}
	return <-ch
}

func (d *fakeDispatcher) DeleteSession(sessionKey string) {
	d.mu.Lock()
	d.deleted = append(d.deleted, sessionKey)
	// Deleting the session aborts the pending wait.
	for runID, ch := range d.waits {
		if bridge.TaskSessionKey(strings.TrimPrefix(runID, "run-")) == sessionKey {
			select {
			case ch <- bridge.TaskResult{Success: false, Error: "session deleted"}:
			default:
			}
		}
	}
	d.mu.Unlock()
}

func (d *fakeDispatcher) complete(taskID string, result bridge.TaskResult) {
	d.mu.Lock()
	ch := d.waits["run-"+taskID]
	d.mu.Unlock()
	ch <- result
}

type sentFrame struct {
	Kind     string // "ack" or "result"
	TaskID   string
	To       string
	Status   string
	Position int
	Success  bool
	Error    string
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *fakeSender) SendAck(taskID, toNodeID, status string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{Kind: "ack", TaskID: taskID, To: toNodeID, Status: status, Position: position})
	return nil
}

func (s *fakeSender) SendResult(taskID, toNodeID string, success bool, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{Kind: "result", TaskID: taskID, To: toNodeID, Success: success, Error: errMsg})
	return nil
}

func (s *fakeSender) byKind(kind string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentFrame
	for _, f := range s.frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSender) acksFor(taskID, status string) int {
	n := 0
	for _, f := range s.byKind("ack") {
		if f.TaskID == taskID && f.Status == status {
			n++
		}
	}
	return n
}

func newTestQueue(t *testing.T, maxConcurrent int) (*Queue, *fakeDispatcher, *fakeSender, *store.ReceivedTaskStore) {
	t.Helper()
	received := store.NewReceivedTaskStore(t.TempDir(), time.Hour)
	t.Cleanup(received.Close)
	d := newFakeDispatcher()
	s := &fakeSender{}
	q := New(d, s, received, maxConcurrent, 0, nil)
	return q, d, s, received
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClampMaxConcurrent(t *testing.T) {
	for _, tc := range []struct{ in, want int }{{0, 1}, {-3, 1}, {3, 3}, {10, 10}, {99, 10}} {
		q, _, _, _ := newTestQueue(t, tc.in)
		if got := q.MaxConcurrent(); got != tc.want {
			t.Errorf("maxConcurrent(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestEnqueueAndComplete(t *testing.T) {
	q, d, s, received := newTestQueue(t, 1)

	q.Enqueue("t1", "peer", "ls", "normal")
	waitUntil(t, "t1 running ack", func() bool { return s.acksFor("t1", "running") == 1 })

	d.complete("t1", bridge.TaskResult{Success: true, Result: "ok-1"})
	waitUntil(t, "t1 result", func() bool {
		for _, f := range s.byKind("result") {
			if f.TaskID == "t1" && f.Success {
				return true
			}
		}
		return false
	})

	rec, ok := received.Get("t1")
	if !ok || rec.Status != store.StatusCompleted || rec.Result != "ok-1" {
		t.Fatalf("stored t1 = %+v ok=%v", rec, ok)
	}
	if rec.CompletedAt == nil || rec.StartedAt == nil {
		t.Error("t1 missing timestamps")
	}
}

func TestQueuedWhenDispatchSlotsBusy(t *testing.T) {
	q, d, s, _ := newTestQueue(t, 1)

	// Make dispatch hang by failing the slot release: use a dispatcher whose
	// DispatchTask blocks.
	block := make(chan struct{})
	d.mu.Lock()
	d.dispatchErr = nil
	d.mu.Unlock()
	blocking := &blockingDispatcher{inner: d, gate: block}
	q.dispatcher = blocking

	q.Enqueue("t1", "peer", "sleep", "normal")
	waitUntil(t, "t1 in dispatch", func() bool { return q.Status().Dispatching == 1 })

	q.Enqueue("t2", "peer", "echo", "normal")
	waitUntil(t, "t2 queued ack", func() bool { return s.acksFor("t2", "queued") == 1 })

	acks := s.byKind("ack")
	var queuedAck sentFrame
	for _, f := range acks {
		if f.TaskID == "t2" && f.Status == "queued" {
			queuedAck = f
		}
	}
	if queuedAck.Position != 1 {
		t.Errorf("t2 queue position = %d, want 1", queuedAck.Position)
	}
	if st := q.Status(); st.Queued != 1 || st.Dispatching != 1 {
		t.Errorf("status = %+v", st)
	}

	// Dispatch release: t1 moves inflight, slot frees, t2 starts.
	close(block)
	waitUntil(t, "t2 running", func() bool { return s.acksFor("t2", "running") == 1 })

	// Both tasks terminal, t1 before t2.
	d.complete("t1", bridge.TaskResult{Success: true, Result: "one"})
	waitUntil(t, "t1 result", func() bool { return len(s.byKind("result")) >= 1 })
	d.complete("t2", bridge.TaskResult{Success: true, Result: "two"})
	waitUntil(t, "t2 result", func() bool { return len(s.byKind("result")) >= 2 })

	results := s.byKind("result")
	if results[0].TaskID != "t1" || results[1].TaskID != "t2" {
		t.Errorf("result order = %s, %s", results[0].TaskID, results[1].TaskID)
	}
}

// blockingDispatcher holds DispatchTask until the gate opens.
type blockingDispatcher struct {
	inner *fakeDispatcher
	gate  chan struct{}
}

func (b *blockingDispatcher) DispatchTask(ctx context.Context, taskID, instruction string) (bridge.Dispatch, error) {
	<-b.gate
	return b.inner.DispatchTask(ctx, taskID, instruction)
}

func (b *blockingDispatcher) WaitAndCollect(ctx context.Context, runID, sessionKey string, timeoutMs int) bridge.TaskResult {
	return b.inner.WaitAndCollect(ctx, runID, sessionKey, timeoutMs)
}

func (b *blockingDispatcher) DeleteSession(sessionKey string) {
	b.inner.DeleteSession(sessionKey)
}

func TestDispatchReleasesSlotBeforeCompletion(t *testing.T) {
	q, d, s, _ := newTestQueue(t, 1)

	q.Enqueue("t1", "peer", "long job", "normal")
	waitUntil(t, "t1 inflight", func() bool { return q.Status().Inflight == 1 })

	// t1 still running; t2 must start anyway.
	q.Enqueue("t2", "peer", "quick job", "normal")
	waitUntil(t, "t2 running before t1 done", func() bool { return s.acksFor("t2", "running") == 1 })

	if got := len(s.byKind("result")); got != 0 {
		t.Fatalf("results before any completion = %d", got)
	}
	d.complete("t2", bridge.TaskResult{Success: true})
	d.complete("t1", bridge.TaskResult{Success: true})
	waitUntil(t, "both results", func() bool { return len(s.byKind("result")) == 2 })
}

func TestCancelWhileQueued(t *testing.T) {
	q, d, s, received := newTestQueue(t, 1)
	block := make(chan struct{})
	q.dispatcher = &blockingDispatcher{inner: d, gate: block}

	q.Enqueue("t1", "peer", "sleep", "normal")
	waitUntil(t, "t1 dispatching", func() bool { return q.Status().Dispatching == 1 })
	q.Enqueue("t2", "peer", "echo", "normal")
	waitUntil(t, "t2 queued", func() bool { return q.Status().Queued == 1 })

	if !q.Cancel("t2") {
		t.Fatal("cancel queued task returned false")
	}

	results := s.byKind("result")
	if len(results) != 1 || results[0].TaskID != "t2" || results[0].Success || results[0].Error != "cancelled" {
		t.Fatalf("cancel results = %+v", results)
	}
	if s.acksFor("t2", "running") != 0 {
		t.Error("cancelled-from-queue task got a running ack")
	}
	rec, _ := received.Get("t2")
	if rec.Status != store.StatusCancelled {
		t.Errorf("stored t2 status = %q", rec.Status)
	}

	close(block)
	waitUntil(t, "t1 running", func() bool { return s.acksFor("t1", "running") == 1 })
	d.complete("t1", bridge.TaskResult{Success: true})
	waitUntil(t, "t1 result", func() bool { return len(s.byKind("result")) == 2 })
}

func TestCancelInflightDeletesSessionAndRemaps(t *testing.T) {
	q, d, s, received := newTestQueue(t, 1)

	q.Enqueue("t1", "peer", "long", "normal")
	waitUntil(t, "t1 inflight", func() bool { return q.Status().Inflight == 1 })

	if !q.Cancel("t1") {
		t.Fatal("cancel inflight task returned false")
	}
	waitUntil(t, "t1 result", func() bool { return len(s.byKind("result")) == 1 })

	d.mu.Lock()
	deleted := append([]string(nil), d.deleted...)
	d.mu.Unlock()
	if len(deleted) == 0 || deleted[0] != bridge.TaskSessionKey("t1") {
		t.Errorf("deleted sessions = %v", deleted)
	}

	rec, _ := received.Get("t1")
	if rec.Status != store.StatusCancelled {
		t.Errorf("inflight cancel status = %q, want cancelled", rec.Status)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	q, _, _, _ := newTestQueue(t, 1)
	if q.Cancel("nope") {
		t.Error("cancel of unknown task returned true")
	}
}

func TestDispatchFailureFinalizesTask(t *testing.T) {
	q, d, s, received := newTestQueue(t, 2)
	d.mu.Lock()
	d.dispatchErr = errors.New("gateway unreachable")
	d.mu.Unlock()

	q.Enqueue("t1", "peer", "ls", "normal")
	waitUntil(t, "failure result", func() bool { return len(s.byKind("result")) == 1 })

	res := s.byKind("result")[0]
	if res.Success || !strings.Contains(res.Error, "gateway unreachable") {
		t.Errorf("result = %+v", res)
	}
	rec, _ := received.Get("t1")
	if rec.Status != store.StatusFailed {
		t.Errorf("status = %q", rec.Status)
	}
	if st := q.Status(); st.Running != 0 || st.Failed != 1 {
		t.Errorf("status after failure = %+v", st)
	}

	// The slot must be free again.
	d.mu.Lock()
	d.dispatchErr = nil
	d.mu.Unlock()
	q.Enqueue("t2", "peer", "echo", "normal")
	waitUntil(t, "t2 running", func() bool { return s.acksFor("t2", "running") == 1 })
}

func TestStatusSnapshotShape(t *testing.T) {
	q, d, s, _ := newTestQueue(t, 2)

	long := strings.Repeat("x", 150)
	q.Enqueue("t1", "peer", long, "high")
	waitUntil(t, "t1 inflight", func() bool { return q.Status().Inflight == 1 })

	st := q.Status()
	if st.MaxConcurrent != 2 || st.Running != 1 {
		t.Errorf("snapshot = %+v", st)
	}
	if len(st.RunningTasks) != 1 {
		t.Fatalf("runningTasks = %d", len(st.RunningTasks))
	}
	if got := len([]rune(st.RunningTasks[0].Instruction)); got != 100 {
		t.Errorf("instruction clipped to %d runes, want 100", got)
	}

	d.complete("t1", bridge.TaskResult{Success: true, Result: "ok"})
	waitUntil(t, "completed", func() bool { return q.Status().Completed == 1 })

	st = q.Status()
	if len(st.RecentCompleted) != 1 || st.RecentCompleted[0].Status != store.StatusCompleted {
		t.Errorf("recentCompleted = %+v", st.RecentCompleted)
	}
	_ = s
}

func TestCompletedRingCap(t *testing.T) {
	q, d, _, _ := newTestQueue(t, 10)

	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("t%02d", i)
		q.Enqueue(id, "peer", "noop", "normal")
		waitUntil(t, id+" inflight", func() bool {
			d.mu.Lock()
			_, ok := d.waits["run-"+id]
			d.mu.Unlock()
			return ok
		})
		d.complete(id, bridge.TaskResult{Success: true})
		waitUntil(t, id+" done", func() bool { return q.Status().Running == 0 })
	}

	st := q.Status()
	if st.Completed != completedRingCap {
		t.Errorf("completed ring = %d, want %d", st.Completed, completedRingCap)
	}
	if len(st.RecentCompleted) != snapshotPreview {
		t.Errorf("recentCompleted = %d, want %d", len(st.RecentCompleted), snapshotPreview)
	}
	if st.RecentCompleted[0].TaskID != "t59" {
		t.Errorf("most recent completed = %s, want t59", st.RecentCompleted[0].TaskID)
	}
}
