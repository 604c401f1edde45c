package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/clusterhub/internal/coordinator"
	"github.com/openclaw/clusterhub/internal/store"
)

func TestRunTaskSend(t *testing.T) {
	fake := withFakeInvoker(t, store.StoredTask{TaskID: "t-1", TargetNodeID: "peer"}, nil)
	origJSON := taskJSON
	defer func() { taskJSON = origJSON }()
	taskJSON = false

	cmd, out := newTestCmd()
	if err := runTaskSend(cmd, []string{"peer", "update", "the", "docs"}); err != nil {
		t.Fatalf("task send: %v", err)
	}
	if fake.lastVerb() != "task.send" {
		t.Fatalf("verb %q", fake.lastVerb())
	}
	if !fake.connected {
		t.Error("task send must request a hub connection")
	}

	var p coordinator.TaskSendParams
	if err := json.Unmarshal(fake.lastParams(), &p); err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.NodeID != "peer" || p.Instruction != "update the docs" {
		t.Fatalf("unexpected params: %+v", p)
	}
	if !strings.Contains(out.String(), "t-1") {
		t.Errorf("output missing task id: %q", out.String())
	}
}

func TestRunTaskSendErrorSurfaces(t *testing.T) {
	withFakeInvoker(t, nil, errors.New("hub unreachable"))

	cmd, _ := newTestCmd()
	err := runTaskSend(cmd, []string{"peer", "x"})
	if err == nil || !strings.Contains(err.Error(), "hub unreachable") {
		t.Fatalf("expected invoke error, got %v", err)
	}
}

func TestRunTaskListRendersRows(t *testing.T) {
	tasks := []store.StoredTask{
		{TaskID: "t-1", TargetNodeName: "worker", Status: store.StatusCompleted, SentAt: time.Now(), Instruction: "short"},
		{TaskID: "t-2", TargetNodeID: "n-2", Status: store.StatusRunning, SentAt: time.Now(), Instruction: strings.Repeat("x", 200)},
	}
	fake := withFakeInvoker(t, tasks, nil)
	origJSON := taskJSON
	defer func() { taskJSON = origJSON }()
	taskJSON = false

	cmd, out := newTestCmd()
	if err := runTaskList(cmd, nil); err != nil {
		t.Fatalf("task list: %v", err)
	}
	if fake.connected {
		t.Error("task list must not dial the hub")
	}
	text := out.String()
	if !strings.Contains(text, "t-1") || !strings.Contains(text, "t-2") {
		t.Fatalf("rows missing: %q", text)
	}
	if strings.Contains(text, strings.Repeat("x", 200)) {
		t.Error("long instruction not truncated")
	}
}

func TestRunTaskGetUnknown(t *testing.T) {
	withFakeInvoker(t, nil, errors.New("task missing not found"))

	cmd, _ := newTestCmd()
	if err := runTaskGet(cmd, []string{"missing"}); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRunTaskCancel(t *testing.T) {
	fake := withFakeInvoker(t, map[string]any{"cancelled": true}, nil)

	cmd, out := newTestCmd()
	if err := runTaskCancel(cmd, []string{"t-9"}); err != nil {
		t.Fatalf("task cancel: %v", err)
	}
	if fake.lastVerb() != "task.cancel" {
		t.Fatalf("verb %q", fake.lastVerb())
	}
	if !strings.Contains(out.String(), "t-9") {
		t.Errorf("output missing task id: %q", out.String())
	}
}

func TestRunTaskBatch(t *testing.T) {
	fake := withFakeInvoker(t, []coordinator.BatchResult{
		{NodeID: "a", TaskID: "t-1"},
		{NodeID: "b", Error: "nodeId and instruction are required"},
	}, nil)
	origJSON := taskJSON
	defer func() { taskJSON = origJSON }()
	taskJSON = false

	path := filepath.Join(t.TempDir(), "batch.json")
	content := `[{"nodeId":"a","instruction":"one"},{"nodeId":"b","instruction":""}]`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cmd, out := newTestCmd()
	if err := runTaskBatch(cmd, []string{path}); err != nil {
		t.Fatalf("task batch: %v", err)
	}
	if fake.lastVerb() != "task.batch" {
		t.Fatalf("verb %q", fake.lastVerb())
	}
	if !strings.Contains(out.String(), "1 sent, 1 failed") {
		t.Errorf("summary missing: %q", out.String())
	}
}

func TestRunTaskBatchBadFile(t *testing.T) {
	withFakeInvoker(t, nil, nil)

	cmd, _ := newTestCmd()
	if err := runTaskBatch(cmd, []string{filepath.Join(t.TempDir(), "absent.json")}); err == nil {
		t.Fatal("expected read error")
	}

	path := filepath.Join(t.TempDir(), "empty.json")
	os.WriteFile(path, []byte(`[]`), 0600)
	if err := runTaskBatch(cmd, []string{path}); err == nil {
		t.Fatal("expected empty-batch error")
	}
}
