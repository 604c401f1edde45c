package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndHistory(t *testing.T) {
	s := NewChatStore(t.TempDir(), time.Hour)
	defer s.Close()

	first := s.AppendMessage("peer-1", RoleUser, "hello")
	s.AppendMessage("peer-1", RoleAssistant, "hi there")

	if first.ID == "" || first.Timestamp.IsZero() {
		t.Errorf("message not stamped: %+v", first)
	}

	history := s.History("peer-1", 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Role != RoleUser || history[1].Role != RoleAssistant {
		t.Errorf("order broken: %+v", history)
	}

	if got := s.History("peer-1", 1); len(got) != 1 || got[0].Content != "hi there" {
		t.Errorf("limit should keep the most recent, got %+v", got)
	}
}

func TestChatCapDropsOldest(t *testing.T) {
	s := NewChatStore(t.TempDir(), time.Hour)
	defer s.Close()

	for i := 0; i <= maxChatMessages; i++ {
		s.AppendMessage("peer-1", RoleUser, fmt.Sprintf("msg-%d", i))
	}

	history := s.History("peer-1", 0)
	if len(history) != maxChatMessages {
		t.Fatalf("expected %d messages, got %d", maxChatMessages, len(history))
	}
	if history[0].Content != "msg-1" {
		t.Errorf("oldest not dropped, first is %s", history[0].Content)
	}
	if history[len(history)-1].Content != fmt.Sprintf("msg-%d", maxChatMessages) {
		t.Errorf("newest missing, last is %s", history[len(history)-1].Content)
	}
}

func TestActiveNodesSorted(t *testing.T) {
	s := NewChatStore(t.TempDir(), time.Hour)
	defer s.Close()
	s.AppendMessage("zeta", RoleUser, "z")
	s.AppendMessage("alpha", RoleUser, "a")

	got := s.ActiveNodes()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("unexpected nodes %v", got)
	}
}

func TestClearHistoryRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewChatStore(dir, time.Hour)
	defer s.Close()
	s.AppendMessage("peer-1", RoleUser, "hello")
	s.Flush()

	path := filepath.Join(dir, "chats", "peer-1.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("flush did not write peer file: %v", err)
	}

	if !s.ClearHistory("peer-1") {
		t.Error("clear reported failure")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("peer file survived clear")
	}
	if got := s.History("peer-1", 0); len(got) != 0 {
		t.Errorf("history survived clear: %+v", got)
	}
}

func TestChatReloadPerPeer(t *testing.T) {
	dir := t.TempDir()
	s := NewChatStore(dir, time.Hour)
	s.AppendMessage("peer-1", RoleUser, "hello")
	s.AppendMessage("peer-2", RoleAssistant, "yo")
	s.Close()

	reloaded := NewChatStore(dir, time.Hour)
	defer reloaded.Close()
	if got := reloaded.History("peer-1", 0); len(got) != 1 || got[0].Content != "hello" {
		t.Errorf("peer-1 log lost: %+v", got)
	}
	if got := reloaded.History("peer-2", 0); len(got) != 1 {
		t.Errorf("peer-2 log lost: %+v", got)
	}
}

func TestCorruptPeerFileIsIsolated(t *testing.T) {
	dir := t.TempDir()
	s := NewChatStore(dir, time.Hour)
	s.AppendMessage("good", RoleUser, "fine")
	s.Close()

	if err := os.WriteFile(filepath.Join(dir, "chats", "bad.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}

	reloaded := NewChatStore(dir, time.Hour)
	defer reloaded.Close()
	if got := reloaded.History("good", 0); len(got) != 1 {
		t.Errorf("corruption of one peer poisoned another: %+v", got)
	}
	if got := reloaded.History("bad", 0); len(got) != 0 {
		t.Errorf("corrupt peer produced messages: %+v", got)
	}
}

func TestChatPathSanitizesNodeID(t *testing.T) {
	dir := t.TempDir()
	s := NewChatStore(dir, time.Hour)
	defer s.Close()

	s.AppendMessage("../../etc/passwd", RoleUser, "nope")
	s.Flush()

	entries, err := os.ReadDir(filepath.Join(dir, "chats"))
	if err != nil {
		t.Fatalf("chats dir missing: %v", err)
	}
	for _, entry := range entries {
		if filepath.Dir(filepath.Join(dir, "chats", entry.Name())) != filepath.Join(dir, "chats") {
			t.Errorf("file escaped chats dir: %s", entry.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "etc", "passwd.json")); !os.IsNotExist(err) {
		t.Error("traversal path was honored")
	}
}
