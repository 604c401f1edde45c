package cli

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/clusterhub/internal/config"
)

func TestRunNodeRequiresRegistration(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("OPENCLAW_HOME", tmp)

	cmd, _ := newTestCmd()
	err := runNode(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected registration error, got %v", err)
	}
}

func TestRunNodeShutsDownOnSignal(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("OPENCLAW_HOME", tmp)

	cfg := config.DefaultConfig()
	cfg.NodeID = "n-1"
	cfg.NodeName = "tester"
	cfg.Token = "tok"
	cfg.HubURL = "http://127.0.0.1:1" // nothing listening; reconnect keeps retrying
	cfg.Archive.Enabled = false
	if err := config.Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	origSignals := runSignals
	defer func() { runSignals = origSignals }()
	sigCh := make(chan os.Signal, 1)
	runSignals = func() <-chan os.Signal { return sigCh }

	done := make(chan error, 1)
	cmd, out := newTestCmd()
	go func() { done <- runNode(cmd, nil) }()

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on signal")
	}
	if !strings.Contains(out.String(), "Shutting down") {
		t.Errorf("shutdown message missing: %q", out.String())
	}
}
