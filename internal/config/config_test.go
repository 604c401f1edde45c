package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 3 {
		t.Errorf("expected maxConcurrent 3, got %d", cfg.MaxConcurrent)
	}
	if cfg.SelfTaskMode != "local" {
		t.Errorf("expected selfTaskMode local, got %q", cfg.SelfTaskMode)
	}
	if cfg.TaskTimeoutMs != 300000 {
		t.Errorf("expected taskTimeoutMs 300000, got %d", cfg.TaskTimeoutMs)
	}
	if cfg.ReconnectInterval() != 5*time.Second {
		t.Errorf("expected 5s reconnect interval, got %v", cfg.ReconnectInterval())
	}
	if cfg.Registered() {
		t.Error("default config must not claim registration")
	}
}

func TestNormalizeClampsMaxConcurrent(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 3},
		{-4, 3},
		{1, 1},
		{10, 10},
		{11, 10},
		{500, 10},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.MaxConcurrent = tc.in
		cfg.normalize()
		if cfg.MaxConcurrent != tc.want {
			t.Errorf("maxConcurrent %d: expected clamp to %d, got %d", tc.in, tc.want, cfg.MaxConcurrent)
		}
	}
}

func TestNormalizeSelfTaskMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelfTaskMode = "HUB"
	cfg.normalize()
	if cfg.SelfTaskMode != "hub" {
		t.Errorf("expected hub, got %q", cfg.SelfTaskMode)
	}

	cfg.SelfTaskMode = "bogus"
	cfg.normalize()
	if cfg.SelfTaskMode != "local" {
		t.Errorf("expected fallback to local, got %q", cfg.SelfTaskMode)
	}
}

func TestRegistered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "node-1"
	if cfg.Registered() {
		t.Error("nodeId without token must not count as registered")
	}
	cfg.Token = "tok"
	if !cfg.Registered() {
		t.Error("nodeId plus token should count as registered")
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Errorf("expected 30s heartbeat fallback, got %v", cfg.HeartbeatInterval())
	}
	if cfg.SaveDebounce() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s debounce fallback, got %v", cfg.SaveDebounce())
	}
	if cfg.TaskTimeout() != 300*time.Second {
		t.Errorf("expected 300s task timeout fallback, got %v", cfg.TaskTimeout())
	}
}
