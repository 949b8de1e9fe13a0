package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEVICE_ID", "dev-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DeviceID != "dev-1" {
		t.Errorf("expected device id dev-1, got %q", cfg.DeviceID)
	}
	if cfg.PollWait != 25*time.Second {
		t.Errorf("expected default poll wait 25s, got %v", cfg.PollWait)
	}
	if cfg.MatchWindowBefore != 2*time.Minute || cfg.MatchWindowAfter != 15*time.Minute {
		t.Errorf("unexpected default match window: -%v/+%v", cfg.MatchWindowBefore, cfg.MatchWindowAfter)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.MaxRetries)
	}
	wantBackoff := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	if len(cfg.RetryBackoff) != len(wantBackoff) {
		t.Fatalf("expected %d backoff steps, got %d", len(wantBackoff), len(cfg.RetryBackoff))
	}
	for i, d := range wantBackoff {
		if cfg.RetryBackoff[i] != d {
			t.Errorf("backoff step %d: expected %v, got %v", i, d, cfg.RetryBackoff[i])
		}
	}
	if cfg.QueueGCHorizon != 7*24*time.Hour {
		t.Errorf("expected 7-day gc horizon, got %v", cfg.QueueGCHorizon)
	}
	if cfg.DiagAddr != "127.0.0.1:8954" {
		t.Errorf("unexpected default diag addr %q", cfg.DiagAddr)
	}
}

func TestLoadRequiresDeviceID(t *testing.T) {
	t.Setenv("DEVICE_ID", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DEVICE_ID")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEVICE_ID", "dev-2")
	t.Setenv("POLL_WAIT", "40s")
	t.Setenv("BURST_MAX_CYCLES", "5")
	t.Setenv("RETRY_BACKOFF", "1s,2s")
	t.Setenv("MATCH_WINDOW_AFTER", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollWait != 40*time.Second {
		t.Errorf("expected poll wait 40s, got %v", cfg.PollWait)
	}
	if cfg.BurstMaxCycles != 5 {
		t.Errorf("expected 5 burst cycles, got %d", cfg.BurstMaxCycles)
	}
	if len(cfg.RetryBackoff) != 2 || cfg.RetryBackoff[0] != time.Second || cfg.RetryBackoff[1] != 2*time.Second {
		t.Errorf("unexpected backoff override: %v", cfg.RetryBackoff)
	}
	if cfg.MatchWindowAfter != 10*time.Minute {
		t.Errorf("expected 10m window, got %v", cfg.MatchWindowAfter)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "POLL_WAIT", "soon"},
		{"bad int", "MAX_RETRIES", "many"},
		{"bad duration list", "RETRY_BACKOFF", "5s,nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DEVICE_ID", "dev-3")
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}
