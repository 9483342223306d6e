package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BROKER", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker != "paper" || cfg.DefaultExitTime != "15:15" || cfg.MaxExitAttempts != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retention != 30*24*time.Hour {
		t.Errorf("unexpected retention %v", cfg.Retention)
	}
	if cfg.ConfirmNotFoundGrace != 30*time.Second {
		t.Errorf("unexpected not-found grace %v", cfg.ConfirmNotFoundGrace)
	}
}

func TestLoad_ParsesDurationsWithDays(t *testing.T) {
	t.Setenv("RETENTION", "7d")
	t.Setenv("CONFIRM_TIMEOUT", "90s")
	t.Setenv("CONFIRM_BACKOFF_MULTIPLIER", "1.5")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retention != 7*24*time.Hour || cfg.ConfirmTimeout != 90*time.Second || cfg.ConfirmBackoffMultiplier != 1.5 {
		t.Errorf("unexpected values: %v %v %v", cfg.Retention, cfg.ConfirmTimeout, cfg.ConfirmBackoffMultiplier)
	}
}

func TestLoad_AngelRequiresCredentials(t *testing.T) {
	t.Setenv("BROKER", "angel")
	t.Setenv("ANGEL_API_KEY", "k")
	t.Setenv("ANGEL_CLIENT_CODE", "")
	t.Setenv("ANGEL_PASSWORD", "")
	t.Setenv("ANGEL_TOTP_SECRET", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ANGEL_TOTP_SECRET") {
		t.Fatalf("expected missing credential error, got %v", err)
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	t.Setenv("SQUAREOFF_MAX_ATTEMPTS", "three")
	t.Setenv("CONFIRM_MAX_INTERVAL", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"SQUAREOFF_MAX_ATTEMPTS", "CONFIRM_MAX_INTERVAL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected %s in %v", key, err)
		}
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("ADMIN_ADDR=:7000\nSQUAREOFF_TEST_ONLY=from-file\n"), 0o600)
	t.Setenv("ADMIN_ADDR", ":8081")
	t.Cleanup(func() { os.Unsetenv("SQUAREOFF_TEST_ONLY") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("ADMIN_ADDR") != ":8081" {
		t.Error("env file must not override existing vars")
	}
	if os.Getenv("SQUAREOFF_TEST_ONLY") != "from-file" {
		t.Error("expected var loaded from file")
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}
