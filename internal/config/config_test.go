package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riskguard/pkg/crypto"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trailing.Interval != 3*time.Second {
		t.Errorf("trailing interval = %v, want 3s", cfg.Trailing.Interval)
	}
	if cfg.Trailing.TP1ROI != 100 || cfg.Trailing.TP1Fraction != 0.40 || cfg.Trailing.GiveBack != 0.25 {
		t.Errorf("unexpected trailing defaults: %+v", cfg.Trailing)
	}
	if cfg.Engine.CloseLockTTL != 2500*time.Millisecond {
		t.Errorf("close lock ttl = %v, want 2.5s", cfg.Engine.CloseLockTTL)
	}
	if cfg.Milestone.StepROI != 50 || cfg.Milestone.MaxSteps != 8 || cfg.Milestone.TakeFraction != 0.25 {
		t.Errorf("unexpected milestone defaults: %+v", cfg.Milestone)
	}
	if cfg.Milestone.ReentryTTL != 2*time.Hour || cfg.Milestone.DustUSD != 5 || cfg.Milestone.ReclaimBps != 25 {
		t.Errorf("unexpected reentry defaults: %+v", cfg.Milestone)
	}
	if cfg.Rescue.HardCutDanger != 85 || cfg.Rescue.TimeTrimAfter != 5*time.Minute {
		t.Errorf("unexpected rescue defaults: %+v", cfg.Rescue)
	}
	if cfg.Exchange.Mode != "paper" {
		t.Errorf("exchange mode = %q, want paper", cfg.Exchange.Mode)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRAILING_INTERVAL", "5s")
	t.Setenv("RESCUE_ENABLED", "false")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", " https://panel.example.com, ,http://localhost:5173")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trailing.Interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", cfg.Trailing.Interval)
	}
	if cfg.Rescue.Enabled {
		t.Error("rescue must be disabled")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[0] != "https://panel.example.com" {
		t.Errorf("allowed origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	policy := `
trailing:
  give_back: 0.3
  interval: 4s
milestone:
  step_roi: 40
  reentry_ttl: 90m
rescue:
  escape_trim_max: 0.5
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trailing.GiveBack != 0.3 || cfg.Trailing.Interval != 4*time.Second {
		t.Errorf("trailing overlay not applied: %+v", cfg.Trailing)
	}
	// Поля, которых нет в файле, сохраняют значения по умолчанию
	if cfg.Trailing.TP1ROI != 100 {
		t.Errorf("tp1_roi = %v, want 100", cfg.Trailing.TP1ROI)
	}
	if cfg.Milestone.StepROI != 40 || cfg.Milestone.ReentryTTL != 90*time.Minute {
		t.Errorf("milestone overlay not applied: %+v", cfg.Milestone)
	}
	if cfg.Milestone.TakeFraction != 0.25 {
		t.Errorf("take_fraction = %v, want 0.25", cfg.Milestone.TakeFraction)
	}
	if cfg.Rescue.EscapeTrimMax != 0.5 {
		t.Errorf("escape_trim_max = %v, want 0.5", cfg.Rescue.EscapeTrimMax)
	}
}

func TestLoad_PolicyFileMissing(t *testing.T) {
	t.Setenv("ENGINE_POLICY_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"binance without keys", map[string]string{"EXCHANGE_MODE": "binance"}, "BINANCE_API_KEY"},
		{"unknown mode", map[string]string{"EXCHANGE_MODE": "ftx"}, "EXCHANGE_MODE"},
		{"bad port", map[string]string{"SERVER_PORT": "70000"}, "SERVER_PORT"},
		{"bad driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"bad backend", map[string]string{"STATE_BACKEND": "redis"}, "STATE_BACKEND"},
		{"timeout too long", map[string]string{"CALL_TIMEOUT": "30s"}, "CALL_TIMEOUT"},
		{"http without url", map[string]string{"MARKET_CONTEXT_SOURCE": "http"}, "MARKET_CONTEXT_URL"},
		{"plain token", map[string]string{"API_TOKEN_HASH": "secret"}, "API_TOKEN_HASH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyPolicy_InvalidYAML(t *testing.T) {
	cfg := &Config{Trailing: DefaultTrailingConfig()}
	if err := cfg.ApplyPolicy([]byte("trailing: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	if strings.Contains(pg.DSNWithoutPassword(), "password") {
		t.Error("DSNWithoutPassword leaks password")
	}
	if !strings.Contains(pg.DSN(), "password=p") {
		t.Error("DSN must contain password")
	}

	lite := DatabaseConfig{Driver: "sqlite", SQLitePath: "/tmp/x.db"}
	if lite.DSN() != "file:/tmp/x.db?_pragma=busy_timeout(5000)&_time_format=sqlite" {
		t.Errorf("sqlite DSN = %q", lite.DSN())
	}
}

func TestLoad_EncryptedExchangeSecrets(t *testing.T) {
	key := strings.Repeat("k", 32)
	sealed, err := crypto.EncryptSecret("real-secret", key)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	t.Setenv("EXCHANGE_MODE", "binance")
	t.Setenv("BINANCE_API_KEY", "plain-key")
	t.Setenv("BINANCE_SECRET_KEY", sealed)

	t.Run("without key", func(t *testing.T) {
		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
			t.Fatalf("expected ENCRYPTION_KEY error, got %v", err)
		}
	})

	t.Run("with key", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", key)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Exchange.SecretKey != "real-secret" || cfg.Exchange.APIKey != "plain-key" {
			t.Errorf("secrets not opened: %q / %q", cfg.Exchange.APIKey, cfg.Exchange.SecretKey)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", strings.Repeat("x", 32))
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "BINANCE_SECRET_KEY") {
			t.Fatalf("expected decrypt error, got %v", err)
		}
	})
}
