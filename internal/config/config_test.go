package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GAS_API_BASE_URL", "https://gas.example.com")
	t.Setenv("GAS_USER_CODE", "110001")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/gas")
	t.Setenv("RABBITMQ_URL", "amqp://localhost")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Account.RegionCode != 530100 {
		t.Errorf("default region code %d, want 530100", cfg.Account.RegionCode)
	}
	if cfg.PollInterval() != 360*time.Minute {
		t.Errorf("default poll interval %v, want 6h", cfg.PollInterval())
	}
	if cfg.QRTTL() != 5*time.Minute {
		t.Errorf("default qr ttl %v, want 5m", cfg.QRTTL())
	}
	if cfg.API.RetryMaxAttempts != 3 {
		t.Errorf("default retry attempts %d, want 3", cfg.API.RetryMaxAttempts)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("GAS_API_BASE_URL", "")

	if _, err := Load(); err == nil {
		t.Error("expected error when GAS_API_BASE_URL is missing")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("GAS_CID", "650100")
	t.Setenv("POLL_INTERVAL_MINUTES", "60")
	t.Setenv("ANOMALY_SPIKE_THRESHOLD", "5.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Account.RegionCode != 650100 {
		t.Errorf("region code %d, want 650100", cfg.Account.RegionCode)
	}
	if cfg.PollInterval() != time.Hour {
		t.Errorf("poll interval %v, want 1h", cfg.PollInterval())
	}
	if cfg.Anomaly.SpikeThreshold != 5.5 {
		t.Errorf("spike threshold %g, want 5.5", cfg.Anomaly.SpikeThreshold)
	}
}

func TestLoad_BadIntFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL_MINUTES", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Poll.IntervalMinutes != 360 {
		t.Errorf("bad int must fall back to default, got %d", cfg.Poll.IntervalMinutes)
	}
}
