package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("missing config file must not be an error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Server.Port)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatal("rate limiting should default to enabled")
	}
	if cfg.RateLimit.GeneralFailOpen != true || cfg.RateLimit.GenerationFailOpen != false {
		t.Fatal("general traffic defaults to fail-open, generation to fail-closed")
	}

	free := cfg.TierFor("free")
	if free.RequestsPerMinute != 10 || free.DailyQuota != 10 {
		t.Fatalf("free tier = %+v, want 10 rpm and 10/day", free)
	}
	if cfg.LLM.BucketCapacity != 20 || cfg.LLM.RefillRate != 2 {
		t.Fatalf("llm defaults = %+v", cfg.LLM)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"server": {"port": "9090"},
		"rate_limit": {"enabled": true, "general_per_minute": 120, "generation_per_minute": 10, "general_fail_open": true},
		"tiers": {
			"free": {"requests_per_minute": 5, "requests_per_hour": 50, "daily_quota": 3, "monthly_quota": 30}
		}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Fatalf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.RateLimit.GeneralPerMinute != 120 {
		t.Fatalf("general per minute = %d, want 120", cfg.RateLimit.GeneralPerMinute)
	}
	if got := cfg.TierFor("free").DailyQuota; got != 3 {
		t.Fatalf("free daily quota = %d, want 3", got)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must fail loudly, not fall back to defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("RATE_LIMIT_GENERAL", "45")
	t.Setenv("LLM_REFILL_RATE", "3.5")
	t.Setenv("QUOTA_ENABLED", "false")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Fatalf("port = %q, want 7070", cfg.Server.Port)
	}
	if cfg.RateLimit.GeneralPerMinute != 45 {
		t.Fatalf("general per minute = %d, want 45", cfg.RateLimit.GeneralPerMinute)
	}
	if cfg.LLM.RefillRate != 3.5 {
		t.Fatalf("refill rate = %f, want 3.5", cfg.LLM.RefillRate)
	}
	if cfg.Quota.Enabled {
		t.Fatal("QUOTA_ENABLED=false should disable quota checks")
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("jwt secret = %q, want env value", cfg.Auth.JWTSecret)
	}
}

func TestTierForUnknown(t *testing.T) {
	cfg, _ := Load(filepath.Join(t.TempDir(), "missing.json"))

	got := cfg.TierFor("enterprise")
	if got != cfg.Tiers["free"] {
		t.Fatalf("unknown tier = %+v, want free limits", got)
	}
}
