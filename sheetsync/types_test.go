package sheetsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestConfigFromEnvMissingCredentials(t *testing.T) {
	t.Setenv("SYNC_API_BASE_URL", "")
	t.Setenv("SYNC_API_KEY", "")

	_, err := ConfigFromEnv()
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_API_BASE_URL", "https://backend.example.com/")
	t.Setenv("SYNC_API_KEY", "secret")
	t.Setenv("SYNC_BATCH_SIZE", "250")
	t.Setenv("SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("SYNC_UPSERT_MODE", "false")
	t.Setenv("SYNC_SYSTEM_NAME", "GSHEET_SYNC")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseURL != "https://backend.example.com" {
		t.Fatalf("base url = %q (trailing slash should be stripped)", cfg.BaseURL)
	}
	if cfg.BatchSize != 250 || cfg.MaxAttempts != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.UpsertMode {
		t.Fatal("upsert mode should be off")
	}
	if cfg.SystemName != "GSHEET_SYNC" {
		t.Fatalf("system name = %q", cfg.SystemName)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BatchSize != 100 {
		t.Fatalf("batch size = %d", cfg.BatchSize)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", cfg.MaxAttempts)
	}
	if cfg.RunTimeout != 120*time.Second {
		t.Fatalf("run timeout = %s", cfg.RunTimeout)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("cache ttl = %s", cfg.CacheTTL)
	}
}

func TestCanonicalRecordJSON(t *testing.T) {
	rec := CanonicalRecord{
		Date:             time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
		LocationId:       "loc-uuid-1",
		LocationCode:     "KAMDENTAL_BAYTOWN",
		Production:       decimal.NewFromInt(5000),
		TotalCollections: decimal.NewFromInt(4000),
		RowUUID:          "row-1",
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded["date"] != "2026-08-28" {
		t.Fatalf("date = %v, want plain calendar date", decoded["date"])
	}
	if decoded["id"] != "row-1" {
		t.Fatalf("id = %v", decoded["id"])
	}
	if _, ok := decoded["location_code"]; ok {
		t.Fatal("location code must not leak into the wire payload")
	}
}

func TestNaturalKey(t *testing.T) {
	rec := CanonicalRecord{
		Date:         time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
		LocationCode: "KAMDENTAL_BAYTOWN",
	}
	if got := rec.NaturalKey(); got != "KAMDENTAL_BAYTOWN|2026-08-28" {
		t.Fatalf("natural key = %q", got)
	}
}
