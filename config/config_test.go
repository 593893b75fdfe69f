package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `venueflow:
  name: "TestApp"
  version: "1.0"
venue:
  exchange: binance
  rest_url: "https://fapi.binance.com"
  stream_url: "wss://fstream.binance.com/ws"
rate_limit:
  categories:
    public_data:
      capacity: 5
      refill_per_sec: 5
storage:
  s3:
    enabled: false
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Venueflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Venueflow.Name)
	}
	if cfg.Venue.Exchange != "binance" {
		t.Errorf("unexpected exchange: %s", cfg.Venue.Exchange)
	}
	if got := cfg.RateLimit.Categories["public_data"].Capacity; got != 5 {
		t.Errorf("unexpected capacity: %v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Pipeline.CircuitBreaker.SamplingWindow != 30*time.Second {
		t.Errorf("unexpected sampling window: %v", cfg.Pipeline.CircuitBreaker.SamplingWindow)
	}
	if cfg.Pipeline.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected max attempts: %d", cfg.Pipeline.Retry.MaxAttempts)
	}
	if cfg.Stream.MaxReconnects != 10 {
		t.Errorf("unexpected max reconnects: %d", cfg.Stream.MaxReconnects)
	}
	if cfg.RateLimit.QueueLimit != 64 {
		t.Errorf("unexpected queue limit: %d", cfg.RateLimit.QueueLimit)
	}
}

func TestLoadConfigMissingVenue(t *testing.T) {
	path := writeTempConfig(t, "venueflow:\n  name: x\n  version: \"1\"\n")
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing venue")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("VENUE_KEY", "abc123")
	path := writeTempConfig(t, minimalConfig+"  api_key: \"${VENUE_KEY}\"\n")
	defer os.Remove(path)

	// api_key appended under storage.s3 is ignored by the schema; expansion is
	// what is under test here.
	raw := expandEnv("key: ${VENUE_KEY}")
	if raw != "key: abc123" {
		t.Errorf("unexpected expansion: %q", raw)
	}
	unset := expandEnv("key: ${VENUEFLOW_NOT_SET}")
	if unset != "key: " {
		t.Errorf("unexpected expansion of unset var: %q", unset)
	}
}

func TestInvalidBucketName(t *testing.T) {
	if isValidS3Bucket("ab") || isValidS3Bucket("Invalid..name") || isValidS3Bucket(".leading") {
		t.Fatalf("invalid bucket names accepted")
	}
	if !isValidS3Bucket("venueflow-books") {
		t.Fatalf("valid bucket name rejected")
	}
}
