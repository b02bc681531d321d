package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
broker:
  brokers: ["localhost:9092"]
topic: events
consumerIdPrefix: firehose
persistence:
  class: memory
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.StartOffset != "latest" {
		t.Errorf("startOffset default = %q", cfg.StartOffset)
	}
	if cfg.Buffer.Class != "round-robin" || cfg.Buffer.MaxSize != 10000 {
		t.Errorf("buffer defaults = %+v", cfg.Buffer)
	}
	if cfg.Retry.Class != "exponential" || cfg.Retry.DelayMultiplier != 2.0 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.FlushInterval() != 30*time.Second {
		t.Errorf("flush interval default = %v", cfg.FlushInterval())
	}
	if cfg.Persistence.Root != "/shunt" {
		t.Errorf("persistence root default = %q", cfg.Persistence.Root)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsMissingPrefix(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
broker:
  brokers: ["localhost:9092"]
topic: events
persistence:
  class: memory
`))
	if err == nil {
		t.Fatalf("expected validation error, got config %+v", cfg)
	}
}

func TestValidateRejectsMissingBrokers(t *testing.T) {
	if _, err := Load(writeConfig(t, `
topic: events
consumerIdPrefix: firehose
`)); err == nil {
		t.Fatal("expected validation error for missing brokers")
	}
}

func TestValidateRejectsBadStartOffset(t *testing.T) {
	if _, err := Load(writeConfig(t, minimal+"startOffset: sometimes\n")); err == nil {
		t.Fatal("expected validation error for bad startOffset")
	}
}

func TestValidateRejectsNonPositiveBuffer(t *testing.T) {
	if _, err := Load(writeConfig(t, minimal+"buffer:\n  maxSize: -5\n")); err == nil {
		t.Fatal("expected validation error for negative buffer size")
	}
}

func TestRetryInitialDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelayMs: 250}
	if cfg.InitialDelay() != 250*time.Millisecond {
		t.Errorf("initial delay = %v", cfg.InitialDelay())
	}
}
