package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/relayq/relay/eventlog"
)

const fullDoc = `
service: billing
log_service:
  addr: "redis-master:6379"
  username: relay
  password: hunter2
  db: 2
  dial_timeout: 2s
  read_timeout: 3s
  write_timeout: 3s
  max_retries: 5
  min_retry_backoff: 10ms
  max_retry_backoff: 1s
  pool_size: 25
max_len: 50000
dlq_max_len: 5000
read_count: 20
block_time: 2s
claim_idle: 30s
claim_count: 5
error_pause: 10s
retry:
  max_retries: 5
  base_delay: 500ms
ledger_ttl: 48h
drain_grace: 10s
tracing: false
metrics: true
`

func TestParse(t *testing.T) {
	t.Run("full document", func(t *testing.T) {
		cfg, err := Parse([]byte(fullDoc))
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if cfg.Service != "billing" {
			t.Errorf("Service = %q, want %q", cfg.Service, "billing")
		}
		if cfg.MaxLen != 50000 || cfg.DLQMaxLen != 5000 || cfg.ReadCount != 20 || cfg.ClaimCount != 5 {
			t.Errorf("counts = %d/%d/%d/%d, want 50000/5000/20/5",
				cfg.MaxLen, cfg.DLQMaxLen, cfg.ReadCount, cfg.ClaimCount)
		}
		if got := cfg.BlockTime.Std(); got != 2*time.Second {
			t.Errorf("BlockTime = %v, want 2s", got)
		}
		if got := cfg.ClaimIdle.Std(); got != 30*time.Second {
			t.Errorf("ClaimIdle = %v, want 30s", got)
		}
		if got := cfg.Retry.BaseDelay.Std(); got != 500*time.Millisecond {
			t.Errorf("Retry.BaseDelay = %v, want 500ms", got)
		}
		if cfg.Retry.MaxRetries != 5 {
			t.Errorf("Retry.MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
		}
		if got := cfg.LedgerTTL.Std(); got != 48*time.Hour {
			t.Errorf("LedgerTTL = %v, want 48h", got)
		}
		if cfg.Tracing == nil || *cfg.Tracing {
			t.Error("Tracing should be explicitly false")
		}
		if cfg.Metrics == nil || !*cfg.Metrics {
			t.Error("Metrics should be explicitly true")
		}
	})

	t.Run("minimal document keeps zero values", func(t *testing.T) {
		cfg, err := Parse([]byte("log_service:\n  addr: \"localhost:6379\"\n"))
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if cfg.Service != "" || cfg.MaxLen != 0 || cfg.BlockTime.Std() != 0 {
			t.Errorf("zero fields changed: %+v", cfg)
		}
		if cfg.Tracing != nil || cfg.Metrics != nil {
			t.Error("unset switches should stay nil")
		}
	})

	t.Run("missing addr fails validation", func(t *testing.T) {
		_, err := Parse([]byte("service: billing\n"))
		if err == nil || !strings.Contains(err.Error(), "log_service") {
			t.Errorf("Parse() error = %v, want log_service validation failure", err)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Parse([]byte("log_service:\n  addr: \"x:1\"\nblock_time: soon\n"))
		if err == nil || !strings.Contains(err.Error(), "soon") {
			t.Errorf("Parse() error = %v, want duration parse failure", err)
		}
	})

	t.Run("negative count fails validation", func(t *testing.T) {
		_, err := Parse([]byte("log_service:\n  addr: \"x:1\"\nread_count: -1\n"))
		if err == nil {
			t.Error("Parse() should reject negative read_count")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("service: [unclosed\n"))
		if err == nil {
			t.Error("Parse() should reject malformed yaml")
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("file round trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.yaml")
		if err := os.WriteFile(path, []byte(fullDoc), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Service != "billing" {
			t.Errorf("Service = %q, want %q", cfg.Service, "billing")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err == nil {
			t.Error("Load() should fail on a missing file")
		}
	})
}

func TestEventlogConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := eventlog.Config{
		Addr:            "redis-master:6379",
		Username:        "relay",
		Password:        "hunter2",
		DB:              2,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      5,
		MinRetryBackoff: 10 * time.Millisecond,
		MaxRetryBackoff: time.Second,
		PoolSize:        25,
	}
	if diff := cmp.Diff(want, cfg.EventlogConfig()); diff != "" {
		t.Errorf("EventlogConfig() mismatch (-want +got):\n%s", diff)
	}
}
