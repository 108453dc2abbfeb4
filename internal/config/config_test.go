package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgiraud/papermill/internal/validation"
)

// missingFile returns a config path that does not exist, so managers in
// tests start from pure defaults.
func missingFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestDefaults(t *testing.T) {
	cm, err := NewManager(missingFile(t))
	if err != nil {
		t.Fatal(err)
	}
	cfg := cm.Get()

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != "8080" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Queue.MaxConcurrent != 3 || cfg.Queue.RetentionHours != 24 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Processing.DefaultLanguage != "fra" || cfg.Processing.ChunkPages != 5 {
		t.Errorf("processing = %+v", cfg.Processing)
	}
	if len(cfg.Engines) != 2 {
		t.Errorf("engines = %+v", cfg.Engines)
	}
	if e, ok := cfg.Engines["mistral-ocr"]; !ok || !e.Enabled || e.APIKey != "${MISTRAL_API_KEY}" {
		t.Errorf("mistral-ocr engine = %+v", e)
	}
	if cfg.Validation.MaxAttempts != 3 {
		t.Errorf("validation = %+v", cfg.Validation)
	}
	if cfg.Embeddings.Enabled {
		t.Error("embeddings enabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: "9191"
queue:
  max_concurrent: 8
engines:
  tesseract:
    enabled: false
    page_cost: 1.5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := cm.Get()

	if cfg.Server.Port != "9191" {
		t.Errorf("port = %q, want 9191", cfg.Server.Port)
	}
	if cfg.Queue.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d, want 8", cfg.Queue.MaxConcurrent)
	}
	if e := cfg.Engines["tesseract"]; e.Enabled || e.PageCost != 1.5 {
		t.Errorf("tesseract = %+v", e)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("retry = %+v, want defaults", cfg.Retry)
	}
}

func TestMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PAPERMILL_SERVER_PORT", "7070")
	t.Setenv("PAPERMILL_QUEUE_MAX_CONCURRENT", "12")

	cm, err := NewManager(missingFile(t))
	if err != nil {
		t.Fatal(err)
	}
	cfg := cm.Get()
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want env override", cfg.Server.Port)
	}
	if cfg.Queue.MaxConcurrent != 12 {
		t.Errorf("max_concurrent = %d, want env override", cfg.Queue.MaxConcurrent)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := cm.Get()
	want := DefaultConfig()

	if cfg.Server != want.Server {
		t.Errorf("server = %+v, want %+v", cfg.Server, want.Server)
	}
	if cfg.Queue != want.Queue {
		t.Errorf("queue = %+v, want %+v", cfg.Queue, want.Queue)
	}
	if len(cfg.Engines) != len(want.Engines) {
		t.Errorf("engines = %+v", cfg.Engines)
	}
	if cfg.Validation.Thresholds["formula"] != want.Validation.Thresholds["formula"] {
		t.Errorf("thresholds = %+v", cfg.Validation.Thresholds)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("PAPERMILL_TEST_KEY", "secret123")

	if got := ResolveEnvVars("${PAPERMILL_TEST_KEY}"); got != "secret123" {
		t.Errorf("got %q", got)
	}
	if got := ResolveEnvVars("prefix-${PAPERMILL_TEST_KEY}-suffix"); got != "prefix-secret123-suffix" {
		t.Errorf("got %q", got)
	}
	if got := ResolveEnvVars("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
	if got := ResolveEnvVars("${PAPERMILL_UNSET_KEY}"); got != "" {
		t.Errorf("unset var resolved to %q", got)
	}
}

func TestEnabledEngines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engines["disabled"] = EngineCfg{Enabled: false}

	enabled := cfg.EnabledEngines()
	if _, ok := enabled["disabled"]; ok {
		t.Error("disabled engine listed")
	}
	if _, ok := enabled["tesseract"]; !ok {
		t.Error("tesseract missing")
	}
}

func TestToThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Validation.Thresholds["text"] = ThresholdCfg{Acceptable: 0.9, Warning: 0.6, Critical: 0.3}
	cfg.Validation.Thresholds["hologram"] = ThresholdCfg{Acceptable: 0.5}

	th := cfg.ToThresholds()
	if got := th[validation.ContentText]; got.Acceptable != 0.9 {
		t.Errorf("text thresholds = %+v", got)
	}
	if _, ok := th["hologram"]; ok {
		t.Error("unknown content type passed through")
	}
}

func TestToRetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	p := cfg.ToRetryPolicy()
	if p.MaxRetries != 3 || p.BackoffCap != 30*time.Second {
		t.Errorf("policy = %+v", p)
	}
	if p.SoftDeadline != 10*time.Minute || p.HardDeadline != 15*time.Minute {
		t.Errorf("deadlines = %v/%v", p.SoftDeadline, p.HardDeadline)
	}
	if cfg.Retention() != 24*time.Hour {
		t.Errorf("retention = %v", cfg.Retention())
	}
}

func TestHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"8080\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	cm.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	cm.WatchConfig()

	// Give the watcher a beat to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Server.Port != "9999" {
			t.Errorf("reloaded port = %q, want 9999", cfg.Server.Port)
		}
		if cm.Get().Server.Port != "9999" {
			t.Errorf("Get() port = %q after reload", cm.Get().Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
