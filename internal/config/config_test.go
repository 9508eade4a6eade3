package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func Test_Load_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "ecalsync.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SourceURL != defaultSourceURL || cfg.GraceCycles != 3 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode: got %o, want 600", perm)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Fetch != cfg.Fetch || again.Schedule != cfg.Schedule || again.Retention != cfg.Retention {
		t.Errorf("round trip changed config:\n%+v\n%+v", cfg, again)
	}
}

func Test_Load_FileValuesAndNormalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecalsync.yaml")
	doc := `source_url: "  https://ics.example.test/feed.ics  "
timezone: Europe/Lisbon
grace_cycles: 0
workers: -2
log_format: JSON
fetch:
  timeout: 5s
  retries: 1
  initial_backoff: 2s
  max_backoff: 1s
expand:
  horizon_days: 90
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SourceURL != "https://ics.example.test/feed.ics" {
		t.Errorf("source url: %q", cfg.SourceURL)
	}
	if cfg.GraceCycles != 1 {
		t.Errorf("grace cycles: got %d, want 1", cfg.GraceCycles)
	}
	if cfg.Workers != DefaultConfig().Workers {
		t.Errorf("workers: got %d", cfg.Workers)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log format: %q", cfg.LogFormat)
	}
	if cfg.Fetch.Timeout != 5*time.Second || cfg.Fetch.Retries != 1 {
		t.Errorf("fetch: %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxBackoff != cfg.Fetch.InitialBackoff {
		t.Errorf("max backoff below initial not raised: %+v", cfg.Fetch)
	}
	if cfg.Expand.HorizonDays != 90 || cfg.Expand.MaxOccurrences != 500 {
		t.Errorf("expand: %+v", cfg.Expand)
	}
	if cfg.Location().String() != "Europe/Lisbon" {
		t.Errorf("location: %v", cfg.Location())
	}
}

func Test_Load_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecalsync.yaml")
	if err := os.WriteFile(path, []byte("output_path: /srv/file.json\nfetch:\n  retries: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ECALSYNC_OUTPUT_PATH", "/srv/env.json")
	t.Setenv("ECALSYNC_FETCH_RETRIES", "7")
	t.Setenv("ECALSYNC_LOCK_TIMEOUT", "90s")
	t.Setenv("ECALSYNC_BASIC_AUTH_USERNAME", "ops")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OutputPath != "/srv/env.json" {
		t.Errorf("output path: %q", cfg.OutputPath)
	}
	if cfg.Fetch.Retries != 7 {
		t.Errorf("retries: %d", cfg.Fetch.Retries)
	}
	if cfg.LockTimeout != 90*time.Second {
		t.Errorf("lock timeout: %v", cfg.LockTimeout)
	}
	if cfg.BasicAuth == nil || cfg.BasicAuth.Username != "ops" {
		t.Errorf("basic auth: %+v", cfg.BasicAuth)
	}
}

func Test_Load_RejectsUnknownTimezone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecalsync.yaml")
	if err := os.WriteFile(path, []byte("timezone: Mars/Olympus_Mons\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "Mars/Olympus_Mons") {
		t.Errorf("expected timezone error, got %v", err)
	}

	// An override from the environment is checked too.
	good := filepath.Join(t.TempDir(), "ecalsync.yaml")
	t.Setenv("ECALSYNC_TIMEZONE", "Europe/Nowhere")
	if _, err := Load(good); err == nil {
		t.Error("expected error for ECALSYNC_TIMEZONE")
	}
}

func Test_Save_RejectsEmptyPath(t *testing.T) {
	if err := Save("", DefaultConfig()); err == nil {
		t.Error("expected error for empty path")
	}
	if err := Save(filepath.Join(t.TempDir(), "x.yaml"), nil); err == nil {
		t.Error("expected error for nil config")
	}
}
