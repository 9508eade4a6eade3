package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. ECALSYNC_SOURCE_URL or ECALSYNC_FETCH_RETRIES.
const EnvPrefix = "ECALSYNC"

// FetchConfig controls network retrieval of the feed.
type FetchConfig struct {
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Retries is the number of additional attempts after the first failure.
	Retries int `yaml:"retries" json:"retries"`
	// InitialBackoff is the wait before the first retry; it doubles per retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// UseStaleCache returns the last cached document when every attempt fails.
	UseStaleCache bool `yaml:"use_stale_cache" json:"use_stale_cache"`
}

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	BackfillDays   int `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays    int `yaml:"horizon_days" json:"horizon_days"`
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

// BasicAuth protects the status server. Both fields must be set to enable it.
type BasicAuth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// SourceURL is the eCal ICS subscription endpoint.
	SourceURL string `yaml:"source_url" json:"source_url"`

	// Timezone is the IANA zone every timestamp is normalized to.
	Timezone string `yaml:"timezone" json:"timezone"`

	// OutputPath is where the catalog JSON is written.
	OutputPath string `yaml:"output_path" json:"output_path"`

	// CacheDir holds the raw feed copies kept for audit and replay.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// SnapshotPath is the bbolt file holding catalog state across runs.
	SnapshotPath string `yaml:"snapshot_path" json:"snapshot_path"`

	// TaxonomyPath optionally points at an operator taxonomy file. Empty
	// means the embedded default.
	TaxonomyPath string `yaml:"taxonomy_path" json:"taxonomy_path"`

	Fetch  FetchConfig  `yaml:"fetch" json:"fetch"`
	Expand ExpandConfig `yaml:"expand" json:"expand"`

	// GraceCycles is the number of consecutive runs an entry may be absent
	// before it is marked removed.
	GraceCycles int `yaml:"grace_cycles" json:"grace_cycles"`

	// Retention is how long removed entries stay in the written catalog.
	Retention time.Duration `yaml:"retention" json:"retention"`

	// Workers bounds classification parallelism.
	Workers int `yaml:"workers" json:"workers"`

	// LockTimeout is how long a run waits for the snapshot lock.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// Schedule is the cron expression used by the daemon.
	Schedule string `yaml:"schedule" json:"schedule"`

	// Listen is the daemon status server address. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	BasicAuth *BasicAuth `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

const defaultSourceURL = "https://ics.ecal.com/ecal-sub/6915f30f396fa00008c2a014/SL%20Benfica.ics"

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		SourceURL:    defaultSourceURL,
		Timezone:     "Europe/Lisbon",
		OutputPath:   "./var/catalog.json",
		CacheDir:     "./var/feed-cache",
		SnapshotPath: "./var/snapshot.db",
		Fetch: FetchConfig{
			Timeout:        15 * time.Second,
			Retries:        3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Expand: ExpandConfig{
			BackfillDays:   30,
			HorizonDays:    365,
			MaxOccurrences: 500,
		},
		GraceCycles: 3,
		Retention:   30 * 24 * time.Hour,
		Workers:     4,
		LockTimeout: 10 * time.Second,
		Schedule:    "*/30 * * * *",
		Listen:      "127.0.0.1:8080",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	c.SourceURL = strings.TrimSpace(c.SourceURL)
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.OutputPath == "" {
		c.OutputPath = d.OutputPath
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = d.SnapshotPath
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = d.Fetch.Timeout
	}
	if c.Fetch.Retries < 0 {
		c.Fetch.Retries = 0
	}
	if c.Fetch.InitialBackoff <= 0 {
		c.Fetch.InitialBackoff = d.Fetch.InitialBackoff
	}
	if c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		c.Fetch.MaxBackoff = c.Fetch.InitialBackoff
	}
	if c.Expand.BackfillDays < 0 {
		c.Expand.BackfillDays = 0
	}
	if c.Expand.HorizonDays <= 0 {
		c.Expand.HorizonDays = d.Expand.HorizonDays
	}
	if c.Expand.MaxOccurrences <= 0 {
		c.Expand.MaxOccurrences = d.Expand.MaxOccurrences
	}
	// A grace period of zero would delete on the first glitch.
	if c.GraceCycles < 1 {
		c.GraceCycles = 1
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = "text"
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate rejects values Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves Timezone. Load has already validated it; UTC is the
// fallback for configs built in code.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - .env in the working directory is loaded first, if present
//   - If the file does not exist, a default config is written with 0600 perms
//   - ECALSYNC_* environment variables override file values
//   - defaults are normalized, then the result is validated
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		applyEnv(cfg)
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from ECALSYNC_* variables (env > yaml).
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	str("source_url", &cfg.SourceURL)
	str("timezone", &cfg.Timezone)
	str("output_path", &cfg.OutputPath)
	str("cache_dir", &cfg.CacheDir)
	str("snapshot_path", &cfg.SnapshotPath)
	str("taxonomy_path", &cfg.TaxonomyPath)
	str("schedule", &cfg.Schedule)
	str("listen", &cfg.Listen)
	str("log_level", &cfg.LogLevel)
	str("log_format", &cfg.LogFormat)
	dur("fetch.timeout", &cfg.Fetch.Timeout)
	num("fetch.retries", &cfg.Fetch.Retries)
	dur("fetch.initial_backoff", &cfg.Fetch.InitialBackoff)
	dur("fetch.max_backoff", &cfg.Fetch.MaxBackoff)
	if v.IsSet("fetch.use_stale_cache") {
		cfg.Fetch.UseStaleCache = v.GetBool("fetch.use_stale_cache")
	}
	num("expand.backfill_days", &cfg.Expand.BackfillDays)
	num("expand.horizon_days", &cfg.Expand.HorizonDays)
	num("expand.max_occurrences", &cfg.Expand.MaxOccurrences)
	num("grace_cycles", &cfg.GraceCycles)
	dur("retention", &cfg.Retention)
	num("workers", &cfg.Workers)
	dur("lock_timeout", &cfg.LockTimeout)

	if v.IsSet("basic_auth.username") || v.IsSet("basic_auth.password") {
		if cfg.BasicAuth == nil {
			cfg.BasicAuth = &BasicAuth{}
		}
		str("basic_auth.username", &cfg.BasicAuth.Username)
		str("basic_auth.password", &cfg.BasicAuth.Password)
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ecalsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
