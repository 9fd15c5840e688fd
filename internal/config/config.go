package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for hub-sync.
type Config struct {
	// Remote store credentials and coordinates (all required).
	Token string `env:"HUB_TOKEN"`
	Owner string `env:"HUB_OWNER"`
	Repo  string `env:"HUB_REPO"`

	// Branch to write to.
	Branch string `env:"HUB_BRANCH" envDefault:"main"`

	// APIBase is the content store API root. Override for GitHub
	// Enterprise or a local test server.
	APIBase string `env:"HUB_API_BASE" envDefault:"https://api.github.com"`

	// SourceDir is the local directory to replicate.
	SourceDir string `env:"HUB_SOURCE_DIR" envDefault:"."`

	// TargetPrefix is an optional remote path prefix all files are
	// written under. Empty means the repository root.
	TargetPrefix string `env:"HUB_TARGET_PREFIX"`

	// RulesFile is an optional YAML file with include/exclude globs.
	RulesFile string `env:"HUB_RULES_FILE"`

	// Size ceilings in bytes. A file above PerFileMaxBytes is skipped
	// with no network call; a file set above JobMaxBytes aborts the run
	// before any file is processed.
	PerFileMaxBytes int64 `env:"HUB_PER_FILE_MAX" envDefault:"104857600"`
	JobMaxBytes     int64 `env:"HUB_JOB_MAX" envDefault:"1073741824"`

	// Retry policy for upload attempts.
	MaxAttempts    int           `env:"HUB_MAX_ATTEMPTS" envDefault:"4"`
	BaseDelay      time.Duration `env:"HUB_BASE_DELAY" envDefault:"500ms"`
	RateLimitFloor time.Duration `env:"HUB_RATE_LIMIT_FLOOR" envDefault:"10s"`
	JitterRange    time.Duration `env:"HUB_JITTER_RANGE" envDefault:"1s"`

	// SkipUnchanged skips uploads whose remote content hash already
	// matches the local blob hash. Off by default so a re-run always
	// performs updates.
	SkipUnchanged bool `env:"HUB_SKIP_UNCHANGED" envDefault:"false"`

	// CreateRepo creates the repository with a single create call when
	// it does not exist yet.
	CreateRepo bool `env:"HUB_CREATE_REPO" envDefault:"false"`

	// Watch keeps the process running and re-syncs changed files.
	Watch bool `env:"HUB_WATCH" envDefault:"false"`

	// JournalPath overrides the run journal location. Defaults to
	// ~/.hub-sync/<owner>/<repo>.db.
	JournalPath string `env:"HUB_JOURNAL_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SourceDir to an absolute path at startup. The scanner
	// derives relative remote paths by stripping this prefix, which only
	// works reliably with an absolute path.
	absDir, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("resolving source dir to absolute path: %w", err)
	}

	cfg.SourceDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("HUB_TOKEN is required")
	}

	if c.Owner == "" {
		return fmt.Errorf("HUB_OWNER is required")
	}

	if c.Repo == "" {
		return fmt.Errorf("HUB_REPO is required")
	}

	if c.PerFileMaxBytes <= 0 {
		return fmt.Errorf("HUB_PER_FILE_MAX must be positive")
	}

	if c.JobMaxBytes < c.PerFileMaxBytes {
		return fmt.Errorf("HUB_JOB_MAX must be at least HUB_PER_FILE_MAX")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("HUB_MAX_ATTEMPTS must be at least 1")
	}

	if c.BaseDelay <= 0 {
		return fmt.Errorf("HUB_BASE_DELAY must be positive")
	}

	return nil
}

// DefaultJournalPath returns the default journal location for a
// repository: ~/.hub-sync/<owner>/<repo>.db
func DefaultJournalPath(owner, repo string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".hub-sync", owner, repo+".db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
