// Package config manages bundleserver configuration from the environment and
// an optional .env file.
//
// Standard input/output belong to the protocol, so configuration is loaded
// entirely before the dispatch loop starts. The storage directory holds the
// archive files a caller may initialize; the work directory is the
// process-managed area where bundles are extracted and torn down.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	errs "github.com/clusterlens/bundleserver/internal/errors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all bundleserver configuration.
type Config struct {
	// Bundle locations
	StorageDir string // directory scanned by list_bundles
	WorkDir    string // root of the process-owned extraction area

	// Cluster-access derivation
	APIServerURL string // endpoint written into synthesized kubeconfigs
	Token        string // bearer token written into synthesized kubeconfigs
	KubectlPath  string // kubectl binary used by the command executor

	// Logging settings
	LogLevel  string
	LogFormat string

	// Dispatch settings
	MaxConcurrentTools int
	ShutdownGrace      time.Duration
	CommandTimeout     time.Duration

	// Observability
	MetricsAddr string // empty disables the metrics listener
}

const (
	defaultAPIServerURL   = "http://127.0.0.1:8766"
	defaultKubectlPath    = "kubectl"
	defaultMaxConcurrent  = 8
	defaultShutdownGrace  = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// Load reads configuration from .env (when present) and the environment.
func Load() (*Config, error) {
	// .env is optional; environment variables win either way.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	cfg := &Config{
		StorageDir:         getEnv("BUNDLE_STORAGE_DIR", defaultStorageDir()),
		WorkDir:            getEnv("BUNDLE_WORK_DIR", filepath.Join(os.TempDir(), "bundleserver")),
		APIServerURL:       getEnv("SB_API_SERVER", defaultAPIServerURL),
		Token:              getEnv("SB_TOKEN", ""),
		KubectlPath:        getEnv("KUBECTL_PATH", defaultKubectlPath),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "auto"),
		MaxConcurrentTools: getEnvInt("MAX_CONCURRENT_TOOLS", defaultMaxConcurrent),
		ShutdownGrace:      getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
		CommandTimeout:     getEnvDuration("COMMAND_TIMEOUT_DEFAULT", defaultCommandTimeout),
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	storage, err := filepath.Abs(c.StorageDir)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "load_config", fmt.Errorf("resolve storage dir: %w", err))
	}
	c.StorageDir = storage

	// A missing storage directory is fine (empty listing); a regular file in
	// its place is a misconfiguration worth failing startup over.
	if info, err := os.Stat(c.StorageDir); err == nil && !info.IsDir() {
		return errs.Newf(errs.KindConfig, "load_config", "storage path %s is not a directory", c.StorageDir)
	}

	work, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "load_config", fmt.Errorf("resolve work dir: %w", err))
	}
	c.WorkDir = work

	if c.MaxConcurrentTools < 1 {
		log.Warn().Int("value", c.MaxConcurrentTools).Msg("MAX_CONCURRENT_TOOLS below 1, using 1")
		c.MaxConcurrentTools = 1
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	return nil
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/bundleserver/bundles"
	}
	return filepath.Join(home, "support-bundles")
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return strings.Trim(value, "'\"")
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	// Accept bare seconds for compatibility with numeric settings.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return value
}
