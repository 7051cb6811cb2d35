// Package config loads layered TOML configuration for the review engine.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultHandleReleaseWait   = 500 * time.Millisecond
	defaultForceCleanupRetries = 3
	defaultForceCleanupBackoff = time.Second
	defaultGitTimeout          = 30 * time.Second
	defaultDiscoveryTimeout    = 10 * time.Second
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// WorkspaceBaseDir is the directory isolated task copies are created under.
	WorkspaceBaseDir string
	// ExcludedDirs are extra literal path segments skipped during workspace copies.
	ExcludedDirs []string
	// ExcludedPatterns are extra filename suffix wildcards skipped during copies.
	ExcludedPatterns []string
	// HandleReleaseWait bounds the post-termination poll before deletion.
	HandleReleaseWait time.Duration
	// ForceCleanupRetries bounds deletion retries in forced cleanup.
	ForceCleanupRetries int
	// ForceCleanupBackoff is the pause between forced cleanup attempts.
	ForceCleanupBackoff time.Duration
	// GitTimeout bounds individual git invocations.
	GitTimeout time.Duration
	// DiscoveryTimeout bounds process discovery invocations (lsof, fuser).
	DiscoveryTimeout time.Duration
}

type fileConfig struct {
	WorkspaceBaseDir    *string  `toml:"workspace_base_dir"`
	ExcludedDirs        []string `toml:"excluded_dirs"`
	ExcludedPatterns    []string `toml:"excluded_patterns"`
	HandleReleaseWait   *string  `toml:"handle_release_wait"`
	ForceCleanupRetries *int     `toml:"force_cleanup_retries"`
	ForceCleanupBackoff *string  `toml:"force_cleanup_backoff"`
	GitTimeout          *string  `toml:"git_timeout"`
	DiscoveryTimeout    *string  `toml:"discovery_timeout"`
}

// Load reads config from ~/.devhub/config.toml and overlays a project-local
// .devhub/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir)
	paths := []string{
		filepath.Join(homeDir, ".devhub", "config.toml"),
		filepath.Join(workingDir, ".devhub", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults(homeDir string) Config {
	return Config{
		WorkspaceBaseDir:    filepath.Join(homeDir, ".devhub", "workspaces"),
		ExcludedDirs:        []string{},
		ExcludedPatterns:    []string{},
		HandleReleaseWait:   defaultHandleReleaseWait,
		ForceCleanupRetries: defaultForceCleanupRetries,
		ForceCleanupBackoff: defaultForceCleanupBackoff,
		GitTimeout:          defaultGitTimeout,
		DiscoveryTimeout:    defaultDiscoveryTimeout,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if decoded.WorkspaceBaseDir != nil {
		trimmed := strings.TrimSpace(*decoded.WorkspaceBaseDir)
		if trimmed != "" {
			cfg.WorkspaceBaseDir = trimmed
		}
	}
	for _, dir := range decoded.ExcludedDirs {
		dir = strings.TrimSpace(dir)
		if dir != "" {
			cfg.ExcludedDirs = append(cfg.ExcludedDirs, dir)
		}
	}
	for _, pattern := range decoded.ExcludedPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern != "" {
			cfg.ExcludedPatterns = append(cfg.ExcludedPatterns, pattern)
		}
	}
	if decoded.ForceCleanupRetries != nil && *decoded.ForceCleanupRetries > 0 {
		cfg.ForceCleanupRetries = *decoded.ForceCleanupRetries
	}
	durations := []struct {
		raw    *string
		key    string
		target *time.Duration
	}{
		{decoded.HandleReleaseWait, "handle_release_wait", &cfg.HandleReleaseWait},
		{decoded.ForceCleanupBackoff, "force_cleanup_backoff", &cfg.ForceCleanupBackoff},
		{decoded.GitTimeout, "git_timeout", &cfg.GitTimeout},
		{decoded.DiscoveryTimeout, "discovery_timeout", &cfg.DiscoveryTimeout},
	}
	for _, override := range durations {
		if override.raw == nil {
			continue
		}
		parsed, err := parseDuration(*override.raw, override.key, path)
		if err != nil {
			return err
		}
		*override.target = parsed
	}

	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.WorkspaceBaseDir) == "" {
		return errors.New("workspace_base_dir must not be empty")
	}
	if c.HandleReleaseWait < 0 {
		return errors.New("handle_release_wait must not be negative")
	}
	if c.ForceCleanupRetries <= 0 {
		return errors.New("force_cleanup_retries must be positive")
	}
	if c.ForceCleanupBackoff < 0 {
		return errors.New("force_cleanup_backoff must not be negative")
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("parse %s in %q: duration must not be negative", key, path)
	}
	return parsed, nil
}
