package localbuild

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// RunnerConfig holds the runner's own settings, as opposed to the
// build configuration being executed.
type RunnerConfig struct {
	ProjectID      string            `toml:"project_id"`
	DefaultTimeout string            `toml:"default_timeout"`
	Substitutions  map[string]string `toml:"substitutions"`
	Docker         DockerConfig      `toml:"docker"`
	Logs           LogsConfig        `toml:"logs"`
	History        HistoryConfig     `toml:"history"`
}

// DockerConfig selects the Docker daemon to run steps on.
type DockerConfig struct {
	Host string `toml:"host"`
}

// LogsConfig controls where build logs are written.
type LogsConfig struct {
	Dir    string `toml:"dir"`
	Bucket string `toml:"bucket"` // default logsBucket when the build config sets none
}

// HistoryConfig controls the local build history database.
type HistoryConfig struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// DefaultRunnerConfigPath returns the default runner config location.
func DefaultRunnerConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "localbuild", "config.toml")
}

// LoadRunnerConfig reads the runner configuration from a TOML file.
// A missing file yields defaults without error. Environment variables
// take precedence over file values:
//   - LOCALBUILD_PROJECT_ID  overrides project_id
//   - LOCALBUILD_DOCKER_HOST overrides docker.host
//   - LOCALBUILD_LOGS_DIR    overrides logs.dir
//   - LOCALBUILD_LOGS_BUCKET overrides logs.bucket
func LoadRunnerConfig(path string) (RunnerConfig, error) {
	var cfg RunnerConfig
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return RunnerConfig{}, fmt.Errorf("parse runner config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *RunnerConfig) {
	if v := os.Getenv("LOCALBUILD_PROJECT_ID"); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv("LOCALBUILD_DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("LOCALBUILD_LOGS_DIR"); v != "" {
		cfg.Logs.Dir = v
	}
	if v := os.Getenv("LOCALBUILD_LOGS_BUCKET"); v != "" {
		cfg.Logs.Bucket = v
	}
}

func applyDefaults(cfg *RunnerConfig) {
	home, _ := os.UserHomeDir()
	if cfg.ProjectID == "" {
		cfg.ProjectID = "local"
	}
	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = filepath.Join(home, ".local", "share", "localbuild", "logs")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(home, ".local", "share", "localbuild", "history.db")
	}
}
