package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names an explicit config file and bypasses layering
// entirely: when set, that file is the only one read.
const EnvConfigPath = "NOESIS_CONFIG"

const (
	// ProjectConfigFile is the per-project file discovered by walking up
	// from the working directory.
	ProjectConfigFile = "noesis.yaml"

	userConfigDir  = ".config/noesis"
	userConfigFile = "config.yaml"
)

// Loader resolves the effective configuration. Precedence, weakest first:
// built-in defaults, the user file, the nearest project file. Discovery
// stops at the first directory that looks like a repository root (has a
// .git entry) or at the user's home directory, so a noesis.yaml in an
// unrelated ancestor never leaks in.
type Loader struct {
	// StartDir anchors project discovery. Empty means the working
	// directory.
	StartDir string

	logger *slog.Logger
	layers []string
}

// NewLoader creates a loader anchored at the working directory.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.layers = nil

	if explicit := os.Getenv(EnvConfigPath); explicit != "" {
		cfg, err := LoadFromFile(explicit)
		if err != nil {
			return nil, fmt.Errorf("%s points at an unreadable config: %w", EnvConfigPath, err)
		}
		l.layers = append(l.layers, explicit)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", "layers", l.layers)
		return cfg, nil
	}

	cfg := DefaultConfig()
	l.overlay(cfg, l.userConfigPath(), false)
	l.overlay(cfg, l.findProjectConfig(), true)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l.logger.Debug("Loaded config", "layers", l.layers)
	return cfg, nil
}

// Layers reports the files merged by the last Load, strongest last.
func (l *Loader) Layers() []string {
	return l.layers
}

// overlay merges one file into cfg when it exists. A missing optional
// layer is silent; any other read failure is logged and skipped, never
// fatal, so one broken file cannot take the CLI down.
func (l *Loader) overlay(cfg *Config, path string, mustExist bool) {
	if path == "" {
		return
	}
	layer, err := readOverlay(path)
	if err != nil {
		if !mustExist && errors.Is(err, os.ErrNotExist) {
			return
		}
		l.logger.Warn("Skipping unreadable config layer", "path", path, "error", err)
		return
	}
	cfg.Merge(layer)
	l.layers = append(l.layers, path)
}

// readOverlay parses a layer into a bare Config so only the keys the file
// actually sets carry over during Merge. LoadFromFile fills the gaps with
// defaults, and those defaults would clobber a weaker layer's explicit
// settings.
func readOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var layer Config
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &layer, nil
}

// EnsureUserConfig writes a default user config file unless one exists.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if path == "" {
		return fmt.Errorf("cannot locate home directory for user config")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Created default user config", "path", path)
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, userConfigDir, userConfigFile)
}

// findProjectConfig walks up from StartDir looking for noesis.yaml. The
// search ends at a repository root or the home directory; a hit in the
// boundary directory itself still counts.
func (l *Loader) findProjectConfig() string {
	dir := l.StartDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}
	home, _ := os.UserHomeDir()

	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if dir == home || isRepoRoot(dir) {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func isRepoRoot(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
