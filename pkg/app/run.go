// Package app provides the shared entry point of the toolgate binary.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/flemzord/toolgate/internal/config"
	"github.com/flemzord/toolgate/internal/security"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the default persistent data directory.
	DataDir string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level

	// LogFormat is "text" (default) or "json".
	LogFormat string

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Run loads configuration, starts every component, and blocks until ctx
// ends or a shutdown signal arrives. SIGHUP and file changes reload the
// tool policy.
func Run(ctx context.Context, params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	redactor := security.NewRedactor()
	logger := NewLogger(params.LogOutput, params.LogFormat, params.LogLevel, redactor)

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	stack, err := Build(ctx, cfg, BuildParams{
		ConfigPath: cfgPath,
		Version:    params.Version,
		DataDir:    dataDir,
		Logger:     logger,
		Redactor:   redactor,
	})
	if err != nil {
		return err
	}

	logger.Info("toolgate starting",
		"version", params.Version,
		"commit", params.Commit,
		"config", cfgPath,
		"bind", cfg.Gateway.Bind,
	)
	return stack.App.Run(ctx)
}

// NewLogger builds the process logger. Every record passes through the
// redactor before formatting.
func NewLogger(w io.Writer, format string, level slog.Level, redactor *security.Redactor) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $TOOLGATE_CONFIG → $XDG_CONFIG_HOME/toolgate/toolgate.yaml
// → ~/.config/toolgate/toolgate.yaml → ./toolgate.yaml
func ResolveConfigPath() (string, error) {
	if p, ok := os.LookupEnv("TOOLGATE_CONFIG"); ok && p != "" {
		return p, nil
	}

	var candidates []string
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "toolgate", "toolgate.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "toolgate", "toolgate.yaml"))
	}
	candidates = append(candidates, "toolgate.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/toolgate if set, otherwise ~/.local/share/toolgate.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "toolgate")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "toolgate")
}
