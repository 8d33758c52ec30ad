package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MEKXH/deskhand/internal/config"
)

var (
	loggerMu      sync.Mutex
	activeLogFile *os.File
)

// configureLogger installs the default slog logger. A configured log file
// replaces stderr; the file stays open across reconfiguration when unchanged.
func configureLogger(cfg *config.Config, overrideLevel string) error {
	level, err := parseLogLevel(cfg.Log.Level, overrideLevel)
	if err != nil {
		return err
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()

	writer, err := logWriter(strings.TrimSpace(cfg.Log.File))
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	slog.SetDefault(slog.New(handler).With("component", "deskhand"))
	return nil
}

func logWriter(path string) (io.Writer, error) {
	if activeLogFile != nil && activeLogFile.Name() != path {
		_ = activeLogFile.Close()
		activeLogFile = nil
	}
	if path == "" {
		return os.Stderr, nil
	}
	if activeLogFile != nil {
		return activeLogFile, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	activeLogFile = f
	return f, nil
}

func parseLogLevel(configLevel, override string) (slog.Level, error) {
	level := strings.TrimSpace(configLevel)
	if strings.TrimSpace(override) != "" {
		level = override
	}
	var l slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}
