// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup applies cfg to the standard logrus logger. The returned closer releases
// the log file, if one was opened.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	level := log.InfoLevel
	if cfg.Level != "" {
		l, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	var formatter log.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &log.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &log.JSONFormatter{}
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", cfg.Format)
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
		if tf, ok := formatter.(*log.TextFormatter); ok {
			tf.DisableColors = true
		}
	}

	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetOutput(out)
	return closer, nil
}
