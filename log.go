package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/config"
	"golang.org/x/term"
)

// setupLog builds the process logger. JSON is used when writing to a file
// or a non-terminal stderr unless a format is forced.
func setupLog(c config.Config) (*log.Logger, func() error, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	closer := func() error { return nil }
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	if c.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("unable to create log directory: %w", err)
		}
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open log file: %w", err)
		}
		w, closer, tty = f, f.Close, false
	}

	return newLogger(w, level, c.LogFormat, tty), closer, nil
}

func newLogger(w io.Writer, level log.Level, format string, tty bool) *log.Logger {
	formatter := log.TextFormatter
	switch format {
	case "json":
		formatter = log.JSONFormatter
	case "auto", "":
		if !tty {
			formatter = log.JSONFormatter
		}
	}
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter,
	})
	if formatter == log.TextFormatter {
		l.SetStyles(logStyles())
	}
	log.SetDefault(l)
	return l
}

// components holds the prefixed child loggers so a level change reaches
// all of them.
var (
	componentsMu sync.Mutex
	components   []*log.Logger
)

func component(prefix string) *log.Logger {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	l := logger.WithPrefix(prefix)
	components = append(components, l)
	return l
}

func setLevel(level log.Level) {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	logger.SetLevel(level)
	for _, l := range components {
		l.SetLevel(level)
	}
}
