// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

// Package log installs the process-wide slog logger from the -log-level
// and -log-format flags.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	SupportedLevels  = "debug, info, warn, error"
	SupportedFormats = "text, json"
)

// Format selects the slog handler.
type Format uint8

const (
	FormatText Format = iota
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// syncedFile fsyncs after each record.
type syncedFile struct{ f *os.File }

func (s syncedFile) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if err == nil {
		s.f.Sync()
	}
	return n, err
}

// Configure installs the default logger on stderr.
func Configure(level, format string) error {
	return ConfigureWriter(os.Stderr, level, format)
}

// ConfigureWriter is Configure with an explicit destination. *os.File
// destinations are synced after every record.
func ConfigureWriter(w io.Writer, level, format string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	if file, ok := w.(*os.File); ok {
		w = syncedFile{f: file}
	}
	slog.SetDefault(slog.New(newHandler(w, l, f)))
	return nil
}

func newHandler(w io.Writer, l slog.Level, f Format) slog.Handler {
	opts := &slog.HandlerOptions{Level: l}
	if f == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of %s", level, SupportedLevels)
	}
}

func ParseFormat(format string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format %q: must be one of %s", format, SupportedFormats)
	}
}
