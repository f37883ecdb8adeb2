// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Writer: &buf})
	defer logger.Close()

	logger.Slog().Info("filtered out")
	logger.Slog().Warn("kept")

	out := buf.String()
	if strings.Contains(out, "filtered out") {
		t.Error("Info message should be filtered at Warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("Warn message should pass the filter")
	}
}

func TestLoggerServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "renderguard", JSON: true, Writer: &buf})
	defer logger.Close()

	logger.Slog().Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["service"] != "renderguard" {
		t.Errorf("service attribute = %v, want renderguard", entry["service"])
	}
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Writer: &buf})
	defer logger.Close()

	child := logger.With("entity", "canvas")
	child.Slog().Info("scoped")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["entity"] != "canvas" {
		t.Errorf("entity attribute = %v, want canvas", entry["entity"])
	}
}

func TestLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Service: "guardtest", LogDir: dir, Quiet: true})

	logger.Slog().Info("to file", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "guardtest_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("file log is not JSON: %v", err)
	}
	if entry["msg"] != "to file" {
		t.Errorf("msg = %v, want %q", entry["msg"], "to file")
	}
	if entry["key"] != "value" {
		t.Errorf("key attribute = %v, want value", entry["key"])
	}
}

func TestLoggerQuietWithoutFileDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()

	// Must not panic or write anywhere.
	logger.Slog().Error("nowhere")
}

func TestLoggerCloseWithoutFile(t *testing.T) {
	logger := New(Config{})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q, want unchanged", got)
	}
}
