// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return New(&Config{Level: "debug", Format: FormatJSON, Output: buf})
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log record: %v", err)
	}
	return record
}

func TestNew_Defaults(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestContextFields_MergedIntoRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithOperation(context.Background(), "execute_query", "trace-123")
	logger.InfoContext(ctx, "dispatching command")

	record := decodeRecord(t, &buf)
	if record[OperationKey] != "execute_query" {
		t.Errorf("expected operation field, got: %v", record[OperationKey])
	}
	if record[TraceIDKey] != "trace-123" {
		t.Errorf("expected trace_id field, got: %v", record[TraceIDKey])
	}
}

func TestContextFields_Accumulate(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithFields(context.Background(), slog.String("a", "1"))
	ctx = WithFields(ctx, slog.String("b", "2"))
	logger.InfoContext(ctx, "nested")

	record := decodeRecord(t, &buf)
	if record["a"] != "1" || record["b"] != "2" {
		t.Errorf("expected both fields, got: %v", record)
	}
}

func TestContextFields_EmptyTraceIDOmitted(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithOperation(context.Background(), "execute_script", "")
	logger.InfoContext(ctx, "no trace id")

	record := decodeRecord(t, &buf)
	if _, ok := record[TraceIDKey]; ok {
		t.Error("empty trace id should not be stamped")
	}
}

func TestWithTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := WithTraceID(newTestLogger(&buf), "t-9")
	logger.Info("hello")

	record := decodeRecord(t, &buf)
	if record[TraceIDKey] != "t-9" {
		t.Errorf("expected trace_id t-9, got: %v", record[TraceIDKey])
	}
}
