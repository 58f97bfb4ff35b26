package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestStartSpanEnrichesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "debug")

	ctx := WithLogger(context.Background(), base.With(slog.String("session_id", "s-1")))
	ctx = WithSessionID(ctx, "s-1")

	ctx, span := StartSpan(ctx, "message.login")
	FromContext(ctx).Info("handled")
	span.End()

	if SessionIDFromContext(ctx) != "s-1" {
		t.Fatal("expected session id to survive span creation")
	}
	if TraceIDFromContext(ctx) == "" || SpanIDFromContext(ctx) == "" {
		t.Fatal("expected trace and span ids on the context")
	}

	var entry map[string]any
	first := bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0]
	if err := json.Unmarshal(first, &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"session_id", "trace_id", "span_id", "span_name"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected %s in log entry %v", key, entry)
		}
	}
	if entry["span_name"] != "message.login" {
		t.Fatalf("unexpected span name %v", entry["span_name"])
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Fatal("expected default logger")
	}
}

func TestSpanEndLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), New(&buf, "debug"))

	parentCtx, parent := StartSpan(ctx, "session")
	_, child := StartSpan(parentCtx, "message.search_users")

	if child.End() < 0 {
		t.Fatal("expected non-negative duration")
	}
	child.End()
	parent.End()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected one completion line per span, got %d", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["parent_span_id"] == nil || entry["span_name"] != "message.search_users" {
		t.Fatalf("expected child span attributes, got %v", entry)
	}

	var nilSpan *Span
	if nilSpan.End() != 0 {
		t.Fatal("expected nil span to report zero duration")
	}
}
