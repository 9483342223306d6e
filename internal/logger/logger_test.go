package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestInit(t *testing.T) {
	if Init("test-service", slog.LevelInfo) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	ctx = WithTraceID(ctx, "exit-42")
	if tid := TraceID(ctx); tid != "exit-42" {
		t.Errorf("expected 'exit-42', got %q", tid)
	}
}

func TestNewTraceID(t *testing.T) {
	a, b := NewTraceID("poll"), NewTraceID("poll")
	if !strings.HasPrefix(a, "poll-") || len(a) != len("poll-")+8 {
		t.Errorf("unexpected trace id %q", a)
	}
	if a == b {
		t.Error("trace ids should differ")
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()
	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}
	if attrs := LogWithTrace(WithTraceID(ctx, "abc-123")); len(attrs) != 1 {
		t.Fatalf("expected one attr, got %v", attrs)
	}
}
