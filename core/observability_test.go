package core

import (
	"context"
	"testing"
)

func TestLog_RedactsAndUsesLevel(t *testing.T) {
	logger := newCaptureLogger()
	Log(context.Background(), logger, LogWarn, "refresh failed", map[string]any{
		"provider":     "github",
		"access_token": "tok_abc",
	})

	records := logger.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].level != "warn" {
		t.Fatalf("expected warn level, got %q", records[0].level)
	}
	if records[0].fields["access_token"] != RedactedValue {
		t.Fatalf("expected token to be redacted, got %#v", records[0].fields["access_token"])
	}
	if records[0].fields["provider"] != "github" {
		t.Fatalf("expected provider field, got %#v", records[0].fields["provider"])
	}
}

func TestLog_NilLoggerIsNoop(t *testing.T) {
	Log(context.Background(), nil, LogError, "ignored", nil)
}

func TestResolveLogger_KeepsExplicitLogger(t *testing.T) {
	logger := newCaptureLogger()
	if ResolveLogger("x", logger) != Logger(logger) {
		t.Fatalf("expected explicit logger to be returned")
	}
}

func TestResolveLogger_FallsBackToGlog(t *testing.T) {
	resolved := ResolveLogger("", nil)
	if resolved == nil {
		t.Fatalf("expected default logger")
	}
	Log(context.Background(), resolved, LogInfo, "resolved", map[string]any{"provider": "github"})
}
