package main

import (
	"testing"
	"time"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("SESSIONSYNC_TEST_FLOAT", "0.35")
	got := floatEnv("SESSIONSYNC_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("SESSIONSYNC_TEST_FLOAT_BAD", "oops")
	got := floatEnv("SESSIONSYNC_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("SESSIONSYNC_TEST_INT", "7")
	if got := intEnv("SESSIONSYNC_TEST_INT", 3); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	t.Setenv("SESSIONSYNC_TEST_INT", "seven")
	if got := intEnv("SESSIONSYNC_TEST_INT", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("SESSIONSYNC_TEST_BOOL", "false")
	if got := boolEnv("SESSIONSYNC_TEST_BOOL", true); got {
		t.Fatalf("expected false")
	}
	t.Setenv("SESSIONSYNC_TEST_BOOL", "maybe")
	if got := boolEnv("SESSIONSYNC_TEST_BOOL", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "later"); got != "value" {
		t.Fatalf("expected %q, got %q", "value", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSplitRoots(t *testing.T) {
	got := splitRoots(" /a , ,/b,")
	if len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Fatalf("got %v", got)
	}
	if got := splitRoots(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
