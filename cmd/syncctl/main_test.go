package main

import (
	"testing"
	"time"

	"github.com/rowsync/engine/internal/connection"
	"github.com/rowsync/engine/internal/transport"
)

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("SYNCCTL_TEST_INTERVAL", "250ms")
	if got := durationEnv("SYNCCTL_TEST_INTERVAL", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("SYNCCTL_TEST_INTERVAL_BAD", "oops")
	if got := durationEnv("SYNCCTL_TEST_INTERVAL_BAD", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestClassifyHealthErrMapsUnauthorized(t *testing.T) {
	err := classifyHealthErr(&transport.Unauthorized{Status: 401})
	if err != connection.ErrHealthUnauthorized {
		t.Fatalf("expected ErrHealthUnauthorized, got %v", err)
	}
}

func TestClassifyHealthErrPassesThroughOtherErrors(t *testing.T) {
	other := &transport.TransportError{Status: 500, Body: "boom"}
	if got := classifyHealthErr(other); got != other {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func TestClassifyHealthErrNilIsNil(t *testing.T) {
	if err := classifyHealthErr(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestBuildAdapterFromEnvDefaultsToInMemory(t *testing.T) {
	adapter, err := buildAdapterFromEnv("", "ns")
	if err != nil {
		t.Fatalf("buildAdapterFromEnv: %v", err)
	}
	if adapter == nil {
		t.Fatalf("expected a non-nil in-memory adapter")
	}
}
