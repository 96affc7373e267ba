package otel

import (
	"context"
	"testing"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("RELAYCORE_OTEL_ENDPOINT", "")
	t.Setenv("RELAYCORE_OTEL_ENABLED", "")

	shutdown, err := Setup(context.Background(), "relay")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestSetupExplicitlyDisabled(t *testing.T) {
	t.Setenv("RELAYCORE_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("RELAYCORE_OTEL_ENABLED", "false")

	shutdown, err := Setup(context.Background(), "relay")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}
