package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

func TestParseConfigNil(t *testing.T) {
	if err := ParseConfig[struct{}](nil); err == nil {
		t.Fatal("expected error for nil config target")
	}
}

func TestParseArgs(t *testing.T) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	port := fs.Int("port", 0, "")
	if err := ParseArgs(fs, []string{"-port", "9000"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if *port != 9000 {
		t.Fatalf("expected port 9000, got %d", *port)
	}
}

func TestParseArgsNilFlagSet(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected error for nil flag set")
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	err := RunWithTelemetry(context.Background(), "  ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for empty service name")
	}
}

func TestRunWithTelemetryRunsCallback(t *testing.T) {
	sentinel := errors.New("run result")
	err := RunWithTelemetry(context.Background(), "relay", func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}
