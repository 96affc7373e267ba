package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func startTestServer(t *testing.T, opts Options) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, cancel, done
}

func TestNewRequiresGateway(t *testing.T) {
	if _, err := New(Options{Addr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected an error without a gateway handler")
	}
}

func TestServeHealthEndpoint(t *testing.T) {
	srv, _, _ := startTestServer(t, Options{
		Addr:    "127.0.0.1:0",
		Gateway: http.NotFoundHandler(),
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServeGRPCHealth(t *testing.T) {
	srv, _, _ := startTestServer(t, Options{
		Addr:     "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
		Gateway:  http.NotFoundHandler(),
	})

	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", resp.GetStatus())
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	_, cancel, done := startTestServer(t, Options{
		Addr:    "127.0.0.1:0",
		Gateway: http.NotFoundHandler(),
	})

	cancel()
	select {
	case err := <-done:
		// Re-buffer the result so the cleanup in startTestServer can read it too.
		done <- err
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
