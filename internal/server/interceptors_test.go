package server_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"

	"github.com/lpwan-works/goschc/internal/server"
)

const panicProcedure = "/schc.v1.SCHCService/Panic"

// setupPanicServer mounts a procedure whose handler always panics,
// wrapped in the given options.
func setupPanicServer(t *testing.T, opts ...connect.HandlerOption) *httptest.Server {
	t.Helper()

	handlerOpts := append([]connect.HandlerOption{server.WithJSONCodec()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(panicProcedure, connect.NewUnaryHandler(
		panicProcedure,
		func(_ context.Context, _ *connect.Request[server.GetStatsRequest]) (*connect.Response[server.GetStatsResponse], error) {
			panic("intentional test panic")
		},
		handlerOpts...,
	))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestRecoveryInterceptor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	srv := setupPanicServer(t, connect.WithInterceptors(server.RecoveryInterceptor(logger)))

	client := connect.NewClient[server.GetStatsRequest, server.GetStatsResponse](
		srv.Client(), srv.URL+panicProcedure, server.WithJSONCodec(),
	)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&server.GetStatsRequest{}))
	wantCode(t, err, connect.CodeInternal)

	logged := buf.String()
	if !strings.Contains(logged, "panic recovered") {
		t.Errorf("log output missing panic record: %q", logged)
	}
	if !strings.Contains(logged, panicProcedure) {
		t.Errorf("log output missing procedure name: %q", logged)
	}
}

func TestRecoveryInterceptorWithoutPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)

	env := setupTestServer(t, connect.WithInterceptors(server.RecoveryInterceptor(logger)))

	// A healthy call passes through the interceptor untouched.
	resp, err := call[server.GetStatsRequest, server.GetStatsResponse](
		t, env, server.ProcedureGetStats, &server.GetStatsRequest{},
	)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if resp.TxActive != 0 {
		t.Errorf("TxActive = %d, want 0", resp.TxActive)
	}
}

func TestLoggingInterceptor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	env := setupTestServer(t, connect.WithInterceptors(server.LoggingInterceptor(logger)))

	if _, err := call[server.GetStatsRequest, server.GetStatsResponse](
		t, env, server.ProcedureGetStats, &server.GetStatsRequest{},
	); err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "rpc completed") {
		t.Errorf("log output missing completion record: %q", logged)
	}
	if !strings.Contains(logged, server.ProcedureGetStats) {
		t.Errorf("log output missing procedure name: %q", logged)
	}
}

func TestLoggingInterceptorRecordsErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	env := setupTestServer(t, connect.WithInterceptors(server.LoggingInterceptor(logger)))

	if _, err := call[server.GetDeviceRequest, server.GetDeviceResponse](
		t, env, server.ProcedureGetDevice, &server.GetDeviceRequest{DeviceID: 404},
	); err == nil {
		t.Fatal("GetDevice(404) returned nil error")
	}

	logged := buf.String()
	if !strings.Contains(logged, "rpc completed with error") {
		t.Errorf("log output missing error record: %q", logged)
	}
}
