package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/membersync/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type logCall struct {
	level string
	msg   string
	args  []any
}

type recLogger struct {
	calls *[]logCall
}

func (r recLogger) add(level, msg string, args []any) {
	*r.calls = append(*r.calls, logCall{level, msg, args})
}
func (r recLogger) Debug(_ context.Context, m string, a ...any) { r.add("debug", m, a) }
func (r recLogger) Info(_ context.Context, m string, a ...any)  { r.add("info", m, a) }
func (r recLogger) Warn(_ context.Context, m string, a ...any)  { r.add("warn", m, a) }
func (r recLogger) Error(_ context.Context, m string, a ...any) { r.add("error", m, a) }
func (r recLogger) With(...any) logging.Logger                   { return r }

func newTestServer() (*GRPCServer, *[]logCall) {
	calls := &[]logCall{}
	return &GRPCServer{logger: recLogger{calls: calls}}, calls
}

func TestInterceptor_PassesThroughAndLogs(t *testing.T) {
	s, calls := newTestServer()

	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Service/Method"}
	resp, err := s.loggingInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("unexpected handler resp: %v", resp)
	}
	if len(*calls) != 1 || (*calls)[0].level != "info" {
		t.Fatalf("expected one info line, got %+v", *calls)
	}
}

func TestInterceptor_HealthChecksAreDebug(t *testing.T) {
	s, calls := newTestServer()

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = s.loggingInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, nil
	})
	if (*calls)[0].level != "debug" {
		t.Fatalf("expected debug, got %s", (*calls)[0].level)
	}
}

func TestInterceptor_ErrorIsReturnedAndLogged(t *testing.T) {
	s, calls := newTestServer()

	want := status.Error(codes.Unavailable, "down")
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Service/Method"}
	_, err := s.loggingInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}

	line := (*calls)[0]
	if line.level != "warn" {
		t.Fatalf("expected warn, got %s", line.level)
	}
	var code any
	for i := 0; i+1 < len(line.args); i += 2 {
		if line.args[i] == "code" {
			code = line.args[i+1]
		}
	}
	if code != codes.Unavailable.String() {
		t.Fatalf("expected code Unavailable, got %v", code)
	}
}
