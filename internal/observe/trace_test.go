package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider installs a TracerProvider with an in-memory exporter
// as the global provider for the duration of the test.
func newTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_AttachesSessionID(t *testing.T) {
	exp := newTestTracerProvider(t)

	ctx := WithSessionID(context.Background(), "sess-42")
	ctx, span := StartSpan(ctx, "session.connect")
	if cid := CorrelationID(ctx); len(cid) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "session.id" && a.Value.AsString() == "sess-42" {
			found = true
		}
	}
	if !found {
		t.Error("span missing session.id attribute")
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	ctx := WithSessionID(context.Background(), "abc")
	if got := SessionID(ctx); got != "abc" {
		t.Errorf("SessionID = %q, want %q", got, "abc")
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func(t *testing.T) (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "plain context",
			ctx:     func(*testing.T) (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func(*testing.T) (context.Context, func()) {
				return WithSessionID(context.Background(), "s1"), func() {}
			},
			want:    []string{"session_id=s1"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func(t *testing.T) (context.Context, func()) {
				newTestTracerProvider(t)
				ctx, span := StartSpan(WithSessionID(context.Background(), "s2"), "log-test")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=s2", "trace_id=", "span_id="},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, done := tc.ctx(t)
			defer done()

			Logger(ctx).Info("hello")
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q: %s", w, out)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log output should not contain %q: %s", w, out)
				}
			}
		})
	}
}
