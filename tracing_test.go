package chatgraph

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*OTelTracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelTracerFromProvider(tp), rec
}

func spansByName(spans []sdktrace.ReadOnlySpan) map[string][]sdktrace.ReadOnlySpan {
	out := make(map[string][]sdktrace.ReadOnlySpan)
	for _, s := range spans {
		out[s.Name()] = append(out[s.Name()], s)
	}
	return out
}

func attr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTelTracer_TurnSpans(t *testing.T) {
	tracer, rec := newRecordingTracer(t)
	mock := NewMockLLM().
		WithToolCall("echo", map[string]any{"text": "hi"}).
		WithFinalResponse("hi").
		WithFinalResponse("Echo").
		WithFinalResponse("hi!")
	ctrl := newTestController(t, mock, func(c *Config) { c.Tracer = tracer })
	ctrl.AddTool(echoTool())

	rec2 := NewEventRecorder()
	rec2.Drain(ctrl.Run(context.Background(), "traced", "echo hi"))
	if errs := rec2.OfType(EventTypeError); len(errs) != 0 {
		t.Fatalf("unexpected error event: %s", errs[0].Err())
	}

	byName := spansByName(rec.Ended())
	for _, name := range []string{"chat.turn", "tool.echo", "title.generate", "checkpoint.commit"} {
		if len(byName[name]) != 1 {
			t.Errorf("expected one %s span, got %d", name, len(byName[name]))
		}
	}
	if n := len(byName["llm.generate"]); n != 4 {
		t.Errorf("expected 4 llm.generate spans, got %d", n)
	}

	root := byName["chat.turn"][0]
	if v, ok := attr(root, "session.id"); !ok || v.AsString() != "traced" {
		t.Errorf("expected session.id on root span, got %v", v)
	}
	traceID := root.SpanContext().TraceID()
	for _, s := range rec.Ended() {
		if s.SpanContext().TraceID() != traceID {
			t.Errorf("span %s belongs to another trace", s.Name())
		}
	}

	gen := byName["llm.generate"][0]
	if v, ok := attr(gen, "gen_ai.usage.total_tokens"); !ok || v.AsInt64() != 30 {
		t.Errorf("expected usage on generation span, got %v", v)
	}
	if v, ok := attr(byName["tool.echo"][0], "chatgraph.observation.type"); !ok || v.AsString() != string(SpanTypeTool) {
		t.Errorf("expected tool observation type, got %v", v)
	}

	for _, e := range rec2.Events() {
		if e.TraceID != traceID.String() {
			t.Errorf("event %s carries trace %q, want %q", e.Type, e.TraceID, traceID)
			break
		}
	}
}

func TestOTelTracer_FailedTurnMarksError(t *testing.T) {
	tracer, rec := newRecordingTracer(t)
	mock := NewMockLLM().WithError(errors.New("boom"))
	ctrl := newTestController(t, mock, func(c *Config) { c.Tracer = tracer })

	if _, err := ctrl.Send(context.Background(), "t", "hi"); err == nil {
		t.Fatal("expected turn to fail")
	}

	byName := spansByName(rec.Ended())
	if root := byName["chat.turn"]; len(root) != 1 || root[0].Status().Code != codes.Error {
		t.Errorf("expected errored root span, got %v", root)
	}
	if gen := byName["llm.generate"]; len(gen) != 1 || gen[0].Status().Code != codes.Error {
		t.Errorf("expected errored generation span")
	}
	if len(byName["checkpoint.commit"]) != 0 {
		t.Errorf("failed turn must not reach commit")
	}
}

func TestNewOTelTracer_RequiresEndpoint(t *testing.T) {
	if _, err := NewOTelTracer(context.Background(), OTelConfig{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestNoOpTracer(t *testing.T) {
	tracer := &NoOpTracer{}
	ctx, end := tracer.StartTrace(context.Background(), "x", WithSessionID("s"))
	defer end()
	ctx, endSpan := tracer.StartSpan(ctx, "y", WithSpanType(SpanTypeTool))
	defer endSpan()
	tracer.RecordError(ctx, errors.New("ignored"))
	if err := tracer.LogGeneration(ctx, GenerationOptions{Name: "g"}); err != nil {
		t.Errorf("LogGeneration error: %v", err)
	}
	if err := tracer.Flush(ctx); err != nil {
		t.Errorf("Flush error: %v", err)
	}
	if !isNoOpTracer(tracer) {
		t.Error("expected NoOpTracer to be detected")
	}
}
