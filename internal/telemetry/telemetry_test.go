package telemetry

import (
	"context"
	"testing"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "actiond", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Tracer("actiond") == nil {
		t.Fatal("nil tracer")
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "actiond", "http://127.0.0.1:4318")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx, span := Tracer("actiond-test").Start(context.Background(), "probe")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span from the sdk provider")
	}
	span.End()
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	// Export fails against the closed context; shutdown must still return.
	_ = shutdown(cctx)
}
