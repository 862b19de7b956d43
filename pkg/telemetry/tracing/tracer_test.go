package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"mercator-hq/saturn/pkg/config"
)

func TestNewDisabled(t *testing.T) {
	tracer, err := New(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tracer.Enabled() {
		t.Error("Enabled() = true for disabled config")
	}

	// Noop tracer must still hand out usable spans.
	ctx, span := tracer.StartSpan(context.Background(), "route", attribute.String("cluster", "c1"))
	if ctx == nil || span == nil {
		t.Fatal("StartSpan() returned nil")
	}
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewNilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestNewEnabledWithoutEndpoint(t *testing.T) {
	if _, err := New(&config.TracingConfig{Enabled: true}); err == nil {
		t.Error("New() enabled without endpoint should fail")
	}
}
