package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("YT2CH_OTEL_ENABLED", "")

	if err := Init(context.Background(), "yt2ch", "test"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if len(shutdownFns) != 0 {
		t.Errorf("shutdownFns = %d, want none when disabled", len(shutdownFns))
	}

	_, span := Tracer("").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled telemetry should produce invalid (noop) spans")
	}
	span.End()
}

func TestInitEnabledWithoutExporters(t *testing.T) {
	t.Setenv("YT2CH_OTEL_ENABLED", "true")
	t.Setenv("YT2CH_OTEL_STDOUT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if err := Init(context.Background(), "yt2ch", "test"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer Shutdown(context.Background())

	_, span := Tracer("").Start(context.Background(), "sampled")
	if !span.SpanContext().IsValid() {
		t.Error("enabled telemetry should produce real spans")
	}
	span.End()

	counter, err := Meter("").Int64Counter("yt2ch.test")
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(context.Background(), 1)
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty() = %q, want b", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("firstNonEmpty() = %q, want empty", got)
	}
}
