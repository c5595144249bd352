package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/yarsha/internal/config"
	"go.opentelemetry.io/otel"
)

func TestSetupDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), config.Tracing{}, "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled tracing replaced the global provider")
	}
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := Setup(context.Background(), config.Tracing{
		OTLPEndpoint: "127.0.0.1:1",
		ServiceName:  "yarshad-test",
		SampleRatio:  1,
	}, "main")
	if err != nil {
		t.Fatal(err)
	}
	if otel.GetTracerProvider() == before {
		t.Error("provider not installed")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Error("span not sampled")
	}
	span.End()

	// Nothing listens on the endpoint; shutdown must still return.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
