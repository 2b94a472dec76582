// Package telemetry wires the OpenTelemetry meter provider. Without an OTLP
// endpoint instruments stay on the global no-op provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agent-racer/tracewatch/internal/config"
)

const serviceName = "tracewatch"

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

// Setup installs an OTLP gRPC metric pipeline as the global meter provider
// and returns it. With no endpoint configured it returns the current global
// provider and a no-op Shutdown.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string) (metric.MeterProvider, Shutdown, error) {
	if cfg.OTLPEndpoint == "" {
		return otel.GetMeterProvider(), func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}

	provider, err := NewProvider(ctx, sdkmetric.NewPeriodicReader(exp, readerOpts...), version)
	if err != nil {
		return nil, nil, err
	}
	otel.SetMeterProvider(provider)
	return provider, provider.Shutdown, nil
}

// NewProvider builds a meter provider that tags every metric with the
// service resource and reads through reader.
func NewProvider(ctx context.Context, reader sdkmetric.Reader, version string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}
