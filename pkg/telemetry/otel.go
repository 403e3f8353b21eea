package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Resource attribute keys identifying one grid process
const (
	SymbolKey    = attribute.Key("grid.symbol")
	SessionIDKey = attribute.Key("grid.session_id")
)

// Options describe the process the providers report for
type Options struct {
	Service   string
	Symbol    string
	SessionID string
	// Exporter selects where spans and log records go, ExporterNone or ExporterStdout.
	// Metrics are always exposed through the Prometheus reader.
	Exporter string
	Writer   io.Writer // stdout when nil
}

// Telemetry owns the installed OTel providers
type Telemetry struct {
	res *resource.Resource
	tp  *trace.TracerProvider
	mp  *sdkmetric.MeterProvider
	lp  *sdklog.LoggerProvider
}

// Setup installs global trace, metric and log providers tagged with the service, symbol and
// session, and initializes the grid instruments
func Setup(opts Options) (*Telemetry, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Exporter == "" {
		opts.Exporter = ExporterNone
	}

	res, err := newResource(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	spans, err := newSpanExporter(opts.Exporter, opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tpOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if spans != nil {
		tpOpts = append(tpOpts, trace.WithBatcher(spans))
	}
	tp := trace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	reader, err := newMetricReader()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := GetGlobalMetrics().InitMetrics(mp.Meter(opts.Service)); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	logs, err := newLogExporter(opts.Exporter, opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	lpOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if logs != nil {
		lpOpts = append(lpOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(logs)))
	}
	lp := sdklog.NewLoggerProvider(lpOpts...)
	global.SetLoggerProvider(lp)

	return &Telemetry{res: res, tp: tp, mp: mp, lp: lp}, nil
}

func newResource(opts Options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(opts.Service)}
	if opts.Symbol != "" {
		attrs = append(attrs, SymbolKey.String(opts.Symbol))
	}
	if opts.SessionID != "" {
		attrs = append(attrs, SessionIDKey.String(opts.SessionID))
	}
	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

// Resource returns the attributes every signal carries
func (t *Telemetry) Resource() *resource.Resource { return t.res }

// Shutdown flushes and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown failed: %w", err))
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown failed: %w", err))
	}
	if err := t.lp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("log provider shutdown failed: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

// GetMeter returns a meter for the given name
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer for the given name
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
