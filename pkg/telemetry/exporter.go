package telemetry

import (
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporter kinds for spans and log records
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Exporters lists the accepted exporter kinds
var Exporters = []string{ExporterNone, ExporterStdout}

// newSpanExporter returns nil for ExporterNone; the tracer provider then records nothing
func newSpanExporter(kind string, w io.Writer) (trace.SpanExporter, error) {
	switch kind {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter %q", kind)
	}
}

func newLogExporter(kind string, w io.Writer) (sdklog.Exporter, error) {
	switch kind {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w), stdoutlog.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter %q", kind)
	}
}

// newMetricReader registers with the default Prometheus registry served on /metrics
func newMetricReader() (sdkmetric.Reader, error) {
	return prometheus.New()
}
