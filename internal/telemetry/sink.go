package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/adlift/adferry/internal/frame"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/warehouse"
)

const sinkScopeName = "github.com/adlift/adferry/warehouse"

// InstrumentedSink wraps a pipeline.Sink with OTel tracing and metrics:
// a span per warehouse call, adferry.sink.* counters and a load-duration
// histogram. Use WrapSink to create one; it returns the original sink
// unchanged when telemetry is disabled.
type InstrumentedSink struct {
	inner pipeline.Sink

	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	rows   metric.Int64Counter
	errs   metric.Int64Counter
}

// WrapSink returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapSink(s pipeline.Sink) pipeline.Sink {
	if !Enabled() {
		return s
	}
	m := Meter(sinkScopeName)
	ops, _ := m.Int64Counter("adferry.sink.operations",
		metric.WithDescription("Total warehouse operations executed"),
	)
	dur, _ := m.Float64Histogram("adferry.sink.load.duration",
		metric.WithDescription("Warehouse load duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	rows, _ := m.Int64Counter("adferry.sink.rows",
		metric.WithDescription("Rows written to the warehouse"),
	)
	errs, _ := m.Int64Counter("adferry.sink.errors",
		metric.WithDescription("Warehouse operations that returned an error"),
	)
	return &InstrumentedSink{
		inner:  s,
		tracer: Tracer(sinkScopeName),
		ops:    ops,
		dur:    dur,
		rows:   rows,
		errs:   errs,
	}
}

func (s *InstrumentedSink) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "sink."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedSink) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedSink) Load(ctx context.Context, f *frame.Frame, table string, opts warehouse.Options) (int64, error) {
	attrs := []attribute.KeyValue{
		attribute.String("adferry.table", table),
		attribute.String("adferry.load.mode", string(opts.Mode)),
	}
	if f != nil {
		attrs = append(attrs, attribute.Int("adferry.payload.rows", f.Len()))
	}
	ctx, span, t := s.op(ctx, "Load", attrs...)
	n, err := s.inner.Load(ctx, f, table, opts)
	if err == nil {
		span.SetAttributes(attribute.Int64("adferry.loaded.rows", n))
		s.rows.Add(ctx, n, metric.WithAttributes(attrs...))
	}
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedSink) Query(ctx context.Context, sql string, args ...any) (*frame.Frame, error) {
	ctx, span, t := s.op(ctx, "Query")
	f, err := s.inner.Query(ctx, sql, args...)
	if err == nil && f != nil {
		span.SetAttributes(attribute.Int("adferry.result.rows", f.Len()))
	}
	s.done(ctx, span, t, err)
	return f, err
}

func (s *InstrumentedSink) QualifyTarget(table string) string {
	return s.inner.QualifyTarget(table)
}
