// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package wartotel provides OpenTelemetry instrumentation for wart_rpc
// servers and clients. On the server it implements [wartrpc.DispatchHook]
// to add distributed tracing and metrics to RPC dispatch.
//
// Usage:
//
//	server := wartrpc.NewServer()
//	// ... register methods ...
//	wartotel.InstrumentServer(server, wartotel.DefaultConfig())
package wartotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Query-farm/wart-worker/wartrpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "wart_rpc"

// OtelConfig configures OpenTelemetry instrumentation for a wart_rpc server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from transport metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value.
	// Defaults to Server.ServiceName() or "wart-worker".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording on. TracerProvider, MeterProvider, and Propagator are resolved
// from the global OTel SDK at instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer attaches OpenTelemetry instrumentation to a wart_rpc server.
// The hook is installed via [wartrpc.Server.SetDispatchHook].
func InstrumentServer(server *wartrpc.Server, cfg OtelConfig) error {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = server.ServiceName()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wart-worker"
	}

	h := &hook{cfg: cfg, tracer: cfg.TracerProvider.Tracer(instrumentationName)}
	if cfg.EnableMetrics {
		inst, err := newInstruments(cfg.MeterProvider.Meter(instrumentationName))
		if err != nil {
			return err
		}
		h.inst = inst
	}
	server.SetDispatchHook(h)
	return nil
}

// InstrumentClient makes c send the trace context of each call's ctx in
// the request metadata, using propagator or the global one when nil.
func InstrumentClient(c interface {
	SetMetadataInjector(func(context.Context) map[string]string)
}, propagator propagation.TextMapPropagator) {
	c.SetMetadataInjector(func(ctx context.Context) map[string]string {
		p := propagator
		if p == nil {
			p = otel.GetTextMapPropagator()
		}
		carrier := propagation.MapCarrier{}
		p.Inject(ctx, carrier)
		if len(carrier) == 0 {
			return nil
		}
		return carrier
	})
}

type instruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	rows     metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		errs []error
		err  error
	)
	inst.requests, err = meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of RPC requests"))
	errs = append(errs, err)
	inst.duration, err = meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of RPC requests"))
	errs = append(errs, err)
	inst.rows, err = meter.Int64Counter("rpc.server.rows",
		metric.WithUnit("{row}"),
		metric.WithDescription("Rows received and sent by RPC requests"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}
	return &inst, nil
}

func (in *instruments) record(ctx context.Context, base []attribute.KeyValue, status string, elapsed time.Duration, stats *wartrpc.CallStatistics) {
	withStatus := metric.WithAttributes(append(base, attribute.String("status", status))...)
	in.requests.Add(ctx, 1, withStatus)
	in.duration.Record(ctx, elapsed.Seconds(), withStatus)
	if stats == nil {
		return
	}
	in.rows.Add(ctx, stats.InputRows, metric.WithAttributes(append(base, attribute.String("direction", "in"))...))
	in.rows.Add(ctx, stats.OutputRows, metric.WithAttributes(append(base, attribute.String("direction", "out"))...))
}

// hook implements wartrpc.DispatchHook. inst is nil when metrics are off.
type hook struct {
	cfg    OtelConfig
	tracer trace.Tracer
	inst   *instruments
}

// dispatch is the HookToken carried from start to end of one call.
type dispatch struct {
	span  trace.Span // nil when tracing is off
	start time.Time
}

func (h *hook) baseAttrs(info wartrpc.DispatchInfo) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rpc.system", instrumentationName),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.wart_rpc.method_type", info.MethodType),
	}
}

// OnDispatchStart continues the caller's trace, if its metadata carries
// one, and opens a server span named after the method.
func (h *hook) OnDispatchStart(ctx context.Context, info wartrpc.DispatchInfo) (context.Context, wartrpc.HookToken) {
	if h.cfg.Propagator != nil && info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}
	d := &dispatch{start: time.Now()}
	if !h.cfg.EnableTracing {
		return ctx, d
	}

	attrs := append(h.baseAttrs(info), attribute.String("rpc.wart_rpc.server_id", info.ServerID))
	if info.RequestID != "" {
		attrs = append(attrs, attribute.String("rpc.wart_rpc.request_id", info.RequestID))
	}
	// Set by the HTTP transport only.
	if v := info.TransportMetadata["remote_addr"]; v != "" {
		attrs = append(attrs, attribute.String("net.peer.ip", v))
	}
	if v := info.TransportMetadata["user_agent"]; v != "" {
		attrs = append(attrs, attribute.String("user_agent.original", v))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, d.span = h.tracer.Start(ctx, instrumentationName+"/"+info.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, d
}

// OnDispatchEnd records metrics and closes the span.
func (h *hook) OnDispatchEnd(ctx context.Context, token wartrpc.HookToken, info wartrpc.DispatchInfo, stats *wartrpc.CallStatistics, err error) {
	d, ok := token.(*dispatch)
	if !ok {
		return
	}
	if h.inst != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		h.inst.record(ctx, h.baseAttrs(info), status, time.Since(d.start), stats)
	}
	if d.span != nil {
		h.finish(d.span, stats, err)
	}
}

func (h *hook) finish(span trace.Span, stats *wartrpc.CallStatistics, err error) {
	defer span.End()
	if !span.IsRecording() {
		return
	}
	if stats != nil {
		span.SetAttributes(
			attribute.Int64("rpc.wart_rpc.input_batches", stats.InputBatches),
			attribute.Int64("rpc.wart_rpc.output_batches", stats.OutputBatches),
			attribute.Int64("rpc.wart_rpc.input_rows", stats.InputRows),
			attribute.Int64("rpc.wart_rpc.output_rows", stats.OutputRows),
			attribute.Int64("rpc.wart_rpc.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.wart_rpc.output_bytes", stats.OutputBytes),
		)
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, err.Error())
	if h.cfg.RecordExceptions {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("rpc.wart_rpc.error_type", errorType(err)))
}

// errorType is the wire type of a wart_rpc error, or the Go type otherwise.
func errorType(err error) string {
	var rpcErr *wartrpc.RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	return fmt.Sprintf("%T", err)
}
