// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package hlotel provides OpenTelemetry instrumentation for hostlink
// links. It implements the [hostlink.TransferHook] interface to add
// tracing and metrics to host transfers, and registers an observable gauge
// for outbound queue depth.
//
// Usage:
//
//	link, _ := hostlink.NewLink(router)
//	hlotel.InstrumentLink(link, hlotel.DefaultConfig())
package hlotel

import (
	"context"
	"fmt"
	"time"

	"github.com/Query-farm/hostlink/hostlink"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "hostlink"

// Config configures OpenTelemetry instrumentation for a host link.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter, histogram, and gauge recording.
	// Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed transfers.
	// Default true.
	RecordExceptions bool
	// LinkName is the transport.name attribute value. Defaults to the
	// link's ID.
	LinkName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with sensible defaults. Providers are
// resolved from the global OTel SDK at instrumentation time.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentLink attaches OpenTelemetry instrumentation to a host link.
// The hook is installed via [hostlink.Link.SetTransferHook]; call it
// before the host starts driving the link.
func InstrumentLink(link *hostlink.Link, cfg Config) {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.LinkName == "" {
		cfg.LinkName = link.ID()
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.transferCounter, _ = meter.Int64Counter("hostlink.transfers",
			metric.WithUnit("{transfer}"),
			metric.WithDescription("Number of host transfers"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("hostlink.transfer.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of host transfers"),
		)
		hook.wireBytesCounter, _ = meter.Int64Counter("hostlink.wire.bytes",
			metric.WithUnit("By"),
			metric.WithDescription("Container bytes crossing the link"),
		)
		_, _ = meter.Int64ObservableGauge("hostlink.queue.depth",
			metric.WithUnit("{message}"),
			metric.WithDescription("Outbound messages awaiting host pickup"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(link.PendingOutbound()),
					metric.WithAttributes(attribute.String("transport.name", cfg.LinkName)))
				return nil
			}),
		)
	}

	link.SetTransferHook(hook)
}

// otelHook implements hostlink.TransferHook with OpenTelemetry tracing and
// metrics.
type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	transferCounter   metric.Int64Counter
	durationHistogram metric.Float64Histogram
	wireBytesCounter  metric.Int64Counter
}

// spanToken is the HookToken returned by OnTransferStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnTransferStart starts a span for the transfer.
func (h *otelHook) OnTransferStart(ctx context.Context, info hostlink.TransferInfo) (context.Context, hostlink.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("transport.system", "hostlink"),
		attribute.String("transport.name", h.cfg.LinkName),
		attribute.String("transport.direction", info.Direction),
		attribute.String("transport.link_id", info.LinkID),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("hostlink/%s", info.Direction),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnTransferEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnTransferEnd(ctx context.Context, token hostlink.HookToken, info hostlink.TransferInfo, stats *hostlink.TransferStats, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("transport.system", "hostlink"),
			attribute.String("transport.name", h.cfg.LinkName),
			attribute.String("transport.direction", info.Direction),
			attribute.String("status", status),
		)
		if h.transferCounter != nil {
			h.transferCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
		if h.wireBytesCounter != nil && stats != nil && stats.WireBytes > 0 {
			h.wireBytesCounter.Add(ctx, stats.WireBytes, metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		st.span.SetAttributes(
			attribute.String("transport.app_id", fmt.Sprintf("0x%016x", info.AppID)),
			attribute.Int64("transport.message_type", int64(info.MessageType)),
			attribute.Int64("transport.host_endpoint", int64(info.HostEndpoint)),
		)
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("transport.wire_bytes", stats.WireBytes),
				attribute.Int64("transport.payload_bytes", stats.PayloadBytes),
				attribute.Bool("transport.compressed", stats.Compressed),
			)
		}

		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			errType := fmt.Sprintf("%T", err)
			if linkErr, ok := err.(*hostlink.LinkError); ok {
				errType = linkErr.Type
			}
			st.span.SetAttributes(attribute.String("transport.error_type", errType))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}

		st.span.End()
	}
}
