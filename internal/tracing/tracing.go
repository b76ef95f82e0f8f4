// Package tracing sets up distributed tracing spans the way dendrite's own
// components thread opentracing through a request (see e.g. the pack's
// appservice query handlers' opentracing.StartSpanFromContext(ctx, name)/
// defer span.Finish() pattern), backed by Jaeger rather than a no-op tracer
// so spans from C7's outbound federation requests and C8's inbound event
// processing actually go somewhere.
package tracing

import (
	"io"

	"github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// Init installs a Jaeger-backed tracer as the process-wide
// opentracing.GlobalTracer, sampling every trace (appropriate for a
// single-process homeserver core, not a high-throughput public deployment).
// The returned closer must be Closed on shutdown to flush buffered spans.
func Init(serviceName string) (io.Closer, error) {
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
	}
	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}
