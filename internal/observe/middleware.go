package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware instruments the metrics and health mux. Each request gets a
// server span (joining incoming W3C trace context when present), an
// X-Correlation-ID response header carrying the trace ID, a sample in
// [Metrics.HTTPRequestDuration], and a trace-bound access log line.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tw := &trackedWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tw, r.WithContext(ctx))

			elapsed := time.Since(started)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(tw.status))

			Logger(ctx).Info("http request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", tw.status,
				"duration", elapsed,
			)
		})
	}
}

// trackedWriter remembers the status code the inner handler wrote so it can
// be attached to the span and the access log after the handler returns.
type trackedWriter struct {
	http.ResponseWriter
	status int
}

func (t *trackedWriter) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}
