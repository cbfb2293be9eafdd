package observe

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// quietRoutes are polled by health checks and scrapers; their completion is logged
// at debug level.
var quietRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// annotations collects request fields added by handlers.
type annotations struct {
	mu    sync.Mutex
	attrs []attribute.KeyValue
}

type annotationsKey struct{}

// Annotate attaches key=value to the request served under ctx. The
// middleware adds it to the request span and the completion log line.
// Outside a request only the active span is tagged.
func Annotate(ctx context.Context, key, value string) {
	kv := attribute.String(key, value)
	trace.SpanFromContext(ctx).SetAttributes(kv)
	if a, ok := ctx.Value(annotationsKey{}).(*annotations); ok {
		a.mu.Lock()
		a.attrs = append(a.attrs, kv)
		a.mu.Unlock()
	}
}

// Middleware instruments the control API. Each request gets a server span
// continuing any W3C trace context it carries, an X-Correlation-ID response
// header, a duration sample labelled by route and status class, and one
// completion log line. Routes with a {tab} wildcard are tagged with the tab
// id, and fields added through [Annotate] (the session id, for one) are
// carried onto the span and the log line.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			ann := &annotations{}
			ctx = context.WithValue(ctx, annotationsKey{}, ann)

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The mux fills in the pattern while routing. Metrics only ever
			// see patterns so label cardinality stays bounded.
			route := r.Pattern
			if route == "" {
				route = r.Method + " " + r.URL.Path
			}
			span.SetName("HTTP " + route)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
			if tab := r.PathValue("tab"); tab != "" {
				Annotate(ctx, "tab.id", tab)
			}

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", routePath(r.Pattern)),
					attribute.String("status", statusClass(rec.statusCode)),
				),
			)

			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			ann.mu.Lock()
			for _, kv := range ann.attrs {
				attrs = append(attrs, slog.String(string(kv.Key), kv.Value.AsString()))
			}
			ann.mu.Unlock()

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietRoutes[route]:
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}

// routePath strips the method from a mux pattern. Requests no route
// matched share one label.
func routePath(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

// statusClass maps 404 to "4xx".
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
