package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// controlAPI mimics the shape of the livedub control routes.
func controlAPI(m *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), "session.id", "sess-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/tabs/{tab}/media", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("tab") == "404" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(m)(mux)
}

func serve(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func spanAttrs(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		method, path string
		wantName     string
		wantAttrs    map[string]string
	}{
		{
			method:    "POST",
			path:      "/v1/session",
			wantName:  "HTTP POST /v1/session",
			wantAttrs: map[string]string{"session.id": "sess-1", "http.response.status_code": "202"},
		},
		{
			method:    "GET",
			path:      "/v1/tabs/42/media",
			wantName:  "HTTP GET /v1/tabs/{tab}/media",
			wantAttrs: map[string]string{"tab.id": "42", "http.response.status_code": "200"},
		},
		{
			method:    "GET",
			path:      "/nowhere",
			wantName:  "HTTP GET /nowhere",
			wantAttrs: map[string]string{"http.response.status_code": "404"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.wantName, func(t *testing.T) {
			m, _, exp := testSetup(t)
			serve(controlAPI(m), tc.method, tc.path, nil)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != tc.wantName {
				t.Errorf("span name = %q, want %q", spans[0].Name, tc.wantName)
			}
			got := spanAttrs(spans[0].Attributes)
			for k, want := range tc.wantAttrs {
				if got[k] != want {
					t.Errorf("span attribute %s = %q, want %q", k, got[k], want)
				}
			}
		})
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	m, reader, _ := testSetup(t)
	h := controlAPI(m)
	serve(h, "GET", "/v1/tabs/1/media", nil)
	serve(h, "GET", "/v1/tabs/2/media", nil)
	serve(h, "GET", "/v1/tabs/404/media", nil)
	serve(h, "GET", "/nowhere", nil)
	serve(h, "GET", "/elsewhere", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "livedub.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	got := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		got[path.AsString()+" "+status.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"/v1/tabs/{tab}/media 2xx": 2,
		"/v1/tabs/{tab}/media 4xx": 1,
		"unmatched 4xx":            2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("duration samples mismatch (-want +got):\n%s", diff)
	}
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var captured string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	}))
	rec := serve(h, "GET", "/v1/session", nil)

	if len(captured) != 32 {
		t.Errorf("correlation ID = %q, want a 32-char trace id", captured)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != captured {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, captured)
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var captured string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	}))
	rec := serve(h, "GET", "/v1/session", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if captured != traceID {
		t.Errorf("correlation ID = %q, want %q", captured, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestAnnotate_OutsideRequest(t *testing.T) {
	_, _, exp := testSetup(t)

	ctx, span := StartSpan(context.Background(), "session.start")
	Annotate(ctx, "session.id", "sess-2")
	Annotate(context.Background(), "ignored", "x")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spanAttrs(spans[0].Attributes)["session.id"]; got != "sess-2" {
		t.Errorf("session.id = %q, want sess-2", got)
	}
}

func TestRoutePathAndStatusClass(t *testing.T) {
	t.Parallel()
	for pattern, want := range map[string]string{
		"":                         "unmatched",
		"GET /healthz":             "/healthz",
		"GET /v1/tabs/{tab}/media": "/v1/tabs/{tab}/media",
		"/legacy":                  "/legacy",
	} {
		if got := routePath(pattern); got != want {
			t.Errorf("routePath(%q) = %q, want %q", pattern, got, want)
		}
	}
	for code, want := range map[int]string{200: "2xx", 202: "2xx", 404: "4xx", 503: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
