package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// adminMux mimics the node's admin surface: one wildcard route that echoes
// the correlation id it saw and one that always refuses.
func adminMux(seen *string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		*seen = CorrelationID(r.Context())
	})
	mux.HandleFunc("POST /entities/{id}/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	return mux
}

func instrumented(t *testing.T) (http.Handler, *string, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := useTracer(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	seen := new(string)
	return Middleware(m)(adminMux(seen)), seen, reader, exp
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantName   string
		wantStatus int64
	}{
		{"describe", http.MethodGet, "/entities/Player:ZH0toCzB90", "HTTP GET /entities/{id}", 200},
		{"refresh refused", http.MethodPost, "/entities/Session:0000000001/refresh", "HTTP POST /entities/{id}/refresh", 422},
		{"unmatched", http.MethodGet, "/nope", "HTTP GET", 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, exp := instrumented(t)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if int64(rec.Code) != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if spans[0].Name != tt.wantName {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantName)
			}
			var status int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != tt.wantStatus {
				t.Errorf("span status attribute = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{"new trace", "", ""},
		{"incoming trace", "00-" + incomingTraceID + "-00f067aa0ba902b7-01", incomingTraceID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen, _, _ := instrumented(t)
			req := httptest.NewRequest(http.MethodGet, "/entities/Player:0000000036", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(*seen) != 32 {
				t.Fatalf("handler saw correlation id %q", *seen)
			}
			if tt.want != "" && *seen != tt.want {
				t.Errorf("correlation id = %s, want the incoming %s", *seen, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != *seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, *seen)
			}
		})
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	h, _, reader, _ := instrumented(t)
	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/entities/Player:ZH0toCzB90"},
		{http.MethodGet, "/entities/Player:0000000036"},
		{http.MethodPost, "/entities/Player:0000000036/refresh"},
		{http.MethodGet, "/nope"},
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "entitymesh.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"GET /entities/{id} 200":          2,
		"POST /entities/{id}/refresh 422": 1,
		unmatchedRoute + " 404":           1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("samples for %q = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
}
