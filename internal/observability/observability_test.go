package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestMiddlewareCountsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsAndTracingMiddleware(noop.NewTracerProvider().Tracer("test"), "sensor-service-test"))
	r.Get("/api/devices/{device_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rw := httptest.NewRecorder()
		r.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/devices/"+id, nil))
		if rw.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rw.Code)
		}
	}

	got := testutil.ToFloat64(requestCounter.WithLabelValues("sensor-service-test", "/api/devices/{device_id}", http.MethodGet, "404"))
	if got != 2 {
		t.Fatalf("expected 2 requests counted under the route pattern, got %v", got)
	}
}

func TestRecordIngest(t *testing.T) {
	before := testutil.ToFloat64(ingestCounter.WithLabelValues("mqtt", OutcomeDropped))
	RecordIngest("mqtt", OutcomeDropped)
	if got := testutil.ToFloat64(ingestCounter.WithLabelValues("mqtt", OutcomeDropped)); got != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, got)
	}
}
