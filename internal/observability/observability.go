package observability

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, route, method, and status.",
		},
		[]string{"service", "route", "method", "status"},
	)
	ingestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_total",
			Help: "Telemetry payloads handled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	devicesRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sensor_devices_registered_total",
			Help: "Devices auto-registered on first reading.",
		},
	)
)

func init() { prometheus.MustRegister(requestCounter, ingestCounter, devicesRegistered) }

// Ingest outcomes.
const (
	OutcomeStored   = "stored"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
)

func RecordIngest(source, outcome string) {
	ingestCounter.WithLabelValues(source, outcome).Inc()
}

func RecordDeviceRegistered() { devicesRegistered.Inc() }

// SetupObservability installs the global meter and tracer providers. Traces are exported over
// OTLP/HTTP only when OTEL_EXPORTER_OTLP_ENDPOINT is set.
func SetupObservability(serviceName string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		slog.Error("failed to create prometheus exporter", "error", err)
		os.Exit(1)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Error("failed to create otel resource", "error", err)
		os.Exit(1)
	}

	var tp *trace.TracerProvider
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		exp, err := otlptracehttp.New(context.Background())
		if err != nil {
			slog.Error("failed to create otlp exporter", "error", err)
			os.Exit(1)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() {
		_ = tp.Shutdown(context.Background())
		_ = meterProvider.Shutdown(context.Background())
	}
	promHandler = promhttp.Handler()
	tracer = otel.Tracer(serviceName)
	return shutdown, promHandler, tracer
}

// MetricsAndTracingMiddleware counts requests per chi route pattern and wraps each in a span.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+r.URL.Path)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			next.ServeHTTP(rw, r.WithContext(ctx))

			// Label by route pattern, not raw path, to keep device ids out of metric labels.
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := rw.status
			span.SetAttributes(attribute.Int("http.status_code", status), attribute.String("http.route", route))
			requestCounter.WithLabelValues(serviceName, route, method, strconv.Itoa(status)).Inc()
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
