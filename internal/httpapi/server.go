package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensor-service/internal/ingest"
	"sensor-service/internal/middleware"
	"sensor-service/internal/observability"
	"sensor-service/internal/ratelimit"
	"sensor-service/internal/sensor"
	"sensor-service/internal/store"
	"sensor-service/pkg/errors"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxBodyBytes   = 64 << 10

	savedMessage = "Sensor data saved successfully"
)

type Options struct {
	// Realtime serves /ws/sensors when set.
	Realtime http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Limiter throttles ingestion per client IP when set.
	Limiter *ratelimit.RateLimiter
	// AuthKey turns on RS256 JWT checks for the read APIs and the websocket.
	AuthKey        *rsa.PublicKey
	Tracer         oteltrace.Tracer
	ServiceName    string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	AllowedOrigins []string
}

type Server struct {
	repo *store.Repo
	ing  *ingest.Ingestor
	opts Options
}

func New(repo *store.Repo, ing *ingest.Ingestor, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "sensor-service"
	}
	return &Server{repo: repo, ing: ing, opts: opts}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		errors.WriteError(w, errors.NotFound("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		errors.WriteError(w, errors.MethodNotAllowed())
	})

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.opts.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.opts.Tracer, s.opts.ServiceName))
	}
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Trace-ID", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	requireAuth := middleware.Optional(s.opts.AuthKey != nil, middleware.JWTAuthMiddlewareRS256(s.opts.AuthKey))

	if s.opts.Realtime != nil {
		// No request timeout: the connection outlives the upgrade.
		r.With(requireAuth).Get("/ws/sensors", s.opts.Realtime.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(s.opts.RequestTimeout))

		// Ingestion is open to devices; throttling is the only gate.
		r.Group(func(r chi.Router) {
			if s.opts.Limiter != nil {
				r.Use(s.opts.Limiter.Middleware(ratelimit.KeyByIP))
			}
			r.Post("/api/sensors", s.handleIngest)
			r.Post("/api/sensors/{kind}", s.handleIngest)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/api/devices", s.handleDevicesList)
			r.Get("/api/devices/{device_id}", s.handleDevicesGet)
			r.Get("/api/devices/{device_id}/readings", s.handleReadingsList)
			r.Post("/api/devices/{device_id}/readings", s.handleReadingsAppend)
			r.Get("/api/devices/{device_id}/stats", s.handleStats)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type ingestResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Device  ingest.DeviceSummary  `json:"device"`
	Reading ingest.ReadingSummary `json:"reading"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := sensor.Decode(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ing.Ingest(r.Context(), ingest.SourceHTTP, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	slog.Debug("sensor payload accepted", "kind", chi.URLParam(r, "kind"), "device_id", res.Device.ID)
	writeJSON(w, http.StatusOK, ingestResponse{
		Success: true,
		Message: savedMessage,
		Device:  res.Device,
		Reading: res.Reading,
	})
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevicesWithLatest(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleDevicesGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "device_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dev, err := s.repo.GetDeviceWithLatest(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

type readingsResponse struct {
	DeviceID   uuid.UUID       `json:"deviceId"`
	From       *time.Time      `json:"from,omitempty"`
	To         *time.Time      `json:"to,omitempty"`
	Readings   []store.Reading `json:"readings"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) handleReadingsList(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "device_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	from, fromPtr, err := parseTimePtr(q.Get("from"))
	if err != nil {
		s.fail(w, r, errors.Validation("invalid from"))
		return
	}
	to, toPtr, err := parseTimePtr(q.Get("to"))
	if err != nil {
		s.fail(w, r, errors.Validation("invalid to"))
		return
	}
	limit := 100
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, errors.Validation("invalid limit"))
			return
		}
		limit = n
	}
	desc := strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc")
	cursor, err := store.DecodeCursor(q.Get("cursor"))
	if err != nil {
		s.fail(w, r, errors.Validation("invalid cursor"))
		return
	}

	page, err := s.repo.ListReadings(r.Context(), id, from, to, limit, cursor, desc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readingsResponse{
		DeviceID:   id,
		From:       fromPtr,
		To:         toPtr,
		Readings:   page.Readings,
		NextCursor: page.NextCursor,
	})
}

func (s *Server) handleReadingsAppend(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "device_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sample, err := sensor.DecodeSample(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rd, err := s.repo.AppendReading(r.Context(), id, sample, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": savedMessage,
		"reading": ingest.SummarizeReading(rd),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "device_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	window := store.DefaultStatsWindow
	if v := strings.TrimSpace(r.URL.Query().Get("window")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.fail(w, r, errors.Validation("invalid window"))
			return
		}
		window = d
	}
	st, err := s.repo.StatsFor(r.Context(), id, window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.NewAppError(http.StatusRequestEntityTooLarge, "Request body too large", err)
		}
		return nil, errors.Validation("could not read request body")
	}
	return body, nil
}

// fail writes the error envelope. Server-side causes are logged, never returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	app := errors.From(err)
	if app.Code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err)
	}
	errors.WriteError(w, app)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return uuid.Nil, errors.Validation("missing id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Validation("invalid device id")
	}
	return id, nil
}

func parseTimePtr(v string) (time.Time, *time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, nil, err
	}
	t = t.UTC()
	return t, &t, nil
}
