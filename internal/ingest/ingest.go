package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"sensor-service/internal/observability"
	"sensor-service/internal/sensor"
	"sensor-service/internal/store"
	"sensor-service/pkg/errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Notifier is told about every stored reading. Failures are the notifier's problem.
type Notifier interface {
	NotifyReading(ctx context.Context, res Result)
}

type Ingestor struct {
	Repo           *store.Repo
	Notifiers      []Notifier
	AllowRetains   bool
	MessageTimeout time.Duration
}

type DeviceSummary struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Location string    `json:"location"`
}

type ReadingSummary struct {
	ID          uuid.UUID `json:"id"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	Pressure    *float64  `json:"pressure"`
	Motion      *bool     `json:"motion"`
	Light       *float64  `json:"light"`
	Metadata    *string   `json:"metadata"`
	Timestamp   time.Time `json:"timestamp"`
}

type Result struct {
	Device  DeviceSummary  `json:"device"`
	Reading ReadingSummary `json:"reading"`
	Created bool           `json:"-"`
	Source  string         `json:"-"`
}

func SummarizeReading(rd *store.Reading) ReadingSummary {
	return ReadingSummary{
		ID:          rd.ID,
		Temperature: rd.Temperature,
		Humidity:    rd.Humidity,
		Pressure:    rd.Pressure,
		Motion:      rd.Motion,
		Light:       rd.Light,
		Metadata:    rd.Metadata,
		Timestamp:   rd.CreatedAt,
	}
}

// Ingest registers the device on first sight and appends one reading.
// A device created before a failed append is kept; the next retry resolves it by name.
func (i *Ingestor) Ingest(ctx context.Context, source string, p sensor.Payload) (*Result, error) {
	ctx, span := otel.Tracer("sensor-service/ingest").Start(ctx, "ingest.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("ingest.source", source), attribute.String("device.name", p.DeviceName))

	if missing := p.Missing(); len(missing) > 0 {
		observability.RecordIngest(source, observability.OutcomeRejected)
		span.SetStatus(codes.Error, "missing fields")
		return nil, errors.MissingFields(missing...)
	}

	dev, created, err := i.Repo.ResolveOrRegister(ctx, p.DeviceName, p.DeviceType, p.Location)
	if err != nil {
		i.fail(source, span, err)
		return nil, err
	}
	if created {
		observability.RecordDeviceRegistered()
		slog.Info("sensor device registered", "device_id", dev.ID, "device_name", dev.Name, "type", dev.Type, "location", dev.Location)
	}

	rd, err := i.Repo.AppendReading(ctx, dev.ID, p.Sample, p.Raw)
	if err != nil {
		i.fail(source, span, err)
		return nil, err
	}

	res := Result{
		Device:  DeviceSummary{ID: dev.ID, Name: dev.Name, Type: dev.Type, Location: dev.Location},
		Reading: SummarizeReading(rd),
		Created: created,
		Source:  source,
	}
	observability.RecordIngest(source, observability.OutcomeStored)
	span.SetAttributes(attribute.String("device.id", dev.ID.String()), attribute.Bool("device.created", created))
	slog.Debug("sensor reading stored", "device_id", dev.ID, "reading_id", rd.ID, "source", source)

	i.notify(ctx, res)
	return &res, nil
}

func (i *Ingestor) fail(source string, span trace.Span, err error) {
	outcome := observability.OutcomeFailed
	if app := errors.From(err); app.Code < 500 {
		outcome = observability.OutcomeRejected
	}
	observability.RecordIngest(source, outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, "ingest failed")
}

func (i *Ingestor) notify(ctx context.Context, res Result) {
	for _, n := range i.Notifiers {
		if n == nil {
			continue
		}
		n.NotifyReading(ctx, res)
	}
}

// Message is the subset of an MQTT message the ingestor needs.
type Message interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

// HandleMessage ingests one bus message. Bad or failing messages are logged and dropped.
func (i *Ingestor) HandleMessage(ctx context.Context, msg Message) {
	topic := msg.Topic()
	if msg.Retained() && !i.AllowRetains {
		slog.Debug("sensor ingest ignoring retained", "topic", topic)
		return
	}
	payload := msg.Payload()
	if len(payload) == 0 || !json.Valid(payload) {
		observability.RecordIngest(SourceMQTT, observability.OutcomeDropped)
		slog.Warn("sensor ingest invalid json", "topic", topic)
		return
	}
	p, err := sensor.Decode(payload)
	if err != nil {
		observability.RecordIngest(SourceMQTT, observability.OutcomeDropped)
		slog.Warn("sensor ingest decode failed", "topic", topic, "error", err)
		return
	}

	timeout := i.MessageTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := i.Ingest(ctx, SourceMQTT, p); err != nil {
		slog.Error("sensor ingest failed", "topic", topic, "device_name", p.DeviceName, "error", err)
	}
}
