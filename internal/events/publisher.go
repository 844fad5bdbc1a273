package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sensor-service/internal/ingest"

	"github.com/segmentio/kafka-go"
)

const TypeReadingCreated = "sensor.reading.created"

// Writer is the part of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string
	Topic   string
	// WriteTimeout bounds each publish so a slow broker cannot stall ingestion.
	WriteTimeout time.Duration
}

type ReadingEvent struct {
	Type      string                `json:"type"`
	Source    string                `json:"source"`
	DeviceNew bool                  `json:"deviceCreated"`
	Device    ingest.DeviceSummary  `json:"device"`
	Reading   ingest.ReadingSummary `json:"reading"`
}

type Publisher struct {
	writer  Writer
	topic   string
	timeout time.Duration
}

func New(cfg Config) (*Publisher, error) {
	var brokers []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return NewWithWriter(w, cfg.Topic, cfg.WriteTimeout), nil
}

func NewWithWriter(w Writer, topic string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{writer: w, topic: topic, timeout: timeout}
}

// NotifyReading publishes the stored reading keyed by device name, so one device's
// readings keep their order within a partition. Errors are logged only.
func (p *Publisher) NotifyReading(ctx context.Context, res ingest.Result) {
	if err := p.Publish(ctx, res); err != nil {
		slog.Warn("kafka publish failed", "topic", p.topic, "device_id", res.Device.ID, "error", err)
	}
}

func (p *Publisher) Publish(ctx context.Context, res ingest.Result) error {
	ev := ReadingEvent{
		Type:      TypeReadingCreated,
		Source:    res.Source,
		DeviceNew: res.Created,
		Device:    res.Device,
		Reading:   res.Reading,
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal reading event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(res.Device.Name),
		Value: value,
		Time:  res.Reading.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(TypeReadingCreated)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
