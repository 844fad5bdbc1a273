package sensor

import (
	"bytes"
	"encoding/json"
	"strings"

	"sensor-service/pkg/errors"
)

// Optional is a value that may be absent. Stored as NULL when not Valid.
type Optional[T any] struct {
	Value T
	Valid bool
}

func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Valid: true} }

func None[T any]() Optional[T] { return Optional[T]{} }

func (o Optional[T]) Ptr() *T {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// Sample is the optional part of a telemetry payload.
type Sample struct {
	Temperature Optional[float64]
	Humidity    Optional[float64]
	Pressure    Optional[float64]
	Light       Optional[float64]
	Motion      Optional[bool]
	Metadata    Optional[string]
}

// Empty reports whether no sensor field survived normalization.
func (s Sample) Empty() bool {
	return !s.Temperature.Valid && !s.Humidity.Valid && !s.Pressure.Valid &&
		!s.Light.Valid && !s.Motion.Valid && !s.Metadata.Valid
}

type Payload struct {
	DeviceName string
	DeviceType string
	Location   string
	Sample     Sample
	Raw        json.RawMessage
}

const (
	FieldDeviceName = "deviceName"
	FieldDeviceType = "deviceType"
	FieldLocation   = "location"
)

// Missing returns the required fields that are absent or blank, in declaration order.
func (p Payload) Missing() []string {
	var out []string
	if p.DeviceName == "" {
		out = append(out, FieldDeviceName)
	}
	if p.DeviceType == "" {
		out = append(out, FieldDeviceType)
	}
	if p.Location == "" {
		out = append(out, FieldLocation)
	}
	return out
}

// Decode parses an inbound telemetry body. Only a body that is not a JSON object is an error;
// sensor fields with the wrong runtime type are silently dropped to None.
func Decode(body []byte) (Payload, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		DeviceName: requiredString(fields[FieldDeviceName]),
		DeviceType: requiredString(fields[FieldDeviceType]),
		Location:   requiredString(fields[FieldLocation]),
		Sample:     sampleFrom(fields),
		Raw:        json.RawMessage(append([]byte(nil), bytes.TrimSpace(body)...)),
	}, nil
}

// DecodeSample parses a body carrying only sensor fields.
func DecodeSample(body []byte) (Sample, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return Sample{}, err
	}
	return sampleFrom(fields), nil
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.Validation("invalid JSON body")
	}
	if fields == nil {
		return nil, errors.Validation("JSON body must be an object")
	}
	if dec.More() {
		return nil, errors.Validation("invalid JSON body")
	}
	return fields, nil
}

func sampleFrom(fields map[string]any) Sample {
	return Sample{
		Temperature: Number(fields["temperature"]),
		Humidity:    Number(fields["humidity"]),
		Pressure:    Number(fields["pressure"]),
		Light:       Number(fields["light"]),
		Motion:      Bool(fields["motion"]),
		Metadata:    String(fields["metadata"]),
	}
}

func Number(v any) Optional[float64] {
	if f, ok := v.(float64); ok {
		return Some(f)
	}
	return None[float64]()
}

func Bool(v any) Optional[bool] {
	if b, ok := v.(bool); ok {
		return Some(b)
	}
	return None[bool]()
}

func String(v any) Optional[string] {
	if s, ok := v.(string); ok {
		return Some(s)
	}
	return None[string]()
}

func requiredString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
