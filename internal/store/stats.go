package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sensor-service/pkg/errors"
)

const DefaultStatsWindow = 24 * time.Hour

// FieldStats aggregates one numeric field over the non-null samples in a window.
// Min, Max and Avg stay nil when the field never appeared.
type FieldStats struct {
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	Avg     *float64 `json:"avg"`
	Samples int64    `json:"samples"`
}

type Stats struct {
	DeviceID    uuid.UUID  `json:"deviceId"`
	Window      string     `json:"window"`
	Since       time.Time  `json:"since"`
	Until       time.Time  `json:"until"`
	Count       int64      `json:"count"`
	MotionCount int64      `json:"motionCount"`
	Temperature FieldStats `json:"temperature"`
	Humidity    FieldStats `json:"humidity"`
	Pressure    FieldStats `json:"pressure"`
	Light       FieldStats `json:"light"`
}

type statsRow struct {
	Count              int64
	MotionCount        int64
	TemperatureMin     *float64
	TemperatureMax     *float64
	TemperatureAvg     *float64
	TemperatureSamples int64
	HumidityMin        *float64
	HumidityMax        *float64
	HumidityAvg        *float64
	HumiditySamples    int64
	PressureMin        *float64
	PressureMax        *float64
	PressureAvg        *float64
	PressureSamples    int64
	LightMin           *float64
	LightMax           *float64
	LightAvg           *float64
	LightSamples       int64
}

// SQL aggregates skip NULLs, which is exactly the per-field semantics wanted here.
const statsSelect = `COUNT(*) AS count,
	COUNT(CASE WHEN motion THEN 1 END) AS motion_count,
	MIN(temperature) AS temperature_min, MAX(temperature) AS temperature_max, AVG(temperature) AS temperature_avg, COUNT(temperature) AS temperature_samples,
	MIN(humidity) AS humidity_min, MAX(humidity) AS humidity_max, AVG(humidity) AS humidity_avg, COUNT(humidity) AS humidity_samples,
	MIN(pressure) AS pressure_min, MAX(pressure) AS pressure_max, AVG(pressure) AS pressure_avg, COUNT(pressure) AS pressure_samples,
	MIN(light) AS light_min, MAX(light) AS light_max, AVG(light) AS light_avg, COUNT(light) AS light_samples`

// StatsFor aggregates a device's readings over the trailing window ending now.
func (r *Repo) StatsFor(ctx context.Context, deviceID uuid.UUID, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return Stats{}, err
	}
	until := r.clock.wall()
	since := until.Add(-window)

	var row statsRow
	err := r.db.WithContext(ctx).
		Model(&Reading{}).
		Select(statsSelect).
		Where("device_id = ? AND created_at >= ?", deviceID, since).
		Scan(&row).Error
	if err != nil {
		return Stats{}, errors.Storage("failed to aggregate readings", err)
	}

	return Stats{
		DeviceID:    deviceID,
		Window:      window.String(),
		Since:       since,
		Until:       until,
		Count:       row.Count,
		MotionCount: row.MotionCount,
		Temperature: FieldStats{Min: row.TemperatureMin, Max: row.TemperatureMax, Avg: row.TemperatureAvg, Samples: row.TemperatureSamples},
		Humidity:    FieldStats{Min: row.HumidityMin, Max: row.HumidityMax, Avg: row.HumidityAvg, Samples: row.HumiditySamples},
		Pressure:    FieldStats{Min: row.PressureMin, Max: row.PressureMax, Avg: row.PressureAvg, Samples: row.PressureSamples},
		Light:       FieldStats{Min: row.LightMin, Max: row.LightMax, Avg: row.LightAvg, Samples: row.LightSamples},
	}, nil
}
