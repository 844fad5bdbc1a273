package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Device struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex:idx_sensor_devices_name;not null"`
	Type        string    `json:"type" gorm:"not null"`
	Location    string    `json:"location" gorm:"not null"`
	Description *string   `json:"description"`
	IsActive    bool      `json:"isActive" gorm:"not null;default:true"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Device) TableName() string { return "sensor_devices" }

// Reading is immutable once written. Nil fields were absent (or mistyped) on the inbound payload.
type Reading struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID    uuid.UUID      `json:"deviceId" gorm:"type:uuid;not null;index:idx_sensor_readings_device_created,priority:1"`
	Device      *Device        `json:"-" gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
	Temperature *float64       `json:"temperature"`
	Humidity    *float64       `json:"humidity"`
	Pressure    *float64       `json:"pressure"`
	Motion      *bool          `json:"motion"`
	Light       *float64       `json:"light"`
	Metadata    *string        `json:"metadata"`
	Payload     datatypes.JSON `json:"-" gorm:"type:jsonb"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index:idx_sensor_readings_device_created,priority:2"`
}

func (Reading) TableName() string { return "sensor_readings" }

type DeviceWithLatest struct {
	Device
	Readings []Reading `json:"readings"`
}
