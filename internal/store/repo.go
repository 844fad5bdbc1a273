package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"sensor-service/internal/sensor"
	"sensor-service/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db    *gorm.DB
	clock *clock
}

type Option func(*Repo)

// WithClock replaces the wall clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(r *Repo) { r.clock = newClock(now) }
}

func gormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{Logger: gormLogger()})
}

func OpenSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = "sensor-service.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func New(db *gorm.DB, opts ...Option) (*Repo, error) {
	if err := db.AutoMigrate(&Device{}, &Reading{}); err != nil {
		return nil, err
	}
	r := &Repo{db: db, clock: newClock(nil)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Ping checks the database connection.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Now returns the current repo time.
func (r *Repo) Now() time.Time { return r.clock.wall() }

func Description(deviceType, location string) string {
	return fmt.Sprintf("Auto-registered %s device in %s", deviceType, location)
}

// ResolveOrRegister returns the device with the given name, creating it on first sight.
// Existing devices are never modified. The unique index on name is what keeps
// concurrent first sightings down to a single row.
func (r *Repo) ResolveOrRegister(ctx context.Context, name, deviceType, location string) (*Device, bool, error) {
	name = strings.TrimSpace(name)
	deviceType = strings.TrimSpace(deviceType)
	location = strings.TrimSpace(location)
	var missing []string
	if name == "" {
		missing = append(missing, sensor.FieldDeviceName)
	}
	if deviceType == "" {
		missing = append(missing, sensor.FieldDeviceType)
	}
	if location == "" {
		missing = append(missing, sensor.FieldLocation)
	}
	if len(missing) > 0 {
		return nil, false, errors.MissingFields(missing...)
	}

	dev, err := r.findDeviceByName(ctx, name)
	if err != nil {
		return nil, false, errors.Storage("failed to look up device", err)
	}
	if dev != nil {
		return dev, false, nil
	}

	desc := Description(deviceType, location)
	now := r.clock.next()
	candidate := &Device{
		ID:          uuid.New(),
		Name:        name,
		Type:        deviceType,
		Location:    location,
		Description: &desc,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(candidate)
	created := res.Error == nil && res.RowsAffected == 1

	dev, err = r.findDeviceByName(ctx, name)
	if err != nil {
		return nil, false, errors.Storage("failed to look up device", err)
	}
	if dev == nil {
		if res.Error != nil {
			return nil, false, errors.Storage("failed to register device", res.Error)
		}
		return nil, false, errors.Storage("failed to register device", fmt.Errorf("device %q vanished after insert", name))
	}
	return dev, created, nil
}

func (r *Repo) findDeviceByName(ctx context.Context, name string) (*Device, error) {
	var dev Device
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&dev).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

func (r *Repo) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var dev Device
	if err := r.db.WithContext(ctx).First(&dev, "id = ?", id).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("device not found")
		}
		return nil, errors.Storage("failed to load device", err)
	}
	return &dev, nil
}

// AppendReading stores one sample for an existing device, stamped with the repo clock.
func (r *Repo) AppendReading(ctx context.Context, deviceID uuid.UUID, s sensor.Sample, raw []byte) (*Reading, error) {
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	rd := &Reading{
		ID:          uuid.New(),
		DeviceID:    deviceID,
		Temperature: s.Temperature.Ptr(),
		Humidity:    s.Humidity.Ptr(),
		Pressure:    s.Pressure.Ptr(),
		Motion:      s.Motion.Ptr(),
		Light:       s.Light.Ptr(),
		Metadata:    s.Metadata.Ptr(),
		CreatedAt:   r.clock.next(),
	}
	if len(raw) > 0 {
		rd.Payload = datatypes.JSON(append([]byte(nil), raw...))
	}
	if err := r.db.WithContext(ctx).Omit("Device").Create(rd).Error; err != nil {
		return nil, errors.Storage("failed to save sensor data", err)
	}
	return rd, nil
}

// ListDevicesWithLatest returns devices newest first, each carrying at most its latest reading.
func (r *Repo) ListDevicesWithLatest(ctx context.Context) ([]DeviceWithLatest, error) {
	var devices []Device
	if err := r.db.WithContext(ctx).Order("created_at desc").Order("id desc").Find(&devices).Error; err != nil {
		return nil, errors.Storage("failed to load devices", err)
	}
	if len(devices) == 0 {
		return []DeviceWithLatest{}, nil
	}
	ids := make([]uuid.UUID, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	latest, err := r.latestReadings(ctx, ids)
	if err != nil {
		return nil, errors.Storage("failed to load readings", err)
	}
	out := make([]DeviceWithLatest, 0, len(devices))
	for _, d := range devices {
		view := DeviceWithLatest{Device: d, Readings: []Reading{}}
		if rd, ok := latest[d.ID]; ok {
			view.Readings = append(view.Readings, rd)
		}
		out = append(out, view)
	}
	return out, nil
}

func (r *Repo) GetDeviceWithLatest(ctx context.Context, id uuid.UUID) (*DeviceWithLatest, error) {
	dev, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	latest, err := r.latestReadings(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, errors.Storage("failed to load readings", err)
	}
	view := &DeviceWithLatest{Device: *dev, Readings: []Reading{}}
	if rd, ok := latest[id]; ok {
		view.Readings = append(view.Readings, rd)
	}
	return view, nil
}

// latestReadings loads the newest reading per device in one query.
func (r *Repo) latestReadings(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]Reading, error) {
	table := Reading{}.TableName()
	var rows []Reading
	err := r.db.WithContext(ctx).
		Where("device_id IN ?", deviceIDs).
		Where("created_at = (SELECT MAX(r2.created_at) FROM " + table + " r2 WHERE r2.device_id = " + table + ".device_id)").
		Order("created_at desc").Order("id desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]Reading, len(rows))
	for _, rd := range rows {
		// Same-instant writes from another process can tie; the first row wins.
		if _, ok := out[rd.DeviceID]; ok {
			continue
		}
		out[rd.DeviceID] = rd
	}
	return out, nil
}

type Page struct {
	Readings   []Reading `json:"readings"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

func (r *Repo) ListReadings(ctx context.Context, deviceID uuid.UUID, from, to time.Time, limit int, cursor *Cursor, desc bool) (Page, error) {
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID},
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "created_at"}, Value: from.UTC()})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "created_at"}, Value: to.UTC()})
	}
	if cursor != nil {
		if desc {
			exprs = append(exprs, clause.Or(
				clause.Lt{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
					clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
				),
			))
		} else {
			exprs = append(exprs, clause.Or(
				clause.Gt{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
					clause.Gt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
				),
			))
		}
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}

	var rows []Reading
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return Page{}, errors.Storage("failed to load readings", err)
	}

	var next *Cursor
	if len(rows) > limit {
		last := rows[limit-1]
		next = &Cursor{TS: last.CreatedAt, ID: last.ID}
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []Reading{}
	}

	out := Page{Readings: rows}
	if next != nil {
		out.NextCursor = EncodeCursor(*next)
	}
	return out, nil
}

// DeleteReadingsBefore removes readings created before cutoff. Used by retention only.
func (r *Repo) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where(clause.Lt{Column: clause.Column{Name: "created_at"}, Value: cutoff.UTC()}).
		Delete(&Reading{})
	if res.Error != nil {
		return 0, errors.Storage("failed to prune readings", res.Error)
	}
	return res.RowsAffected, nil
}

// clock hands out strictly increasing UTC timestamps at microsecond precision,
// the finest resolution Postgres keeps.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{now: now}
}

func (c *clock) wall() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.wall()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
