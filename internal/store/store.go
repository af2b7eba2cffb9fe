package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"fleetconsole/internal/ledger"
	"fleetconsole/internal/models"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrDeviceNotFound = errors.New("device not found")

type SQLiteStore struct {
	DB *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(logrus.StandardLogger().WithField("component", "gorm"), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.Device{}, &models.Command{}); err != nil {
		return nil, err
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertDevice creates the device or refreshes it. The push token is taken as
// given, empty descriptive fields leave the stored value alone and the
// heartbeat never moves backwards.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, d models.Device) error {
	if d.DeviceID == "" {
		return errors.New("device id required")
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Device
		err := tx.Where("device_id = ?", d.DeviceID).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&d).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]interface{}{}
		if d.PushToken != cur.PushToken {
			updates["push_token"] = d.PushToken
		}
		if d.Model != "" {
			updates["model"] = d.Model
		}
		if d.OSVersion != "" {
			updates["os_version"] = d.OSVersion
		}
		if d.AppVersion != "" {
			updates["app_version"] = d.AppVersion
		}
		if d.LastHeartbeat.After(cur.LastHeartbeat) {
			updates["last_heartbeat"] = d.LastHeartbeat
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&cur).Updates(updates).Error
	})
}

// RecordHeartbeat moves the device heartbeat forward. It reports false when
// at is not newer than the stored value.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ? AND last_heartbeat < ?", deviceID, at).
		Update("last_heartbeat", at)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := s.Device(ctx, deviceID); errors.Is(err, ErrDeviceNotFound) {
		return true, s.UpsertDevice(ctx, models.Device{DeviceID: deviceID, LastHeartbeat: at})
	} else if err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) Device(ctx context.Context, deviceID string) (*models.Device, error) {
	var d models.Device
	err := s.DB.WithContext(ctx).Where("device_id = ?", deviceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	if err := s.DB.WithContext(ctx).Order("device_id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Address resolves the push address of a device.
func (s *SQLiteStore) Address(ctx context.Context, deviceID string) (string, bool, error) {
	d, err := s.Device(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return d.PushToken, true, nil
}

// Heartbeats returns the stored last heartbeat of every device that has one.
func (s *SQLiteStore) Heartbeats(ctx context.Context) (map[string]time.Time, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(devices))
	for _, d := range devices {
		if !d.LastHeartbeat.IsZero() {
			out[d.DeviceID] = d.LastHeartbeat
		}
	}
	return out, nil
}

// Record persists the latest state of a command entry.
func (s *SQLiteStore) Record(ctx context.Context, e ledger.Entry) error {
	row, err := commandRow(e)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "command_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "result", "reason", "detail", "history", "updated_at"}),
	}).Create(&row).Error
}

// LoadCommands returns every persisted command, oldest first.
func (s *SQLiteStore) LoadCommands(ctx context.Context) ([]ledger.Entry, error) {
	var rows []models.Command
	if err := s.DB.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := entryFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func commandRow(e ledger.Entry) (models.Command, error) {
	hist, err := json.Marshal(e.History)
	if err != nil {
		return models.Command{}, err
	}
	return models.Command{
		CommandID:  e.ID,
		DeviceID:   e.DeviceID,
		Kind:       e.Kind,
		Params:     datatypes.JSON(e.Params),
		OperatorID: e.OperatorID,
		State:      string(e.State),
		Result:     datatypes.JSON(e.Result),
		Reason:     string(e.Reason),
		Detail:     e.Detail,
		History:    datatypes.JSON(hist),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}, nil
}

func entryFromRow(r models.Command) (ledger.Entry, error) {
	e := ledger.Entry{
		ID:         r.CommandID,
		DeviceID:   r.DeviceID,
		Kind:       r.Kind,
		OperatorID: r.OperatorID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		State:      ledger.State(r.State),
		Reason:     ledger.Reason(r.Reason),
		Detail:     r.Detail,
	}
	if len(r.Params) > 0 {
		e.Params = json.RawMessage(r.Params)
	}
	if len(r.Result) > 0 {
		e.Result = json.RawMessage(r.Result)
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &e.History); err != nil {
			return ledger.Entry{}, err
		}
	}
	return e, nil
}
