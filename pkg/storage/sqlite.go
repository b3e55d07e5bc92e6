package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteProvider implements the Database interface on a local sqlite file via
// gorm. It is the self-hosted alternative to Firestore: rows hold the entity
// JSON plus the columns needed for lookups, mirroring the Firestore document
// layout.
type SQLiteProvider struct {
	db   *gorm.DB
	path string
}

var _ Database = (*SQLiteProvider)(nil)

type settingsRow struct {
	HomeID           string `gorm:"primaryKey"`
	JSON             string
	Version          int
	AutopilotEnabled bool `gorm:"index"`
}

type applianceRow struct {
	HomeID      string `gorm:"primaryKey"`
	ApplianceID string `gorm:"primaryKey"`
	JSON        string
}

type scheduleRow struct {
	HomeID      string `gorm:"primaryKey"`
	ScheduleID  string `gorm:"primaryKey"`
	ApplianceID string `gorm:"index"`
	Active      bool   `gorm:"index"`
	Version     int
	JSON        string
}

type executionRow struct {
	ID     string `gorm:"primaryKey"`
	HomeID string `gorm:"index"`
	TS     time.Time
	JSON   string
}

type auditRow struct {
	ID     string `gorm:"primaryKey"`
	HomeID string `gorm:"index"`
	TS     time.Time
	JSON   string
}

type autopilotConfigRow struct {
	HomeID      string `gorm:"primaryKey"`
	ApplianceID string `gorm:"primaryKey"`
	Delegated   bool   `gorm:"index"`
	JSON        string
}

type savedStateRow struct {
	HomeID      string `gorm:"primaryKey"`
	ApplianceID string `gorm:"primaryKey"`
	// TRIGGER is a reserved word in sqlite, so the column gets an explicit name.
	Trigger string `gorm:"primaryKey;column:trigger_type"`
	JSON    string
}

type tariffPlanRow struct {
	PlanID string `gorm:"primaryKey"`
	JSON   string
}

type carbonScheduleRow struct {
	Region string `gorm:"primaryKey"`
	JSON   string
}

// configuredSQLite sets up the sqlite provider. It registers flags for
// configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "shiftwatt.db", "Path to the sqlite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite opens a sqlite database at the given path. Use ":memory:" for an
// ephemeral database.
func NewSQLite(path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database and migrates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open sqlite db (%s): %w", s.path, err)
	}
	if err := db.AutoMigrate(
		&settingsRow{}, &applianceRow{}, &scheduleRow{}, &executionRow{},
		&auditRow{}, &autopilotConfigRow{}, &savedStateRow{},
		&tariffPlanRow{}, &carbonScheduleRow{},
	); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return fmt.Errorf("failed to set sqlite journal mode: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteProvider) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowJSON[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return v, nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal row: %w", err)
	}
	return string(b), nil
}

func (s *SQLiteProvider) GetSettings(ctx context.Context, homeID string) (types.Settings, int, error) {
	var row settingsRow
	err := s.db.WithContext(ctx).First(&row, "home_id = ?", homeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}
	settings, err := rowJSON[types.Settings](row.JSON)
	if err != nil {
		return types.Settings{}, 0, err
	}
	return settings, row.Version, nil
}

func (s *SQLiteProvider) SetSettings(ctx context.Context, homeID string, settings types.Settings, version int) error {
	raw, err := toJSON(settings)
	if err != nil {
		return err
	}
	row := settingsRow{
		HomeID:           homeID,
		JSON:             raw,
		Version:          version,
		AutopilotEnabled: settings.AutopilotEnabled,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteProvider) ListAutopilotHomes(ctx context.Context) ([]string, error) {
	var homes []string
	err := s.db.WithContext(ctx).Model(&settingsRow{}).
		Where("autopilot_enabled = ?", true).
		Order("home_id").
		Pluck("home_id", &homes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list autopilot homes: %w", err)
	}
	return homes, nil
}

func (s *SQLiteProvider) GetAppliance(ctx context.Context, homeID, applianceID string) (types.Appliance, error) {
	var row applianceRow
	err := s.db.WithContext(ctx).First(&row, "home_id = ? AND appliance_id = ?", homeID, applianceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Appliance{}, fmt.Errorf("%w: %s", ErrApplianceNotFound, applianceID)
	}
	if err != nil {
		return types.Appliance{}, fmt.Errorf("failed to fetch appliance: %w", err)
	}
	return rowJSON[types.Appliance](row.JSON)
}

func (s *SQLiteProvider) ListAppliances(ctx context.Context, homeID string) ([]types.Appliance, error) {
	var rows []applianceRow
	if err := s.db.WithContext(ctx).Where("home_id = ?", homeID).Order("appliance_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list appliances: %w", err)
	}
	out := make([]types.Appliance, 0, len(rows))
	for _, row := range rows {
		a, err := rowJSON[types.Appliance](row.JSON)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLiteProvider) PutAppliance(ctx context.Context, appliance types.Appliance) error {
	raw, err := toJSON(appliance)
	if err != nil {
		return err
	}
	row := applianceRow{HomeID: appliance.HomeID, ApplianceID: appliance.ID, JSON: raw}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteProvider) UpdateApplianceState(ctx context.Context, homeID, applianceID string, st types.ApplianceStatus, ecoMode bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row applianceRow
		err := tx.First(&row, "home_id = ? AND appliance_id = ?", homeID, applianceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrApplianceNotFound, applianceID)
		}
		if err != nil {
			return err
		}
		a, err := rowJSON[types.Appliance](row.JSON)
		if err != nil {
			return err
		}
		a.Status = st
		a.EcoModeEnabled = ecoMode
		raw, err := toJSON(a)
		if err != nil {
			return err
		}
		row.JSON = raw
		return tx.Save(&row).Error
	})
}

func (s *SQLiteProvider) GetSchedule(ctx context.Context, homeID, scheduleID string) (types.Schedule, error) {
	var row scheduleRow
	err := s.db.WithContext(ctx).First(&row, "home_id = ? AND schedule_id = ?", homeID, scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	if err != nil {
		return types.Schedule{}, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	return rowJSON[types.Schedule](row.JSON)
}

func (s *SQLiteProvider) GetActiveSchedule(ctx context.Context, homeID, applianceID string) (*types.Schedule, error) {
	var row scheduleRow
	err := s.db.WithContext(ctx).
		First(&row, "home_id = ? AND appliance_id = ? AND active = ?", homeID, applianceID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active schedule: %w", err)
	}
	sched, err := rowJSON[types.Schedule](row.JSON)
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *SQLiteProvider) ListSchedules(ctx context.Context, homeID string) ([]types.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.WithContext(ctx).Where("home_id = ?", homeID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]types.Schedule, 0, len(rows))
	for _, row := range rows {
		sched, err := rowJSON[types.Schedule](row.JSON)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

func (s *SQLiteProvider) ListActiveSchedules(ctx context.Context) ([]types.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list active schedules: %w", err)
	}
	out := make([]types.Schedule, 0, len(rows))
	for _, row := range rows {
		sched, err := rowJSON[types.Schedule](row.JSON)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

func (s *SQLiteProvider) CreateSchedule(ctx context.Context, schedule types.Schedule) error {
	raw, err := toJSON(schedule)
	if err != nil {
		return err
	}
	row := scheduleRow{
		HomeID:      schedule.HomeID,
		ScheduleID:  schedule.ID,
		ApplianceID: schedule.ApplianceID,
		Active:      schedule.Active,
		Version:     schedule.Version,
		JSON:        raw,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteProvider) UpdateSchedule(ctx context.Context, schedule types.Schedule, expectedVersion int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row scheduleRow
		err := tx.First(&row, "home_id = ? AND schedule_id = ?", schedule.HomeID, schedule.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
		}
		if err != nil {
			return err
		}
		if row.Version != expectedVersion {
			return fmt.Errorf("%w: schedule %s at version %d, expected %d",
				types.ErrConcurrentModification, schedule.ID, row.Version, expectedVersion)
		}
		schedule.Version = expectedVersion + 1
		raw, err := toJSON(schedule)
		if err != nil {
			return err
		}
		row.ApplianceID = schedule.ApplianceID
		row.Active = schedule.Active
		row.Version = schedule.Version
		row.JSON = raw
		return tx.Save(&row).Error
	})
}

func (s *SQLiteProvider) InsertExecutionRecord(ctx context.Context, rec types.ScheduleExecutionRecord) error {
	raw, err := toJSON(rec)
	if err != nil {
		return err
	}
	row := executionRow{ID: rec.ID, HomeID: rec.HomeID, TS: rec.Timestamp, JSON: raw}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteProvider) GetExecutionHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ScheduleExecutionRecord, error) {
	var rows []executionRow
	err := s.db.WithContext(ctx).
		Where("home_id = ? AND ts >= ? AND ts < ?", homeID, start, end).
		Order("ts").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution history: %w", err)
	}
	out := make([]types.ScheduleExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := rowJSON[types.ScheduleExecutionRecord](row.JSON)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteProvider) InsertAuditRecord(ctx context.Context, rec types.ControlAuditRecord) error {
	raw, err := toJSON(rec)
	if err != nil {
		return err
	}
	row := auditRow{ID: rec.ID, HomeID: rec.HomeID, TS: rec.Timestamp, JSON: raw}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteProvider) GetAuditHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ControlAuditRecord, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("home_id = ? AND ts >= ? AND ts < ?", homeID, start, end).
		Order("ts").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit history: %w", err)
	}
	out := make([]types.ControlAuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := rowJSON[types.ControlAuditRecord](row.JSON)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteProvider) GetAutopilotConfig(ctx context.Context, homeID, applianceID string) (types.DeviceAutopilotConfig, error) {
	var row autopilotConfigRow
	err := s.db.WithContext(ctx).First(&row, "home_id = ? AND appliance_id = ?", homeID, applianceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.DeviceAutopilotConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, applianceID)
	}
	if err != nil {
		return types.DeviceAutopilotConfig{}, fmt.Errorf("failed to fetch autopilot config: %w", err)
	}
	return rowJSON[types.DeviceAutopilotConfig](row.JSON)
}

func (s *SQLiteProvider) ListDelegated(ctx context.Context, homeID string) ([]types.DeviceAutopilotConfig, error) {
	var rows []autopilotConfigRow
	err := s.db.WithContext(ctx).
		Where("home_id = ? AND delegated = ?", homeID, true).
		Order("appliance_id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list delegated devices: %w", err)
	}
	out := make([]types.DeviceAutopilotConfig, 0, len(rows))
	for _, row := range rows {
		cfg, err := rowJSON[types.DeviceAutopilotConfig](row.JSON)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *SQLiteProvider) SetAutopilotConfig(ctx context.Context, cfg types.DeviceAutopilotConfig) error {
	raw, err := toJSON(cfg)
	if err != nil {
		return err
	}
	row := autopilotConfigRow{
		HomeID:      cfg.HomeID,
		ApplianceID: cfg.ApplianceID,
		Delegated:   cfg.Delegated,
		JSON:        raw,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteProvider) GetSavedState(ctx context.Context, homeID, applianceID string, trigger types.AutopilotTrigger) (types.AutopilotSavedState, error) {
	var row savedStateRow
	err := s.db.WithContext(ctx).
		First(&row, "home_id = ? AND appliance_id = ? AND trigger_type = ?", homeID, applianceID, string(trigger)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.AutopilotSavedState{}, fmt.Errorf("%w: %s/%s", ErrStateNotFound, applianceID, trigger)
	}
	if err != nil {
		return types.AutopilotSavedState{}, fmt.Errorf("failed to fetch saved state: %w", err)
	}
	return rowJSON[types.AutopilotSavedState](row.JSON)
}

func (s *SQLiteProvider) PutSavedState(ctx context.Context, state types.AutopilotSavedState) error {
	raw, err := toJSON(state)
	if err != nil {
		return err
	}
	row := savedStateRow{
		HomeID:      state.HomeID,
		ApplianceID: state.ApplianceID,
		Trigger:     string(state.Trigger),
		JSON:        raw,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteProvider) GetTariffPlan(ctx context.Context, planID string) (types.TariffPlan, error) {
	var row tariffPlanRow
	err := s.db.WithContext(ctx).First(&row, "plan_id = ?", planID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TariffPlan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return types.TariffPlan{}, fmt.Errorf("failed to fetch tariff plan: %w", err)
	}
	return rowJSON[types.TariffPlan](row.JSON)
}

func (s *SQLiteProvider) PutTariffPlan(ctx context.Context, plan types.TariffPlan) error {
	raw, err := toJSON(plan)
	if err != nil {
		return err
	}
	row := tariffPlanRow{PlanID: plan.ID, JSON: raw}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteProvider) GetCarbonSchedule(ctx context.Context, region string) (types.CarbonSchedule, error) {
	var row carbonScheduleRow
	err := s.db.WithContext(ctx).First(&row, "region = ?", region).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.CarbonSchedule{}, fmt.Errorf("%w: %s", ErrCarbonNotFound, region)
	}
	if err != nil {
		return types.CarbonSchedule{}, fmt.Errorf("failed to fetch carbon schedule: %w", err)
	}
	return rowJSON[types.CarbonSchedule](row.JSON)
}

func (s *SQLiteProvider) PutCarbonSchedule(ctx context.Context, schedule types.CarbonSchedule) error {
	raw, err := toJSON(schedule)
	if err != nil {
		return err
	}
	row := carbonScheduleRow{Region: schedule.Region, JSON: raw}
	return s.db.WithContext(ctx).Save(&row).Error
}
