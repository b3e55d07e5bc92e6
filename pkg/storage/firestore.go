package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Engine state lives under a per-home document tree; tariff plans
// and carbon schedules are top-level reference collections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) homeCollection(homeID, name string) (*firestore.CollectionRef, error) {
	if homeID == "" {
		return nil, fmt.Errorf("homeID cannot be empty")
	}
	return f.client.Collection("homes").Doc(homeID).Collection(name), nil
}

// docJSON decodes the "json" field of a document into dest.
func docJSON(doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document 'json' field is not a string")
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

func jsonDoc(v any, extra map[string]any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	data := map[string]any{"json": string(b)}
	for k, val := range extra {
		data[k] = val
	}
	return data, nil
}

// GetSettings retrieves the per-home configuration from the
// "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, homeID string) (types.Settings, int, error) {
	coll, err := f.homeCollection(homeID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var settings types.Settings
	if err := docJSON(doc, &settings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc malformed", slog.String("homeID", homeID))
		return types.Settings{}, 0, err
	}
	return settings, version, nil
}

// SetSettings writes the per-home configuration and mirrors the autopilot
// flag onto the home document so ListAutopilotHomes can query it.
func (f *FirestoreProvider) SetSettings(ctx context.Context, homeID string, settings types.Settings, version int) error {
	coll, err := f.homeCollection(homeID, "config")
	if err != nil {
		return err
	}
	data, err := jsonDoc(settings, map[string]any{"version": version})
	if err != nil {
		return err
	}
	if _, err := coll.Doc("settings").Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write settings doc: %w", err)
	}
	_, err = f.client.Collection("homes").Doc(homeID).Set(ctx, map[string]any{
		"autopilotEnabled": settings.AutopilotEnabled,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update home doc: %w", err)
	}
	return nil
}

func (f *FirestoreProvider) ListAutopilotHomes(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("homes").Where("autopilotEnabled", "==", true).Documents(ctx)
	defer iter.Stop()

	var homes []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate homes: %w", err)
		}
		homes = append(homes, doc.Ref.ID)
	}
	return homes, nil
}

func (f *FirestoreProvider) GetAppliance(ctx context.Context, homeID, applianceID string) (types.Appliance, error) {
	coll, err := f.homeCollection(homeID, "appliances")
	if err != nil {
		return types.Appliance{}, err
	}
	doc, err := coll.Doc(applianceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Appliance{}, fmt.Errorf("%w: %s", ErrApplianceNotFound, applianceID)
		}
		return types.Appliance{}, fmt.Errorf("failed to fetch appliance: %w", err)
	}
	var a types.Appliance
	if err := docJSON(doc, &a); err != nil {
		return types.Appliance{}, err
	}
	return a, nil
}

func (f *FirestoreProvider) ListAppliances(ctx context.Context, homeID string) ([]types.Appliance, error) {
	coll, err := f.homeCollection(homeID, "appliances")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var out []types.Appliance
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate appliances: %w", err)
		}
		var a types.Appliance
		if err := docJSON(doc, &a); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed appliance doc", slog.String("id", doc.Ref.ID))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *FirestoreProvider) PutAppliance(ctx context.Context, appliance types.Appliance) error {
	coll, err := f.homeCollection(appliance.HomeID, "appliances")
	if err != nil {
		return err
	}
	data, err := jsonDoc(appliance, nil)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(appliance.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write appliance doc: %w", err)
	}
	return nil
}

func (f *FirestoreProvider) UpdateApplianceState(ctx context.Context, homeID, applianceID string, st types.ApplianceStatus, ecoMode bool) error {
	coll, err := f.homeCollection(homeID, "appliances")
	if err != nil {
		return err
	}
	ref := coll.Doc(applianceID)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrApplianceNotFound, applianceID)
			}
			return err
		}
		var a types.Appliance
		if err := docJSON(doc, &a); err != nil {
			return err
		}
		a.Status = st
		a.EcoModeEnabled = ecoMode
		data, err := jsonDoc(a, nil)
		if err != nil {
			return err
		}
		return tx.Set(ref, data)
	})
}

func (f *FirestoreProvider) GetSchedule(ctx context.Context, homeID, scheduleID string) (types.Schedule, error) {
	coll, err := f.homeCollection(homeID, "schedules")
	if err != nil {
		return types.Schedule{}, err
	}
	doc, err := coll.Doc(scheduleID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
		}
		return types.Schedule{}, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	var s types.Schedule
	if err := docJSON(doc, &s); err != nil {
		return types.Schedule{}, err
	}
	return s, nil
}

func (f *FirestoreProvider) GetActiveSchedule(ctx context.Context, homeID, applianceID string) (*types.Schedule, error) {
	coll, err := f.homeCollection(homeID, "schedules")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("active", "==", true).Where("applianceID", "==", applianceID).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active schedule: %w", err)
	}
	var s types.Schedule
	if err := docJSON(doc, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (f *FirestoreProvider) ListSchedules(ctx context.Context, homeID string) ([]types.Schedule, error) {
	coll, err := f.homeCollection(homeID, "schedules")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var out []types.Schedule
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate schedules: %w", err)
		}
		var s types.Schedule
		if err := docJSON(doc, &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed schedule doc", slog.String("id", doc.Ref.ID))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *FirestoreProvider) ListActiveSchedules(ctx context.Context) ([]types.Schedule, error) {
	iter := f.client.CollectionGroup("schedules").Where("active", "==", true).Documents(ctx)
	defer iter.Stop()

	var out []types.Schedule
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate active schedules: %w", err)
		}
		var s types.Schedule
		if err := docJSON(doc, &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed schedule doc", slog.String("id", doc.Ref.ID))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *FirestoreProvider) CreateSchedule(ctx context.Context, schedule types.Schedule) error {
	coll, err := f.homeCollection(schedule.HomeID, "schedules")
	if err != nil {
		return err
	}
	data, err := jsonDoc(schedule, map[string]any{
		"active":      schedule.Active,
		"applianceID": schedule.ApplianceID,
		"version":     schedule.Version,
	})
	if err != nil {
		return err
	}
	if _, err := coll.Doc(schedule.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write schedule doc: %w", err)
	}
	return nil
}

// UpdateSchedule writes the schedule inside a transaction so the version
// check and the write are atomic.
func (f *FirestoreProvider) UpdateSchedule(ctx context.Context, schedule types.Schedule, expectedVersion int) error {
	coll, err := f.homeCollection(schedule.HomeID, "schedules")
	if err != nil {
		return err
	}
	ref := coll.Doc(schedule.ID)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
			}
			return err
		}
		var version int
		if v, err := doc.DataAt("version"); err == nil {
			if vInt, ok := v.(int64); ok {
				version = int(vInt)
			}
		}
		if version != expectedVersion {
			return fmt.Errorf("%w: schedule %s at version %d, expected %d",
				types.ErrConcurrentModification, schedule.ID, version, expectedVersion)
		}
		schedule.Version = expectedVersion + 1
		data, err := jsonDoc(schedule, map[string]any{
			"active":      schedule.Active,
			"applianceID": schedule.ApplianceID,
			"version":     schedule.Version,
		})
		if err != nil {
			return err
		}
		return tx.Set(ref, data)
	})
}

func (f *FirestoreProvider) InsertExecutionRecord(ctx context.Context, rec types.ScheduleExecutionRecord) error {
	coll, err := f.homeCollection(rec.HomeID, "executions")
	if err != nil {
		return err
	}
	data, err := jsonDoc(rec, map[string]any{"ts": rec.Timestamp})
	if err != nil {
		return err
	}
	if _, err := coll.Doc(rec.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

func (f *FirestoreProvider) GetExecutionHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ScheduleExecutionRecord, error) {
	coll, err := f.homeCollection(homeID, "executions")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("ts", ">=", start).Where("ts", "<", end).OrderBy("ts", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []types.ScheduleExecutionRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate execution records: %w", err)
		}
		var r types.ScheduleExecutionRecord
		if err := docJSON(doc, &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed execution record", slog.String("id", doc.Ref.ID))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *FirestoreProvider) InsertAuditRecord(ctx context.Context, rec types.ControlAuditRecord) error {
	coll, err := f.homeCollection(rec.HomeID, "audits")
	if err != nil {
		return err
	}
	data, err := jsonDoc(rec, map[string]any{"ts": rec.Timestamp})
	if err != nil {
		return err
	}
	if _, err := coll.Doc(rec.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (f *FirestoreProvider) GetAuditHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ControlAuditRecord, error) {
	coll, err := f.homeCollection(homeID, "audits")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("ts", ">=", start).Where("ts", "<", end).OrderBy("ts", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []types.ControlAuditRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate audit records: %w", err)
		}
		var r types.ControlAuditRecord
		if err := docJSON(doc, &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed audit record", slog.String("id", doc.Ref.ID))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *FirestoreProvider) GetAutopilotConfig(ctx context.Context, homeID, applianceID string) (types.DeviceAutopilotConfig, error) {
	coll, err := f.homeCollection(homeID, "autopilot")
	if err != nil {
		return types.DeviceAutopilotConfig{}, err
	}
	doc, err := coll.Doc(applianceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.DeviceAutopilotConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, applianceID)
		}
		return types.DeviceAutopilotConfig{}, fmt.Errorf("failed to fetch autopilot config: %w", err)
	}
	var c types.DeviceAutopilotConfig
	if err := docJSON(doc, &c); err != nil {
		return types.DeviceAutopilotConfig{}, err
	}
	return c, nil
}

func (f *FirestoreProvider) ListDelegated(ctx context.Context, homeID string) ([]types.DeviceAutopilotConfig, error) {
	coll, err := f.homeCollection(homeID, "autopilot")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("delegated", "==", true).Documents(ctx)
	defer iter.Stop()

	var out []types.DeviceAutopilotConfig
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate autopilot configs: %w", err)
		}
		var c types.DeviceAutopilotConfig
		if err := docJSON(doc, &c); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed autopilot config", slog.String("id", doc.Ref.ID))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *FirestoreProvider) SetAutopilotConfig(ctx context.Context, cfg types.DeviceAutopilotConfig) error {
	coll, err := f.homeCollection(cfg.HomeID, "autopilot")
	if err != nil {
		return err
	}
	data, err := jsonDoc(cfg, map[string]any{"delegated": cfg.Delegated})
	if err != nil {
		return err
	}
	if _, err := coll.Doc(cfg.ApplianceID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write autopilot config: %w", err)
	}
	return nil
}

func savedStateDocID(applianceID string, trigger types.AutopilotTrigger) string {
	return applianceID + "-" + string(trigger)
}

func (f *FirestoreProvider) GetSavedState(ctx context.Context, homeID, applianceID string, trigger types.AutopilotTrigger) (types.AutopilotSavedState, error) {
	coll, err := f.homeCollection(homeID, "savedStates")
	if err != nil {
		return types.AutopilotSavedState{}, err
	}
	doc, err := coll.Doc(savedStateDocID(applianceID, trigger)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.AutopilotSavedState{}, fmt.Errorf("%w: %s/%s", ErrStateNotFound, applianceID, trigger)
		}
		return types.AutopilotSavedState{}, fmt.Errorf("failed to fetch saved state: %w", err)
	}
	var s types.AutopilotSavedState
	if err := docJSON(doc, &s); err != nil {
		return types.AutopilotSavedState{}, err
	}
	return s, nil
}

func (f *FirestoreProvider) PutSavedState(ctx context.Context, state types.AutopilotSavedState) error {
	coll, err := f.homeCollection(state.HomeID, "savedStates")
	if err != nil {
		return err
	}
	data, err := jsonDoc(state, nil)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(savedStateDocID(state.ApplianceID, state.Trigger)).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write saved state: %w", err)
	}
	return nil
}

func (f *FirestoreProvider) GetTariffPlan(ctx context.Context, planID string) (types.TariffPlan, error) {
	doc, err := f.client.Collection("tariffPlans").Doc(planID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.TariffPlan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
		}
		return types.TariffPlan{}, fmt.Errorf("failed to fetch tariff plan: %w", err)
	}
	var p types.TariffPlan
	if err := docJSON(doc, &p); err != nil {
		return types.TariffPlan{}, err
	}
	return p, nil
}

func (f *FirestoreProvider) PutTariffPlan(ctx context.Context, plan types.TariffPlan) error {
	data, err := jsonDoc(plan, nil)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection("tariffPlans").Doc(plan.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write tariff plan: %w", err)
	}
	return nil
}

func (f *FirestoreProvider) GetCarbonSchedule(ctx context.Context, region string) (types.CarbonSchedule, error) {
	doc, err := f.client.Collection("carbonSchedules").Doc(region).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CarbonSchedule{}, fmt.Errorf("%w: %s", ErrCarbonNotFound, region)
		}
		return types.CarbonSchedule{}, fmt.Errorf("failed to fetch carbon schedule: %w", err)
	}
	var c types.CarbonSchedule
	if err := docJSON(doc, &c); err != nil {
		return types.CarbonSchedule{}, err
	}
	return c, nil
}

func (f *FirestoreProvider) PutCarbonSchedule(ctx context.Context, schedule types.CarbonSchedule) error {
	data, err := jsonDoc(schedule, nil)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection("carbonSchedules").Doc(schedule.Region).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write carbon schedule: %w", err)
	}
	return nil
}
