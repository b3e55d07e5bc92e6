package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// Adapter is the single entry point for appliance state changes. It holds a
// mutex per appliance so a schedule firing and an autopilot tick targeting
// the same appliance never execute concurrently; whichever acquires the
// lock first completes, including its audit write, before the other runs.
// The loser re-reads the appliance under the lock, so its transition is
// derived from the winner's persisted state rather than a stale snapshot.
type Adapter struct {
	db      storage.Database
	plug    Controller
	virtual Controller

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Configured sets up the device adapter based on flags.
func Configured(db storage.Database) *Adapter {
	plugURL := lflag.String("plug-gateway-url", "http://127.0.0.1:8423", "Base URL of the smart plug gateway")
	plugTimeout := lflag.Duration("plug-timeout", 15*time.Second, "Timeout for smart plug commands")

	a := &Adapter{
		db:      db,
		virtual: NewVirtual(),
		locks:   make(map[string]*sync.Mutex),
	}
	lflag.Do(func() {
		a.plug = NewPlug(*plugURL, *plugTimeout)
	})
	return a
}

// NewAdapter creates an adapter with explicit controllers. This is primarily
// used for testing.
func NewAdapter(db storage.Database, plug, virtual Controller) *Adapter {
	return &Adapter{
		db:      db,
		plug:    plug,
		virtual: virtual,
		locks:   make(map[string]*sync.Mutex),
	}
}

// controllerFor picks the controller for an appliance. Chosen per call, never
// cached: a plug can be unlinked between two operations.
func (a *Adapter) controllerFor(appliance types.Appliance) Controller {
	if appliance.PlugID != "" {
		return a.plug
	}
	return a.virtual
}

func (a *Adapter) lockFor(homeID, applianceID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := homeID + "/" + applianceID
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// TurnOn switches the appliance on.
func (a *Adapter) TurnOn(ctx context.Context, appliance types.Appliance, source types.TriggerSource) error {
	return a.execute(ctx, appliance, source, "on",
		func(c Controller, cur types.Appliance) error { return c.TurnOn(ctx, cur) },
		func(cur types.Appliance) (types.ApplianceStatus, bool) { return types.StatusOn, cur.EcoModeEnabled })
}

// TurnOff switches the appliance off.
func (a *Adapter) TurnOff(ctx context.Context, appliance types.Appliance, source types.TriggerSource) error {
	return a.execute(ctx, appliance, source, "off",
		func(c Controller, cur types.Appliance) error { return c.TurnOff(ctx, cur) },
		func(cur types.Appliance) (types.ApplianceStatus, bool) { return types.StatusOff, cur.EcoModeEnabled })
}

// SetEcoMode enables or disables the appliance's eco mode without changing
// its on/off status.
func (a *Adapter) SetEcoMode(ctx context.Context, appliance types.Appliance, enabled bool, source types.TriggerSource) error {
	action := "eco_off"
	if enabled {
		action = "eco_on"
	}
	return a.execute(ctx, appliance, source, action,
		func(c Controller, cur types.Appliance) error { return c.SetEcoMode(ctx, cur, enabled) },
		func(cur types.Appliance) (types.ApplianceStatus, bool) { return cur.Status, enabled })
}

// MarkScheduled sets the appliance status to SCHEDULED without issuing any
// device command. Used when a schedule is armed for the appliance.
func (a *Adapter) MarkScheduled(ctx context.Context, appliance types.Appliance) error {
	l := a.lockFor(appliance.HomeID, appliance.ID)
	l.Lock()
	defer l.Unlock()
	return a.db.UpdateApplianceState(ctx, appliance.HomeID, appliance.ID, types.StatusScheduled, appliance.EcoModeEnabled)
}

func (a *Adapter) execute(ctx context.Context, appliance types.Appliance, source types.TriggerSource,
	action string, run func(Controller, types.Appliance) error,
	next func(types.Appliance) (types.ApplianceStatus, bool)) error {

	if !appliance.Controllable {
		return fmt.Errorf("%w: %s", types.ErrNotControllable, appliance.ID)
	}

	l := a.lockFor(appliance.HomeID, appliance.ID)
	l.Lock()
	defer l.Unlock()

	// the caller's snapshot may predate whatever held the lock before us;
	// re-read so the persisted transition derives from the post-transition
	// state, not a stale copy
	if fresh, err := a.db.GetAppliance(ctx, appliance.HomeID, appliance.ID); err == nil {
		appliance = fresh
	} else {
		log.Ctx(ctx).Warn("failed to refresh appliance before command",
			"error", err,
			"applianceID", appliance.ID,
		)
	}
	if !appliance.Controllable {
		return fmt.Errorf("%w: %s", types.ErrNotControllable, appliance.ID)
	}

	err := run(a.controllerFor(appliance), appliance)
	a.audit(ctx, appliance, source, action, err)
	if err != nil {
		return err
	}

	newStatus, newEcoMode := next(appliance)
	if err := a.db.UpdateApplianceState(ctx, appliance.HomeID, appliance.ID, newStatus, newEcoMode); err != nil {
		return fmt.Errorf("failed to persist appliance state: %w", err)
	}
	return nil
}

// audit appends a control record for the attempt. Audit failures are logged
// and swallowed: losing one audit row must not fail a successful command.
func (a *Adapter) audit(ctx context.Context, appliance types.Appliance, source types.TriggerSource, action string, cmdErr error) {
	rec := types.ControlAuditRecord{
		ID:          uuid.NewString(),
		HomeID:      appliance.HomeID,
		ApplianceID: appliance.ID,
		Timestamp:   time.Now(),
		Source:      source,
		Action:      action,
		Outcome:     types.OutcomeSuccess,
	}
	if cmdErr != nil {
		rec.Outcome = types.OutcomeFailed
		rec.Error = cmdErr.Error()
	}
	if err := a.db.InsertAuditRecord(ctx, rec); err != nil {
		log.Ctx(ctx).Error("failed to insert audit record",
			"error", err,
			"applianceID", appliance.ID,
			"action", action,
		)
	}
}
