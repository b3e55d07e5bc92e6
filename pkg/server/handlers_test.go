package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/autopilot"
	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/device"
	"github.com/shiftwatt/shiftwatt/pkg/notify"
	"github.com/shiftwatt/shiftwatt/pkg/schedule"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
	"github.com/stretchr/testify/require"
)

const testHomeID = "home-1"

var testPlan = types.TariffPlan{
	ID:       "plan-1",
	Name:     "Residential TOU",
	Region:   "default",
	Currency: "INR",
	Slots: []types.TariffSlot{
		{StartHour: 22, EndHour: 6, RatePerKWH: 6.31, Band: types.BandOffPeak},
		{StartHour: 6, EndHour: 18, RatePerKWH: 7.42, Band: types.BandNormal},
		{StartHour: 18, EndHour: 22, RatePerKWH: 9.55, Band: types.BandPeak},
	},
}

type serverFixture struct {
	db      *storage.Memory
	srv     *Server
	handler http.Handler

	// now is what every layer's clock returns; tests move it around.
	now time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ctx := context.Background()

	f := &serverFixture{
		db: storage.NewMemory(),
		// a Monday during the evening peak
		now: time.Date(2026, time.March, 2, 19, 30, 0, 0, time.UTC),
	}

	require.NoError(t, f.db.SetSettings(ctx, testHomeID, types.Settings{
		Region:             "default",
		TariffPlanID:       testPlan.ID,
		Strategy:           types.StrategyMaxSavings,
		PenaltyThreshold:   0.6,
		AutopilotEnabled:   true,
		OverrideTTLMinutes: 120,
	}, types.CurrentSettingsVersion))

	for _, a := range []types.Appliance{
		{
			ID: "washer", HomeID: testHomeID, Name: "Washing Machine",
			Controllable: true, Tier: types.TierShiftable,
			RatedPowerKW: 1.5, Status: types.StatusOff,
		},
		{
			ID: "ac", HomeID: testHomeID, Name: "Bedroom AC",
			Controllable: true, Tier: types.TierComfort,
			RatedPowerKW: 2.0, Status: types.StatusOff, EcoModeEnabled: true,
		},
		{
			ID: "fridge", HomeID: testHomeID, Name: "Fridge",
			Controllable: false, Tier: types.TierEssential,
			RatedPowerKW: 0.3, Status: types.StatusOn,
		},
	} {
		require.NoError(t, f.db.PutAppliance(ctx, a))
	}

	catalog := tariff.NewCatalog(f.db)
	catalog.SetPlan(testPlan)
	carbonRes := carbon.NewResolver(f.db)

	notifier := notify.NewLogNotifier()
	adapter := device.NewAdapter(f.db, device.NewVirtual(), device.NewVirtual())
	manager := schedule.NewManager(f.db, adapter, notifier)
	t.Cleanup(manager.Stop)
	engine := autopilot.NewEngine(f.db, adapter, catalog, carbonRes, notifier, manager)
	manager.SetOverrideRecorder(engine)

	f.srv = NewServer(f.db, catalog, carbonRes, adapter, manager, engine)
	f.srv.bypassAuth = true
	f.srv.now = func() time.Time { return f.now }
	f.handler = f.srv.setupHandler()
	return f
}

// do runs a request through the full middleware stack and returns the
// recorder. A nil body sends an empty request.
func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	// the gzip wrapper only compresses when asked; tests don't ask
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())
}

func TestHomeIDRequired(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(t, http.MethodGet, "/api/appliances", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthStatusWithBypass(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(t, http.MethodGet, "/api/auth/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[authStatusResponse](t, w)
	require.True(t, resp.LoggedIn)
	require.False(t, resp.AuthRequired)
}

func TestTariffSlot(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		hour     int
		wantBand types.TariffBand
		wantRate float64
	}{
		{23, types.BandOffPeak, 6.31},
		{5, types.BandOffPeak, 6.31},
		{18, types.BandPeak, 9.55},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("hour%d", tt.hour), func(t *testing.T) {
			w := f.do(t, http.MethodGet,
				fmt.Sprintf("/api/tariff/slot?homeID=%s&hour=%d", testHomeID, tt.hour), nil)
			require.Equal(t, http.StatusOK, w.Code)
			resp := decodeJSON[slotResponse](t, w)
			require.Equal(t, tt.wantBand, resp.Slot.Band)
			require.Equal(t, tt.wantRate, resp.Slot.RatePerKWH)
		})
	}

	w := f.do(t, http.MethodGet, "/api/tariff/slot?homeID="+testHomeID+"&hour=25", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTariffNextChange(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(t, http.MethodGet, "/api/tariff/nextChange?homeID="+testHomeID+"&hour=23", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[slotResponse](t, w)
	// the off-peak slot wraps midnight, so from 23:00 the next change is 06:00
	require.Equal(t, 6, resp.Hour)
	require.Equal(t, types.BandNormal, resp.Slot.Band)
}

func TestControlIntercepted(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	// turning on a shiftable appliance during the evening peak gets held
	w := f.do(t, http.MethodPost, "/api/appliances/control", map[string]any{
		"homeID": testHomeID, "applianceID": "washer", "action": "on",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[controlResponse](t, w)
	require.True(t, resp.Intercepted)
	require.NotNil(t, resp.Options)
	require.InDelta(t, 9.55*1.5, resp.Options.RunNowCost, 0.001)
	require.NotNil(t, resp.Options.NextCheaperSlot)
	require.Equal(t, 22, resp.Options.NextCheaperSlot.StartHour)

	// the device was not touched
	washer, err := f.db.GetAppliance(ctx, testHomeID, "washer")
	require.NoError(t, err)
	require.Equal(t, types.StatusOff, washer.Status)

	// forcing skips the interception and records a manual override
	w = f.do(t, http.MethodPost, "/api/appliances/control", map[string]any{
		"homeID": testHomeID, "applianceID": "washer", "action": "on", "force": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON[controlResponse](t, w)
	require.False(t, resp.Intercepted)
	require.NotNil(t, resp.Appliance)
	require.Equal(t, types.StatusOn, resp.Appliance.Status)

	cfg, err := f.db.GetAutopilotConfig(ctx, testHomeID, "washer")
	require.NoError(t, err)
	require.True(t, cfg.OverrideActive)
}

func TestControlEcoModeNotIntercepted(t *testing.T) {
	f := newServerFixture(t)

	// the AC already runs in eco mode, so a peak-hour turn-on goes straight
	// through
	w := f.do(t, http.MethodPost, "/api/appliances/control", map[string]any{
		"homeID": testHomeID, "applianceID": "ac", "action": "on",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[controlResponse](t, w)
	require.False(t, resp.Intercepted)
	require.Equal(t, types.StatusOn, resp.Appliance.Status)
}

func TestControlOffPeakNotIntercepted(t *testing.T) {
	f := newServerFixture(t)
	f.now = time.Date(2026, time.March, 2, 23, 30, 0, 0, time.UTC)

	w := f.do(t, http.MethodPost, "/api/appliances/control", map[string]any{
		"homeID": testHomeID, "applianceID": "washer", "action": "on",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[controlResponse](t, w)
	require.False(t, resp.Intercepted)
	require.Equal(t, types.StatusOn, resp.Appliance.Status)
}

func TestControlNotControllable(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(t, http.MethodPost, "/api/appliances/control", map[string]any{
		"homeID": testHomeID, "applianceID": "fridge", "action": "off",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestInterceptCheck(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/api/intercept/check", map[string]any{
		"homeID": testHomeID, "applianceID": "washer",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[interceptCheckResponse](t, w)
	require.True(t, resp.Intercept)
	require.NotNil(t, resp.Options)

	f.now = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	w = f.do(t, http.MethodPost, "/api/intercept/check", map[string]any{
		"homeID": testHomeID, "applianceID": "washer",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON[interceptCheckResponse](t, w)
	require.False(t, resp.Intercept)
	require.Nil(t, resp.Options)
}

func TestListAppliancesNeedsOptimization(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	// a shiftable appliance running during peak shows up in the alert list
	require.NoError(t, f.db.UpdateApplianceState(ctx, testHomeID, "washer", types.StatusOn, false))

	w := f.do(t, http.MethodGet, "/api/appliances?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[listAppliancesResponse](t, w)
	require.Len(t, resp.Appliances, 3)
	require.Equal(t, []string{"washer"}, resp.NeedsOptimization)
}

func TestPutApplianceValidation(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/api/appliances", map[string]any{
		"homeID": testHomeID, "id": "heater", "name": "Heater", "tier": "bogus",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/appliances", map[string]any{
		"homeID": testHomeID, "id": "heater", "tier": "comfort",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/appliances", map[string]any{
		"homeID": testHomeID, "id": "heater", "name": "Heater",
		"tier": "comfort", "controllable": true, "ratedPowerKW": 2.5,
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeJSON[types.Appliance](t, w)
	require.Equal(t, types.StatusOff, created.Status)
	require.Equal(t, testHomeID, created.HomeID)
}

func TestScheduleCreateAndCancel(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	start := time.Now().Add(2 * time.Hour).UTC()
	w := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"homeID":      testHomeID,
		"applianceID": "washer",
		"startTime":   start.Format(time.RFC3339),
		"repeat":      map[string]any{"kind": "once"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeJSON[types.Schedule](t, w)
	require.NotEmpty(t, created.ID)
	require.True(t, created.Active)
	require.Equal(t, types.CreatorUser, created.CreatedBy)

	washer, err := f.db.GetAppliance(ctx, testHomeID, "washer")
	require.NoError(t, err)
	require.Equal(t, types.StatusScheduled, washer.Status)

	w = f.do(t, http.MethodGet, "/api/schedules?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeJSON[struct {
		Schedules []types.Schedule `json:"schedules"`
	}](t, w)
	require.Len(t, list.Schedules, 1)

	w = f.do(t, http.MethodDelete, "/api/schedules/"+created.ID+"?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.db.GetSchedule(ctx, testHomeID, created.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
	washer, err = f.db.GetAppliance(ctx, testHomeID, "washer")
	require.NoError(t, err)
	require.Equal(t, types.StatusOff, washer.Status)
}

func TestScheduleCreateValidation(t *testing.T) {
	f := newServerFixture(t)

	// once schedules cannot start in the past
	w := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"homeID":      testHomeID,
		"applianceID": "washer",
		"startTime":   time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		"repeat":      map[string]any{"kind": "once"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"homeID":      testHomeID,
		"applianceID": "fridge",
		"startTime":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"repeat":      map[string]any{"kind": "once"},
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestSettingsRoundtrip(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/api/settings?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decodeJSON[types.Settings](t, w)
	require.Equal(t, types.StrategyMaxSavings, settings.Strategy)

	settings.Strategy = types.StrategyBalanced
	settings.PenaltyThreshold = 0.5
	w = f.do(t, http.MethodPost, "/api/settings", map[string]any{
		"homeID":             testHomeID,
		"region":             settings.Region,
		"tariffPlanID":       settings.TariffPlanID,
		"strategy":           settings.Strategy,
		"penaltyThreshold":   settings.PenaltyThreshold,
		"autopilotEnabled":   true,
		"overrideTTLMinutes": 60,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/settings?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings = decodeJSON[types.Settings](t, w)
	require.Equal(t, types.StrategyBalanced, settings.Strategy)
	require.Equal(t, 0.5, settings.PenaltyThreshold)
	require.Equal(t, 60, settings.OverrideTTLMinutes)
}

func TestSettingsValidation(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/api/settings", map[string]any{
		"homeID": testHomeID, "strategy": "bogus", "penaltyThreshold": 0.5,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/settings", map[string]any{
		"homeID": testHomeID, "strategy": "balanced", "penaltyThreshold": 1.5,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/settings", map[string]any{
		"homeID": testHomeID, "strategy": "balanced", "penaltyThreshold": 0.5,
		"tariffPlanID": "no-such-plan",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOverrideEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/autopilot/override", map[string]any{
		"homeID": testHomeID, "applianceID": "ac",
	})
	require.Equal(t, http.StatusOK, w.Code)
	cfg, err := f.db.GetAutopilotConfig(ctx, testHomeID, "ac")
	require.NoError(t, err)
	require.True(t, cfg.OverrideActive)

	w = f.do(t, http.MethodPost, "/api/autopilot/override", map[string]any{
		"homeID": testHomeID, "applianceID": "ac", "clear": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	cfg, err = f.db.GetAutopilotConfig(ctx, testHomeID, "ac")
	require.NoError(t, err)
	require.False(t, cfg.OverrideActive)
}

func TestDelegationEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/api/autopilot/delegation", map[string]any{
		"homeID": testHomeID, "applianceID": "ac",
		"delegated": true, "mitigation": "eco",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// the fridge is not controllable, so delegation is refused
	w = f.do(t, http.MethodPost, "/api/autopilot/delegation", map[string]any{
		"homeID": testHomeID, "applianceID": "fridge",
		"delegated": true, "mitigation": "turn_off",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestSimulateEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/api/autopilot/simulate?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeJSON[autopilot.SimulationResult](t, w)
	require.Equal(t, testHomeID, res.HomeID)
}

func TestGridEventEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/api/autopilot/gridEvent", map[string]any{
		"homeID": testHomeID, "until": f.now.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/autopilot/gridEvent", map[string]any{
		"homeID": testHomeID, "until": f.now.Add(-time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPenaltyTimelineEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/api/penalty/timeline?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[struct {
		Strategy  types.Strategy `json:"strategy"`
		Threshold float64        `json:"threshold"`
		Timeline  []struct {
			Hour    int     `json:"hour"`
			Penalty float64 `json:"penalty"`
		} `json:"timeline"`
	}](t, w)
	require.Equal(t, types.StrategyMaxSavings, resp.Strategy)
	require.Len(t, resp.Timeline, 24)
	// under max_savings the peak hours carry the maximum penalty
	require.Equal(t, 1.0, resp.Timeline[19].Penalty)
	require.Equal(t, 0.0, resp.Timeline[23].Penalty)
}

func TestCarbonEndpoints(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/api/carbon/cleanestHours?homeID="+testHomeID+"&n=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hours := decodeJSON[struct {
		Region string `json:"region"`
		Hours  []int  `json:"hours"`
	}](t, w)
	require.Equal(t, "default", hours.Region)
	require.Len(t, hours.Hours, 3)

	w = f.do(t, http.MethodGet, "/api/carbon/cleanWindow?homeID="+testHomeID+"&hour=19", nil)
	require.Equal(t, http.StatusOK, w.Code)
	window := decodeJSON[struct {
		Clean     bool    `json:"clean"`
		Intensity float64 `json:"intensity"`
	}](t, w)
	// 19:00 is the dirtiest hour of the default table
	require.False(t, window.Clean)
	require.Greater(t, window.Intensity, 0.0)
}

func TestExecutionHistoryRange(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.InsertExecutionRecord(ctx, types.ScheduleExecutionRecord{
		ID: "rec-1", HomeID: testHomeID, ScheduleID: "sched-1", ApplianceID: "washer",
		Timestamp: f.now.Add(-time.Hour), Action: types.ActionOn,
		Attempt: 1, Result: types.ExecutionSuccess,
	}))

	w := f.do(t, http.MethodGet, "/api/history/executions?homeID="+testHomeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[struct {
		Executions []types.ScheduleExecutionRecord `json:"executions"`
	}](t, w)
	require.Len(t, resp.Executions, 1)

	w = f.do(t, http.MethodGet, "/api/history/executions?homeID="+testHomeID+"&start=nonsense", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
