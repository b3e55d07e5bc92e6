// Command seed loads demo reference data into the configured storage
// provider: a time-of-use tariff plan, regional carbon intensity tables, and a
// demo home with a few appliances. Point it at the firestore emulator or a
// sqlite file for local development.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

const demoHomeID = "demo-home"

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	db := storage.Configured()
	lflag.Configure()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding demo data")

	seed := func(what string, err error) {
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed "+what, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %s\n", what)
	}

	// A residential time-of-use plan: cheap overnight, an evening peak.
	seed("tariff plan", db.PutTariffPlan(ctx, types.TariffPlan{
		ID:       "plan-1",
		Name:     "Residential TOU (Domestic LT-1)",
		Region:   "default",
		Category: "domestic",
		Currency: "INR",
		Slots: []types.TariffSlot{
			{StartHour: 22, EndHour: 6, RatePerKWH: 6.31, Band: types.BandOffPeak},
			{StartHour: 6, EndHour: 18, RatePerKWH: 7.42, Band: types.BandNormal},
			{StartHour: 18, EndHour: 22, RatePerKWH: 9.55, Band: types.BandPeak},
		},
		Slabs: []types.TariffSlab{
			{UptoKWH: 100, RatePerKWH: 4.5},
			{UptoKWH: 300, RatePerKWH: 6.31},
			{RatePerKWH: 7.42},
		},
	}))

	seed("default carbon table", db.PutCarbonSchedule(ctx, carbon.DefaultSchedule()))

	// A hydro-heavy region: cleaner overall, cleanest overnight.
	hydro := types.CarbonSchedule{Region: "hydro"}
	for h := 0; h < 24; h++ {
		switch {
		case h < 6:
			hydro.Hourly[h] = 180
		case h < 18:
			hydro.Hourly[h] = 240
		default:
			hydro.Hourly[h] = 320
		}
	}
	seed("hydro carbon table", db.PutCarbonSchedule(ctx, hydro))

	seed("settings", db.SetSettings(ctx, demoHomeID, types.Settings{
		Region:             "default",
		TariffPlanID:       "plan-1",
		Strategy:           types.StrategyBalanced,
		PenaltyThreshold:   0.6,
		AutopilotEnabled:   true,
		OverrideTTLMinutes: 120,
	}, types.CurrentSettingsVersion))

	appliances := []types.Appliance{
		{
			ID: "washer", HomeID: demoHomeID, Name: "Washing Machine",
			Controllable: true, Tier: types.TierShiftable,
			RatedPowerKW: 1.5, Status: types.StatusOff,
			PlugID: "plug-washer",
		},
		{
			ID: "geyser", HomeID: demoHomeID, Name: "Water Heater",
			Controllable: true, Tier: types.TierPrepNeeded,
			RatedPowerKW: 3.0, Status: types.StatusOff,
			PlugID: "plug-geyser",
		},
		{
			ID: "bedroom-ac", HomeID: demoHomeID, Name: "Bedroom AC",
			Controllable: true, Tier: types.TierComfort,
			RatedPowerKW: 2.0, Status: types.StatusOff,
		},
		{
			ID: "fridge", HomeID: demoHomeID, Name: "Refrigerator",
			Controllable: false, Tier: types.TierEssential,
			RatedPowerKW: 0.3, Status: types.StatusOn,
		},
	}
	for _, a := range appliances {
		seed("appliance "+a.ID, db.PutAppliance(ctx, a))
	}

	// Delegate the AC with a sleep-hours protected window.
	seed("delegation", db.SetAutopilotConfig(ctx, types.DeviceAutopilotConfig{
		HomeID:          demoHomeID,
		ApplianceID:     "bedroom-ac",
		Delegated:       true,
		Mitigation:      types.MitigationEcoMode,
		ProtectedWindow: &types.TimeWindow{StartHour: 0, EndHour: 5},
	}))

	log.Ctx(ctx).InfoContext(ctx, "seeded demo data successfully")
}
