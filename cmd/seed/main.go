// Command seed loads a demo user with settings and a few rules into the
// Firestore emulator for local development.
package main

import (
	"context"
	"os"

	"github.com/levenlabs/go-lflag"
	"github.com/wattrules/wattrules/pkg/credentials"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/storage"
	"github.com/wattrules/wattrules/pkg/types"
)

// devEncryptionKey matches the bypass-auth local setup, never production.
const devEncryptionKey = "00000000000000000000000000000000"

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding demo data")

	user := types.User{
		ID:    "dev",
		Email: "dev@localhost",
	}
	if err := s.CreateUser(ctx, user); err != nil {
		// already exists from an earlier seed run
		log.Ctx(ctx).InfoContext(ctx, "user already seeded", "userID", user.ID, "error", err)
	}

	encrypted, err := credentials.Encrypt(ctx, devEncryptionKey, types.Credentials{
		Device: &types.DeviceCredentials{APIKey: "demo-device-key"},
		Price:  &types.PriceCredentials{Token: "demo-price-token"},
	})
	if err != nil {
		panic(err)
	}

	settings := types.Settings{
		DeviceSN:                          "DEMO0001",
		PriceSiteID:                       "demo-site",
		Latitude:                          -33.87,
		Longitude:                         151.21,
		Timezone:                          "Australia/Sydney",
		CheckIntervalSeconds:              300,
		ErrorBlackoutMinutes:              30,
		ErrorBlackoutThreshold:            3,
		CurtailmentEnabled:                true,
		CurtailmentThresholdDollarsPerKWH: 0,
		DryRun:                            true,
		EncryptedCredentials:              encrypted,
	}
	if err := s.SetSettings(ctx, user.ID, settings, types.CurrentSettingsVersion); err != nil {
		panic(err)
	}

	ruleSet := []types.Rule{
		{
			ID:              "cheap-grid-charge",
			Name:            "Charge when import is cheap",
			Enabled:         true,
			Priority:        10,
			CooldownMinutes: 120,
			Conditions: types.ConditionSet{
				PriceImport: &types.ThresholdCondition{
					Enabled:  true,
					Operator: types.OperatorLess,
					Value:    0.10,
				},
				BatterySoC: &types.ThresholdCondition{
					Enabled:  true,
					Operator: types.OperatorLess,
					Value:    80,
				},
			},
			Action: types.Action{
				WorkMode:        types.WorkModeForceCharge,
				DurationMinutes: 60,
				PowerWatts:      5000,
				MaxSoC:          95,
			},
		},
		{
			ID:              "export-spike-discharge",
			Name:            "Discharge into export spikes",
			Enabled:         true,
			Priority:        5,
			CooldownMinutes: 60,
			Conditions: types.ConditionSet{
				PriceExport: &types.ThresholdCondition{
					Enabled:  true,
					Operator: types.OperatorGreater,
					Value:    0.50,
				},
				BatterySoC: &types.ThresholdCondition{
					Enabled:  true,
					Operator: types.OperatorGreater,
					Value:    40,
				},
			},
			Action: types.Action{
				WorkMode:          types.WorkModeForceDischarge,
				DurationMinutes:   30,
				PowerWatts:        5000,
				ForceDischargeSoC: 20,
			},
		},
		{
			ID:              "cloudy-morning-charge",
			Name:            "Top up before a cloudy day",
			Enabled:         true,
			Priority:        20,
			CooldownMinutes: 720,
			Conditions: types.ConditionSet{
				CloudCoverForecast: &types.ForecastCondition{
					ThresholdCondition: types.ThresholdCondition{
						Enabled:  true,
						Operator: types.OperatorGreater,
						Value:    80,
					},
					LookAheadHours: 6,
					CheckType:      types.CheckTypeAverage,
				},
				TimeWindow: &types.TimeWindowCondition{
					Enabled:   true,
					StartTime: "04:00",
					EndTime:   "07:00",
				},
			},
			Action: types.Action{
				WorkMode:        types.WorkModeForceCharge,
				DurationMinutes: 120,
				PowerWatts:      3000,
				MaxSoC:          100,
			},
		},
	}
	for _, r := range ruleSet {
		if err := s.UpsertRule(ctx, user.ID, r); err != nil {
			panic(err)
		}
	}

	if err := s.SetAutomationState(ctx, user.ID, types.AutomationState{Enabled: true}); err != nil {
		panic(err)
	}

	if err := s.Close(); err != nil {
		panic(err)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded demo data",
		"userID", user.ID,
		"rules", len(ruleSet),
	)
}
