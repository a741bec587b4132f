package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 4

// Settings represents the per-user configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`

	// Device
	DeviceSN string `json:"deviceSN"`

	// Price provider site
	PriceSiteID string `json:"priceSiteID"`

	// Location for weather forecasts
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Timezone is the IANA zone used for all local-time decisions. When
	// empty, the zone resolved by the weather provider is used.
	Timezone string `json:"timezone"`

	// How often cycles are allowed to run
	CheckIntervalSeconds int `json:"checkIntervalSeconds"`

	// Daily blackout window ("HH:MM", local time) during which no rules are
	// evaluated. Empty strings disable the window.
	BlackoutStart string `json:"blackoutStart"`
	BlackoutEnd   string `json:"blackoutEnd"`

	// How long to back off after consecutive device failures
	ErrorBlackoutMinutes int `json:"errorBlackoutMinutes"`
	// ErrorBlackoutThreshold is how many consecutive failures trip the backoff.
	ErrorBlackoutThreshold int `json:"errorBlackoutThreshold"`

	// Curtailment
	// Stop exporting solar when the feed-in price drops below the threshold.
	CurtailmentEnabled bool `json:"curtailmentEnabled"`
	// CurtailmentThresholdDollarsPerKWH is typically 0 or slightly negative.
	CurtailmentThresholdDollarsPerKWH float64 `json:"curtailmentThresholdDollarsPerKWH"`

	// Credentials for external systems (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials for external systems
type Credentials struct {
	Device *DeviceCredentials `json:"device,omitempty"`
	Price  *PriceCredentials  `json:"price,omitempty"`
}

// Credentials for the inverter cloud API
type DeviceCredentials struct {
	APIKey string `json:"apiKey"`
}

// Credentials for the price provider
type PriceCredentials struct {
	Token string `json:"token"`
}

// Has reports which credential groups are present, for API responses that
// must not echo the secrets themselves.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"device": c.Device != nil,
		"price":  c.Price != nil,
	}
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.CheckIntervalSeconds == 0 {
				s.CheckIntervalSeconds = 300
				migrated = true
			}
		case 2:
			// version 2: add error blackout
			if s.ErrorBlackoutMinutes == 0 {
				s.ErrorBlackoutMinutes = 30
				migrated = true
			}
			if s.ErrorBlackoutThreshold == 0 {
				s.ErrorBlackoutThreshold = 3
				migrated = true
			}
		case 3:
			// version 3: add timezone
			if s.Timezone == "" {
				s.Timezone = "Australia/Sydney"
				migrated = true
			}
		case 4:
			// version 4: curtailment threshold settles at 0, nothing to default,
			// but older documents stored the threshold in cents
			if s.CurtailmentThresholdDollarsPerKWH < -5 || s.CurtailmentThresholdDollarsPerKWH > 5 {
				s.CurtailmentThresholdDollarsPerKWH /= 100
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
