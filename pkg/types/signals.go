package types

import (
	"time"
)

// Telemetry is a live reading from the inverter.
type Telemetry struct {
	Time       time.Time `json:"time"`
	BatterySoC float64   `json:"batterySoC"`
	// BatteryTempC is the battery pack temperature in celsius.
	BatteryTempC float64 `json:"batteryTempC"`
	PVPowerW     float64 `json:"pvPowerW"`
	LoadPowerW   float64 `json:"loadPowerW"`
	GridPowerW   float64 `json:"gridPowerW"`
	// FeedInPowerW is positive when exporting to the grid.
	FeedInPowerW float64 `json:"feedInPowerW"`
}

// Price is a retail energy price for a half-hour interval. Dollars per kWh,
// negative values allowed in both directions.
type Price struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`
	// ImportDollarsPerKWH is the general usage price.
	ImportDollarsPerKWH float64 `json:"importDollarsPerKWH"`
	// FeedInDollarsPerKWH is the export credit. Positive means the user is
	// paid to export; negative means exporting costs money.
	FeedInDollarsPerKWH float64 `json:"feedInDollarsPerKWH"`
	// Estimated is true for forecast intervals and false for actuals.
	Estimated bool `json:"estimated"`
}

// WeatherHour is one hour of weather forecast.
type WeatherHour struct {
	Time time.Time `json:"time"`
	// ShortwaveRadiationWM2 is global horizontal irradiance in W/m2.
	ShortwaveRadiationWM2 float64 `json:"shortwaveRadiationWM2"`
	CloudCoverPercent     float64 `json:"cloudCoverPercent"`
	TemperatureC          float64 `json:"temperatureC"`
}

// WeatherForecast is an hourly forecast series with the resolved IANA
// timezone for the forecast location.
type WeatherForecast struct {
	Timezone string        `json:"timezone"`
	Hours    []WeatherHour `json:"hours"`
}

// Snapshot is the immutable set of signal values one automation cycle
// evaluates against. A nil field means that signal was unavailable;
// conditions backed by a nil field fail rather than error, and the gap is
// recorded in the cycle result.
type Snapshot struct {
	Now       time.Time      `json:"now"`
	Location  *time.Location `json:"-"`
	Telemetry *Telemetry     `json:"telemetry,omitempty"`
	// Current is the price interval covering Now.
	Current *Price `json:"current,omitempty"`
	// Forecast holds upcoming price intervals ordered by TSStart.
	Forecast []Price          `json:"forecast,omitempty"`
	Weather  *WeatherForecast `json:"weather,omitempty"`
	// Gaps names the signal sources that could not be fetched.
	Gaps []string `json:"gaps,omitempty"`
}

// Summary extracts the persisted subset of the snapshot for audit entries.
func (s Snapshot) Summary() SnapshotSummary {
	var sum SnapshotSummary
	if s.Telemetry != nil {
		soc := s.Telemetry.BatterySoC
		temp := s.Telemetry.BatteryTempC
		sum.BatterySoC = &soc
		sum.BatteryTempC = &temp
	}
	if s.Current != nil {
		imp := s.Current.ImportDollarsPerKWH
		exp := s.Current.FeedInDollarsPerKWH
		sum.ImportPrice = &imp
		sum.FeedInPrice = &exp
	}
	if len(s.Forecast) > 0 {
		last := s.Forecast[len(s.Forecast)-1]
		sum.ForecastHorizon = int(last.TSEnd.Sub(s.Now) / time.Minute)
	}
	if s.Location != nil {
		sum.Timezone = s.Location.String()
	}
	return sum
}
