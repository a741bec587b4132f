package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattrules/wattrules/pkg/types"
)

var sydney = func() *time.Location {
	loc, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		panic(err)
	}
	return loc
}()

// baseSnapshot returns a snapshot at 14:23 local with all signals present.
func baseSnapshot() types.Snapshot {
	now := time.Date(2026, 1, 5, 14, 23, 0, 0, sydney)
	cur := types.Price{
		TSStart:             now.Add(-23 * time.Minute),
		TSEnd:               now.Add(7 * time.Minute),
		ImportDollarsPerKWH: 0.30,
		FeedInDollarsPerKWH: 0.10,
	}
	var hours []types.WeatherHour
	for i := 0; i < 24; i++ {
		hours = append(hours, types.WeatherHour{
			Time:                  time.Date(2026, 1, 5, 14, 0, 0, 0, sydney).Add(time.Duration(i) * time.Hour),
			ShortwaveRadiationWM2: 500,
			CloudCoverPercent:     20,
			TemperatureC:          28,
		})
	}
	return types.Snapshot{
		Now:      now,
		Location: sydney,
		Telemetry: &types.Telemetry{
			BatterySoC:   65,
			BatteryTempC: 31,
		},
		Current:  &cur,
		Forecast: []types.Price{cur},
		Weather:  &types.WeatherForecast{Timezone: "Australia/Sydney", Hours: hours},
	}
}

func enabled(op types.Operator, value float64) *types.ThresholdCondition {
	return &types.ThresholdCondition{Enabled: true, Operator: op, Value: value}
}

func TestEvaluate(t *testing.T) {
	t.Run("zero enabled conditions never match", func(t *testing.T) {
		ev := Evaluate(types.ConditionSet{}, baseSnapshot())
		assert.False(t, ev.AllMet)
		assert.Empty(t, ev.Conditions)

		// present but disabled does not count
		ev = Evaluate(types.ConditionSet{
			BatterySoC: &types.ThresholdCondition{Enabled: false, Operator: types.OperatorGreater, Value: 1},
		}, baseSnapshot())
		assert.False(t, ev.AllMet)
		assert.Empty(t, ev.Conditions)
	})

	t.Run("conjunction over enabled conditions", func(t *testing.T) {
		cs := types.ConditionSet{
			PriceExport: enabled(types.OperatorGreater, 0.05),
			BatterySoC:  enabled(types.OperatorGreaterOrEqual, 60),
		}
		ev := Evaluate(cs, baseSnapshot())
		assert.True(t, ev.AllMet)
		require.Len(t, ev.Conditions, 2)

		// one failing condition fails the whole set
		cs.BatterySoC = enabled(types.OperatorGreaterOrEqual, 90)
		ev = Evaluate(cs, baseSnapshot())
		assert.False(t, ev.AllMet)
	})

	t.Run("operators", func(t *testing.T) {
		snap := baseSnapshot()
		for _, tt := range []struct {
			op    types.Operator
			value float64
			upper float64
			met   bool
		}{
			{types.OperatorGreater, 64.99, 0, true},
			{types.OperatorGreater, 65, 0, false},
			{types.OperatorGreaterOrEqual, 65, 0, true},
			{types.OperatorLess, 65, 0, false},
			{types.OperatorLessOrEqual, 65, 0, true},
			{types.OperatorBetween, 60, 70, true},
			// between is inclusive on both bounds
			{types.OperatorBetween, 65, 65, true},
			{types.OperatorBetween, 65.01, 70, false},
		} {
			cs := types.ConditionSet{
				BatterySoC: &types.ThresholdCondition{Enabled: true, Operator: tt.op, Value: tt.value, UpperValue: tt.upper},
			}
			ev := Evaluate(cs, snap)
			assert.Equal(t, tt.met, ev.AllMet, "op=%s value=%v", tt.op, tt.value)
		}
	})

	t.Run("missing signal fails condition", func(t *testing.T) {
		snap := baseSnapshot()
		snap.Telemetry = nil
		cs := types.ConditionSet{
			BatterySoC: enabled(types.OperatorGreater, 0),
		}
		ev := Evaluate(cs, snap)
		assert.False(t, ev.AllMet)
		require.Len(t, ev.Conditions, 1)
		assert.True(t, ev.Conditions[0].Missing)
		assert.False(t, ev.Conditions[0].Met)
	})

	t.Run("look-ahead window starts at next full hour", func(t *testing.T) {
		// evaluating at 14:23 with a 6-hour look-ahead covers 15:00-21:00
		snap := baseSnapshot()
		// radiation is 999 only inside 15:00-21:00, 0 outside
		for i := range snap.Weather.Hours {
			h := snap.Weather.Hours[i].Time.Hour()
			if h >= 15 && h < 21 && snap.Weather.Hours[i].Time.Day() == 5 {
				snap.Weather.Hours[i].ShortwaveRadiationWM2 = 999
			} else {
				snap.Weather.Hours[i].ShortwaveRadiationWM2 = 0
			}
		}

		cs := types.ConditionSet{
			SolarRadiationForecast: &types.ForecastCondition{
				ThresholdCondition: types.ThresholdCondition{Enabled: true, Operator: types.OperatorGreaterOrEqual, Value: 999},
				LookAheadHours:     6,
				CheckType:          types.CheckTypeMin,
			},
		}
		ev := Evaluate(cs, snap)
		// if the 14:00 hour leaked into the window, min would be 0
		assert.True(t, ev.AllMet)
		assert.False(t, ev.Incomplete)
		assert.Equal(t, 999.0, ev.Conditions[0].Actual)
	})

	t.Run("weather aggregation", func(t *testing.T) {
		snap := baseSnapshot()
		cs := types.ConditionSet{
			CloudCoverForecast: &types.ForecastCondition{
				ThresholdCondition: types.ThresholdCondition{Enabled: true, Operator: types.OperatorLess, Value: 25},
				LookAheadHours:     4,
				CheckType:          types.CheckTypeAverage,
			},
		}
		ev := Evaluate(cs, snap)
		assert.True(t, ev.AllMet)
		assert.Equal(t, 20.0, ev.Conditions[0].Actual)
	})

	t.Run("short forecast series marks incomplete", func(t *testing.T) {
		// the provider returns only 1 hour of intervals for a 72-hour ask
		snap := baseSnapshot()
		start := time.Date(2026, 1, 5, 15, 0, 0, 0, sydney)
		snap.Forecast = []types.Price{
			{TSStart: start, TSEnd: start.Add(30 * time.Minute), ImportDollarsPerKWH: 0.50, Estimated: true},
			{TSStart: start.Add(30 * time.Minute), TSEnd: start.Add(time.Hour), ImportDollarsPerKWH: 0.60, Estimated: true},
		}

		cs := types.ConditionSet{
			PriceForecast: &types.ForecastCondition{
				ThresholdCondition: types.ThresholdCondition{Enabled: true, Operator: types.OperatorGreater, Value: 0.40},
				LookAheadHours:     72,
				CheckType:          types.CheckTypeAverage,
			},
		}
		ev := Evaluate(cs, snap)
		assert.True(t, ev.AllMet, "evaluation proceeds on the available hour")
		assert.True(t, ev.Incomplete)
		assert.InDelta(t, 0.55, ev.Conditions[0].Actual, 0.0001)
	})

	t.Run("price forecast any interval", func(t *testing.T) {
		snap := baseSnapshot()
		start := time.Date(2026, 1, 5, 15, 0, 0, 0, sydney)
		snap.Forecast = []types.Price{
			{TSStart: start, TSEnd: start.Add(30 * time.Minute), ImportDollarsPerKWH: 0.20},
			{TSStart: start.Add(30 * time.Minute), TSEnd: start.Add(time.Hour), ImportDollarsPerKWH: 1.50},
		}

		cs := types.ConditionSet{
			PriceForecast: &types.ForecastCondition{
				ThresholdCondition: types.ThresholdCondition{Enabled: true, Operator: types.OperatorGreater, Value: 1.0},
				LookAheadHours:     1,
				CheckType:          types.CheckTypeAny,
			},
		}
		ev := Evaluate(cs, snap)
		assert.True(t, ev.AllMet)
		assert.Equal(t, 1.50, ev.Conditions[0].Actual)
	})

	t.Run("time window", func(t *testing.T) {
		snap := baseSnapshot() // 14:23 local
		cs := types.ConditionSet{
			TimeWindow: &types.TimeWindowCondition{Enabled: true, StartTime: "14:00", EndTime: "15:00"},
		}
		ev := Evaluate(cs, snap)
		assert.True(t, ev.AllMet)

		cs.TimeWindow = &types.TimeWindowCondition{Enabled: true, StartTime: "15:00", EndTime: "16:00"}
		ev = Evaluate(cs, snap)
		assert.False(t, ev.AllMet)
	})

	t.Run("overnight time window", func(t *testing.T) {
		snap := baseSnapshot()
		snap.Now = time.Date(2026, 1, 5, 23, 30, 0, 0, sydney)
		cs := types.ConditionSet{
			TimeWindow: &types.TimeWindowCondition{Enabled: true, StartTime: "22:00", EndTime: "06:00"},
		}
		ev := Evaluate(cs, snap)
		assert.True(t, ev.AllMet)

		snap.Now = time.Date(2026, 1, 5, 3, 0, 0, 0, sydney)
		ev = Evaluate(cs, snap)
		assert.True(t, ev.AllMet)

		snap.Now = time.Date(2026, 1, 5, 12, 0, 0, 0, sydney)
		ev = Evaluate(cs, snap)
		assert.False(t, ev.AllMet)
	})

	t.Run("invalid time window is not met", func(t *testing.T) {
		cs := types.ConditionSet{
			TimeWindow: &types.TimeWindowCondition{Enabled: true, StartTime: "25:00", EndTime: "06:00"},
		}
		ev := Evaluate(cs, baseSnapshot())
		assert.False(t, ev.AllMet)
		assert.True(t, ev.Conditions[0].Missing)
	})
}

func TestInClockWindow(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 1, 5, h, m, 0, 0, sydney)
	}

	ok, err := InClockWindow(at(2, 0), "01:00", "05:00")
	require.NoError(t, err)
	assert.True(t, ok)

	// start is inclusive, end exclusive
	ok, err = InClockWindow(at(1, 0), "01:00", "05:00")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = InClockWindow(at(5, 0), "01:00", "05:00")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = InClockWindow(at(5, 0), "0500", "06:00")
	require.Error(t, err)
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, 1439, m)

	_, err = ParseClock("24:00")
	require.Error(t, err)
	_, err = ParseClock("12:60")
	require.Error(t, err)
	_, err = ParseClock("noon")
	require.Error(t, err)
}
