package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wattrules/wattrules/pkg/types"
)

// Evaluation is the outcome of evaluating one rule's condition set against a
// snapshot.
type Evaluation struct {
	Conditions []types.ConditionResult
	// AllMet is true iff at least one condition is enabled and every enabled
	// condition is met. A set with zero enabled conditions never matches.
	AllMet bool
	// Incomplete is true when any look-ahead aggregated over a shorter
	// forecast series than its window asked for.
	Incomplete bool
}

// Evaluate evaluates a condition set against a signal snapshot. It is a pure
// function of its inputs; missing signals fail their condition instead of
// raising.
func Evaluate(cs types.ConditionSet, snap types.Snapshot) Evaluation {
	var ev Evaluation

	add := func(r types.ConditionResult) {
		ev.Conditions = append(ev.Conditions, r)
		if r.Incomplete {
			ev.Incomplete = true
		}
	}

	if c := cs.PriceImport; c != nil && c.Enabled {
		r := types.ConditionResult{Kind: types.ConditionPriceImport, Target: c.Value}
		if snap.Current == nil {
			r.Missing = true
		} else {
			r.Actual = snap.Current.ImportDollarsPerKWH
			r.Met = compare(c.Operator, r.Actual, c.Value, c.UpperValue)
		}
		add(r)
	}
	if c := cs.PriceExport; c != nil && c.Enabled {
		r := types.ConditionResult{Kind: types.ConditionPriceExport, Target: c.Value}
		if snap.Current == nil {
			r.Missing = true
		} else {
			r.Actual = snap.Current.FeedInDollarsPerKWH
			r.Met = compare(c.Operator, r.Actual, c.Value, c.UpperValue)
		}
		add(r)
	}
	if c := cs.BatterySoC; c != nil && c.Enabled {
		r := types.ConditionResult{Kind: types.ConditionBatterySoC, Target: c.Value}
		if snap.Telemetry == nil {
			r.Missing = true
		} else {
			r.Actual = snap.Telemetry.BatterySoC
			r.Met = compare(c.Operator, r.Actual, c.Value, c.UpperValue)
		}
		add(r)
	}
	if c := cs.Temperature; c != nil && c.Enabled {
		r := types.ConditionResult{Kind: types.ConditionTemperature, Target: c.Value}
		if snap.Telemetry == nil {
			r.Missing = true
		} else {
			r.Actual = snap.Telemetry.BatteryTempC
			r.Met = compare(c.Operator, r.Actual, c.Value, c.UpperValue)
		}
		add(r)
	}
	if c := cs.SolarRadiationForecast; c != nil && c.Enabled {
		add(evaluateWeatherForecast(types.ConditionSolarRadiationForecast, c, snap, func(h types.WeatherHour) float64 {
			return h.ShortwaveRadiationWM2
		}))
	}
	if c := cs.CloudCoverForecast; c != nil && c.Enabled {
		add(evaluateWeatherForecast(types.ConditionCloudCoverForecast, c, snap, func(h types.WeatherHour) float64 {
			return h.CloudCoverPercent
		}))
	}
	if c := cs.PriceForecast; c != nil && c.Enabled {
		add(evaluatePriceForecast(c, snap))
	}
	if c := cs.TimeWindow; c != nil && c.Enabled {
		r := types.ConditionResult{Kind: types.ConditionTimeWindow}
		met, err := InClockWindow(snap.Now, c.StartTime, c.EndTime)
		if err != nil {
			r.Missing = true
		} else {
			r.Met = met
			r.Actual = float64(minutesOfDay(snap.Now))
		}
		add(r)
	}

	if len(ev.Conditions) == 0 {
		return ev
	}
	ev.AllMet = true
	for _, r := range ev.Conditions {
		if !r.Met {
			ev.AllMet = false
			break
		}
	}
	return ev
}

// compare applies op to actual. OperatorBetween is inclusive on both bounds.
func compare(op types.Operator, actual, value, upper float64) bool {
	switch op {
	case types.OperatorGreater:
		return actual > value
	case types.OperatorGreaterOrEqual:
		return actual >= value
	case types.OperatorLess:
		return actual < value
	case types.OperatorLessOrEqual:
		return actual <= value
	case types.OperatorBetween:
		return actual >= value && actual <= upper
	}
	return false
}

// lookAheadWindow returns the aggregation window for a look-ahead condition.
// The window begins at the next full hour boundary in the snapshot's local
// time, so evaluating at 14:23 with 6 hours covers 15:00 through 21:00. The
// partially elapsed current hour is not representative of an hour.
func lookAheadWindow(snap types.Snapshot, hours int) (time.Time, time.Time) {
	now := snap.Now
	if snap.Location != nil {
		now = now.In(snap.Location)
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()).Add(time.Hour)
	return start, start.Add(time.Duration(hours) * time.Hour)
}

func evaluateWeatherForecast(kind types.ConditionKind, c *types.ForecastCondition, snap types.Snapshot, value func(types.WeatherHour) float64) types.ConditionResult {
	r := types.ConditionResult{Kind: kind, Target: c.Value}
	if snap.Weather == nil {
		r.Missing = true
		return r
	}

	start, end := lookAheadWindow(snap, c.LookAheadHours)
	var values []float64
	var covered time.Time
	for _, h := range snap.Weather.Hours {
		if h.Time.Before(start) || !h.Time.Before(end) {
			continue
		}
		values = append(values, value(h))
		if he := h.Time.Add(time.Hour); he.After(covered) {
			covered = he
		}
	}
	if len(values) == 0 {
		r.Missing = true
		return r
	}
	if covered.Before(end) {
		r.Incomplete = true
	}

	r.Actual = aggregate(c.CheckType, values)
	r.Met = compare(c.Operator, r.Actual, c.Value, c.UpperValue)
	return r
}

func evaluatePriceForecast(c *types.ForecastCondition, snap types.Snapshot) types.ConditionResult {
	r := types.ConditionResult{Kind: types.ConditionPriceForecast, Target: c.Value}
	if len(snap.Forecast) == 0 {
		r.Missing = true
		return r
	}

	start, end := lookAheadWindow(snap, c.LookAheadHours)
	var values []float64
	var covered time.Time
	for _, p := range snap.Forecast {
		// include intervals overlapping the window
		if !p.TSEnd.After(start) || !p.TSStart.Before(end) {
			continue
		}
		values = append(values, p.ImportDollarsPerKWH)
		if p.TSEnd.After(covered) {
			covered = p.TSEnd
		}
	}
	if len(values) == 0 {
		r.Missing = true
		// the provider's horizon is short, so an empty window on a long
		// look-ahead is expected and also incomplete
		r.Incomplete = true
		return r
	}
	if covered.Before(end) {
		r.Incomplete = true
	}

	if c.CheckType == types.CheckTypeAny {
		for _, v := range values {
			if compare(c.Operator, v, c.Value, c.UpperValue) {
				r.Met = true
				r.Actual = v
				break
			}
		}
		if !r.Met {
			r.Actual = aggregate(types.CheckTypeAverage, values)
		}
		return r
	}

	r.Actual = aggregate(c.CheckType, values)
	r.Met = compare(c.Operator, r.Actual, c.Value, c.UpperValue)
	return r
}

func aggregate(ct types.CheckType, values []float64) float64 {
	switch ct {
	case types.CheckTypeMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case types.CheckTypeMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// InClockWindow reports whether t falls inside the [start, end) window given
// as "HH:MM" local times. Overnight windows where start > end are supported
// by matching t >= start OR t < end.
func InClockWindow(t time.Time, start, end string) (bool, error) {
	s, err := ParseClock(start)
	if err != nil {
		return false, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return false, err
	}
	cur := minutesOfDay(t)
	if s > e {
		return cur >= s || cur < e, nil
	}
	return cur >= s && cur < e, nil
}
