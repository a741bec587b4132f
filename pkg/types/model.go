package types

import (
	"time"
)

const (
	CurrentAuditVersion = 1

	// DeviceSegmentSlots is the number of scheduler slots the inverter holds.
	DeviceSegmentSlots = 8
)

// User represents a user of the system.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Admin bool   `json:"-"`
}

// WorkMode represents an inverter operating mode.
type WorkMode string

const (
	WorkModeSelfUse        WorkMode = "SelfUse"
	WorkModeForceDischarge WorkMode = "ForceDischarge"
	WorkModeForceCharge    WorkMode = "ForceCharge"
	WorkModeBackup         WorkMode = "Backup"
)

// Valid returns true when the work mode is one the device accepts.
func (m WorkMode) Valid() bool {
	switch m {
	case WorkModeSelfUse, WorkModeForceDischarge, WorkModeForceCharge, WorkModeBackup:
		return true
	}
	return false
}

// Operator represents a threshold comparison operator.
type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
	// OperatorBetween is inclusive on both bounds.
	OperatorBetween Operator = "between"
)

// Valid returns true when the operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual, OperatorBetween:
		return true
	}
	return false
}

// CheckType determines how a look-ahead condition aggregates the forecast
// values inside its window.
type CheckType string

const (
	CheckTypeAverage CheckType = "average"
	CheckTypeMin     CheckType = "min"
	CheckTypeMax     CheckType = "max"
	// CheckTypeAny matches if any single interval in the window matches.
	// Only supported for price forecasts.
	CheckTypeAny CheckType = "any"
)

// ConditionKind identifies a condition in a ConditionSet.
type ConditionKind string

const (
	ConditionPriceImport            ConditionKind = "priceImport"
	ConditionPriceExport            ConditionKind = "priceExport"
	ConditionBatterySoC             ConditionKind = "batterySoC"
	ConditionTemperature            ConditionKind = "temperature"
	ConditionSolarRadiationForecast ConditionKind = "solarRadiationForecast"
	ConditionCloudCoverForecast     ConditionKind = "cloudCoverForecast"
	ConditionPriceForecast          ConditionKind = "priceForecast"
	ConditionTimeWindow             ConditionKind = "timeWindow"
)

// ThresholdCondition compares a live signal value against a threshold.
type ThresholdCondition struct {
	Enabled  bool     `json:"enabled"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
	// UpperValue is the second bound, used only by OperatorBetween.
	UpperValue float64 `json:"upperValue,omitempty"`
}

// ForecastCondition compares an aggregation over a look-ahead window against a
// threshold. The window begins at the next full hour boundary in the user's
// local time, not the current partially-elapsed hour.
type ForecastCondition struct {
	ThresholdCondition
	LookAheadHours int       `json:"lookAheadHours"`
	CheckType      CheckType `json:"checkType"`
}

// TimeWindowCondition matches when the user's local time falls inside the
// window. Overnight windows (start > end) are supported.
type TimeWindowCondition struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"startTime"` // "HH:MM"
	EndTime   string `json:"endTime"`   // "HH:MM"
}

// ConditionSet holds the optional, independently-enableable conditions of a
// rule. A rule with zero enabled conditions never matches.
type ConditionSet struct {
	PriceImport            *ThresholdCondition  `json:"priceImport,omitempty"`
	PriceExport            *ThresholdCondition  `json:"priceExport,omitempty"`
	BatterySoC             *ThresholdCondition  `json:"batterySoC,omitempty"`
	Temperature            *ThresholdCondition  `json:"temperature,omitempty"`
	SolarRadiationForecast *ForecastCondition   `json:"solarRadiationForecast,omitempty"`
	CloudCoverForecast     *ForecastCondition   `json:"cloudCoverForecast,omitempty"`
	PriceForecast          *ForecastCondition   `json:"priceForecast,omitempty"`
	TimeWindow             *TimeWindowCondition `json:"timeWindow,omitempty"`
}

// EnabledCount returns how many conditions in the set are enabled.
func (c ConditionSet) EnabledCount() int {
	var n int
	for _, t := range []*ThresholdCondition{c.PriceImport, c.PriceExport, c.BatterySoC, c.Temperature} {
		if t != nil && t.Enabled {
			n++
		}
	}
	for _, f := range []*ForecastCondition{c.SolarRadiationForecast, c.CloudCoverForecast, c.PriceForecast} {
		if f != nil && f.Enabled {
			n++
		}
	}
	if c.TimeWindow != nil && c.TimeWindow.Enabled {
		n++
	}
	return n
}

// Action represents what a matched rule programs onto the device.
type Action struct {
	WorkMode        WorkMode `json:"workMode"`
	DurationMinutes int      `json:"durationMinutes"`
	PowerWatts      int      `json:"powerWatts,omitempty"`
	MinSoCOnGrid    int      `json:"minSoCOnGrid,omitempty"`
	MaxSoC          int      `json:"maxSoC,omitempty"`
	// ForceDischargeSoC is the SoC floor while force-discharging.
	ForceDischargeSoC int `json:"forceDischargeSoC,omitempty"`
}

// Rule is a user-defined automation rule. Rules are immutable during a cycle;
// they are only mutated via the CRUD API between cycles.
type Rule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// Priority orders rules; lower values are evaluated first.
	Priority        int          `json:"priority"`
	CooldownMinutes int          `json:"cooldownMinutes"`
	Conditions      ConditionSet `json:"conditions"`
	Action          Action       `json:"action"`
}

// AutomationState tracks the cycle state machine for one user. Created on
// first initialization with Enabled=false; mutated only by the orchestrator.
type AutomationState struct {
	Enabled        bool      `json:"enabled"`
	LastCheck      time.Time `json:"lastCheck"`
	ActiveRuleID   string    `json:"activeRuleID,omitempty"`
	ActiveRuleName string    `json:"activeRuleName,omitempty"`
	ActiveUntil    time.Time `json:"activeUntil,omitempty"`
	// InBlackout marks the error-triggered circuit breaker, not the
	// user-configured time-window blackout.
	InBlackout    bool      `json:"inBlackout,omitempty"`
	BlackoutUntil time.Time `json:"blackoutUntil,omitempty"`
	// ConsecutiveErrors counts device failures since the last successful
	// write; reaching the configured threshold engages the blackout.
	ConsecutiveErrors int `json:"consecutiveErrors,omitempty"`
}

// CooldownRecord tracks the last trigger time of a rule. A rule is only
// eligible once its cooldown window has fully elapsed. Natural segment expiry
// does NOT clear the record; manual cancel does.
type CooldownRecord struct {
	RuleID          string    `json:"ruleID"`
	LastTriggered   time.Time `json:"lastTriggered"`
	CooldownMinutes int       `json:"cooldownMinutes"`
}

// Eligible reports whether the cooldown window has elapsed at now.
func (c CooldownRecord) Eligible(now time.Time) bool {
	if c.LastTriggered.IsZero() || c.CooldownMinutes <= 0 {
		return true
	}
	return now.Sub(c.LastTriggered) >= time.Duration(c.CooldownMinutes)*time.Minute
}

// ScheduleSegment is one device-resident time-windowed work-mode instruction.
// The device rejects segments whose end does not come strictly after their
// start on the same day; segments never cross midnight.
type ScheduleSegment struct {
	Enabled           bool     `json:"enabled"`
	WorkMode          WorkMode `json:"workMode"`
	StartHour         int      `json:"startHour"`
	StartMinute       int      `json:"startMinute"`
	EndHour           int      `json:"endHour"`
	EndMinute         int      `json:"endMinute"`
	PowerWatts        int      `json:"powerWatts,omitempty"`
	MinSoCOnGrid      int      `json:"minSoCOnGrid,omitempty"`
	ForceDischargeSoC int      `json:"forceDischargeSoC,omitempty"`
	MaxSoC            int      `json:"maxSoC,omitempty"`
}

// StartMinutes returns the segment start as minutes since local midnight.
func (s ScheduleSegment) StartMinutes() int {
	return s.StartHour*60 + s.StartMinute
}

// EndMinutes returns the segment end as minutes since local midnight.
func (s ScheduleSegment) EndMinutes() int {
	return s.EndHour*60 + s.EndMinute
}

// SameContent reports whether two segments are the same instruction. The
// device silently relocates written segments to different slot indexes, so
// all verification and cancellation logic must match by content, never by
// position.
func (s ScheduleSegment) SameContent(o ScheduleSegment) bool {
	return s.Enabled == o.Enabled &&
		s.WorkMode == o.WorkMode &&
		s.StartHour == o.StartHour &&
		s.StartMinute == o.StartMinute &&
		s.EndHour == o.EndHour &&
		s.EndMinute == o.EndMinute &&
		s.PowerWatts == o.PowerWatts &&
		s.MinSoCOnGrid == o.MinSoCOnGrid &&
		s.ForceDischargeSoC == o.ForceDischargeSoC &&
		s.MaxSoC == o.MaxSoC
}

// CurtailmentState tracks the solar-export curtailment mini state machine.
// It transitions only on threshold crossings to avoid redundant device writes.
type CurtailmentState struct {
	Active           bool      `json:"active"`
	LastPrice        float64   `json:"lastPrice"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// RuleOutcome describes what happened to a rule during selection.
type RuleOutcome string

const (
	RuleOutcomeMatched RuleOutcome = "matched"
	RuleOutcomeNotMet  RuleOutcome = "notMet"
	// RuleOutcomeCooldown means the rule was skipped without evaluation
	// because its cooldown window has not elapsed.
	RuleOutcomeCooldown RuleOutcome = "cooldown"
	// RuleOutcomeNotEvaluated means a higher-priority rule already matched.
	RuleOutcomeNotEvaluated RuleOutcome = "notEvaluated"
)

// ConditionResult is the per-condition outcome of an evaluation.
type ConditionResult struct {
	Kind   ConditionKind `json:"kind"`
	Met    bool          `json:"met"`
	Actual float64       `json:"actual"`
	Target float64       `json:"target"`
	// Missing is set when the backing signal was unavailable; a missing
	// signal fails the condition instead of raising.
	Missing bool `json:"missing,omitempty"`
	// Incomplete is set when a look-ahead aggregated over a shorter forecast
	// series than requested.
	Incomplete bool `json:"incomplete,omitempty"`
}

// EvaluatedRule records the outcome of one rule for diagnostics.
type EvaluatedRule struct {
	RuleID     string            `json:"ruleID"`
	RuleName   string            `json:"ruleName"`
	Priority   int               `json:"priority"`
	Outcome    RuleOutcome       `json:"outcome"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
	Incomplete bool              `json:"incomplete,omitempty"`
}

// SkipReason explains why a cycle performed no evaluation.
type SkipReason string

const (
	SkipReasonTooSoon       SkipReason = "tooSoon"
	SkipReasonDisabled      SkipReason = "disabled"
	SkipReasonBlackout      SkipReason = "blackout"
	SkipReasonErrorBlackout SkipReason = "errorBlackout"
	SkipReasonRuleActive    SkipReason = "ruleActive"
	SkipReasonNothingToDo   SkipReason = "nothingToDo"
)

// CycleResult is the outcome of one automation cycle.
type CycleResult struct {
	Timestamp time.Time  `json:"timestamp"`
	Skipped   SkipReason `json:"skipped,omitempty"`
	Triggered bool       `json:"triggered"`

	MatchedRuleID   string           `json:"matchedRuleID,omitempty"`
	MatchedRuleName string           `json:"matchedRuleName,omitempty"`
	Action          *Action          `json:"action,omitempty"`
	Segment         *ScheduleSegment `json:"segment,omitempty"`
	// EffectiveDurationMinutes is the programmed duration after any midnight
	// cap; equals Action.DurationMinutes when no cap applied.
	EffectiveDurationMinutes int  `json:"effectiveDurationMinutes,omitempty"`
	CappedAtMidnight         bool `json:"cappedAtMidnight,omitempty"`

	Evaluated []EvaluatedRule `json:"evaluated,omitempty"`
	// SignalGaps lists signal sources that were unavailable this cycle.
	SignalGaps []string `json:"signalGaps,omitempty"`
	DryRun     bool     `json:"dryRun,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// AuditEntry is the append-only record of one cycle's outcome.
type AuditEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Result    CycleResult `json:"result"`
	// Snapshot summarizes the signal values the cycle saw.
	Snapshot SnapshotSummary `json:"snapshot"`
}

// SnapshotSummary is the subset of a signal snapshot persisted with each
// audit entry.
type SnapshotSummary struct {
	BatterySoC      *float64 `json:"batterySoC,omitempty"`
	ImportPrice     *float64 `json:"importPrice,omitempty"`
	FeedInPrice     *float64 `json:"feedInPrice,omitempty"`
	BatteryTempC    *float64 `json:"batteryTempC,omitempty"`
	ForecastHorizon int      `json:"forecastHorizonMinutes,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
}
