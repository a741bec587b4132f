package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/rules"
	"github.com/wattrules/wattrules/pkg/types"
)

const (
	defaultCheckIntervalSeconds = 300
	defaultErrorBlackoutMinutes = 30
)

// inTimeBlackout reports whether now falls inside the user-configured daily
// blackout window. An unset or unparseable window never blacks out.
func inTimeBlackout(ctx context.Context, settings types.Settings, now time.Time) bool {
	if settings.BlackoutStart == "" || settings.BlackoutEnd == "" {
		return false
	}
	in, err := rules.InClockWindow(now, settings.BlackoutStart, settings.BlackoutEnd)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid blackout window",
			slog.String("start", settings.BlackoutStart),
			slog.String("end", settings.BlackoutEnd),
			slog.Any("error", err),
		)
		return false
	}
	return in
}

// inErrorBlackout reports whether the error circuit breaker is holding the
// cycle back. An elapsed blackout is cleared in place.
func inErrorBlackout(state *types.AutomationState, now time.Time) bool {
	if !state.InBlackout {
		return false
	}
	if now.Before(state.BlackoutUntil) {
		return true
	}
	state.InBlackout = false
	state.BlackoutUntil = time.Time{}
	return false
}

// recordDeviceFailure counts a device failure toward the circuit breaker and
// engages the blackout once the threshold is reached.
func recordDeviceFailure(ctx context.Context, state *types.AutomationState, settings types.Settings, now time.Time) {
	state.ConsecutiveErrors++

	threshold := settings.ErrorBlackoutThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if state.ConsecutiveErrors < threshold {
		return
	}

	minutes := settings.ErrorBlackoutMinutes
	if minutes <= 0 {
		minutes = defaultErrorBlackoutMinutes
	}
	state.InBlackout = true
	state.BlackoutUntil = now.Add(time.Duration(minutes) * time.Minute)
	state.ConsecutiveErrors = 0

	log.Ctx(ctx).WarnContext(ctx, "error blackout engaged",
		slog.Time("until", state.BlackoutUntil),
		slog.Int("threshold", threshold),
	)
}

// recordDeviceSuccess resets the circuit breaker.
func recordDeviceSuccess(state *types.AutomationState) {
	state.ConsecutiveErrors = 0
	state.InBlackout = false
	state.BlackoutUntil = time.Time{}
}

// clearActiveRule drops the active-rule bookkeeping. Cooldown records are
// left alone; natural expiry keeps the cooldown window in effect.
func clearActiveRule(state *types.AutomationState) {
	state.ActiveRuleID = ""
	state.ActiveRuleName = ""
	state.ActiveUntil = time.Time{}
}
