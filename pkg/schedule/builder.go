package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
)

// ErrInvalidSegment means the built segment failed final validation and must
// not be dispatched.
var ErrInvalidSegment = errors.New("invalid segment")

// BuiltSegment is the result of converting an action into a device segment.
type BuiltSegment struct {
	Segment types.ScheduleSegment
	// EffectiveDurationMinutes is the programmed duration after any midnight
	// cap; equals the requested duration when no cap applied.
	EffectiveDurationMinutes int
	CappedAtMidnight         bool
}

// BuildSegment converts a matched rule's action into a scheduler segment
// starting at start (local time). The device rejects segments crossing
// midnight, so an end time that would wrap past 24:00 is capped at 23:59 and
// the shorter effective duration recorded. Splitting into two segments or
// deferring to the next day is never attempted.
func BuildSegment(ctx context.Context, start time.Time, action types.Action) (BuiltSegment, error) {
	if action.DurationMinutes <= 0 {
		return BuiltSegment{}, ErrInvalidSegment
	}
	if !action.WorkMode.Valid() {
		return BuiltSegment{}, ErrInvalidSegment
	}

	startTotal := start.Hour()*60 + start.Minute()
	endTotal := (startTotal + action.DurationMinutes) % (24 * 60)
	effective := action.DurationMinutes
	var capped bool

	// endTotal <= startTotal is the modular wraparound signature; a duration
	// of a full day or more always wraps
	if action.DurationMinutes >= 24*60 || endTotal <= startTotal {
		endTotal = 23*60 + 59
		effective = endTotal - startTotal
		capped = true
		log.Ctx(ctx).WarnContext(ctx, "segment capped at midnight",
			slog.Int("requestedMinutes", action.DurationMinutes),
			slog.Int("effectiveMinutes", effective),
			slog.Int("startHour", start.Hour()),
			slog.Int("startMinute", start.Minute()),
		)
	}

	if endTotal <= startTotal {
		// starting at 23:59 leaves no room at all
		return BuiltSegment{}, ErrInvalidSegment
	}

	return BuiltSegment{
		Segment: types.ScheduleSegment{
			Enabled:           true,
			WorkMode:          action.WorkMode,
			StartHour:         startTotal / 60,
			StartMinute:       startTotal % 60,
			EndHour:           endTotal / 60,
			EndMinute:         endTotal % 60,
			PowerWatts:        action.PowerWatts,
			MinSoCOnGrid:      action.MinSoCOnGrid,
			ForceDischargeSoC: action.ForceDischargeSoC,
			MaxSoC:            action.MaxSoC,
		},
		EffectiveDurationMinutes: effective,
		CappedAtMidnight:         capped,
	}, nil
}
