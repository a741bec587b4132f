package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wattrules/wattrules/pkg/device"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
)

// ErrUnverifiedWrite means the device accepted a segment write but the
// post-write read-back could not find the segment in any slot. Callers must
// treat this as a failure; the rule is not active.
var ErrUnverifiedWrite = errors.New("segment write could not be verified")

// Dispatcher writes segments to device scheduler slots and verifies them.
// The device silently relocates written segments to different slot indexes
// while still returning success, so verification scans every slot and
// matches by content, never by position.
type Dispatcher struct {
	devices *device.Map
}

// NewDispatcher creates a Dispatcher over the given device map.
func NewDispatcher(devices *device.Map) *Dispatcher {
	return &Dispatcher{devices: devices}
}

// Program writes seg as the only enabled slot, filling the remaining slots
// with disabled defaults, then reads the table back and confirms the segment
// landed somewhere.
func (d *Dispatcher) Program(ctx context.Context, userID string, seg types.ScheduleSegment) error {
	client := d.devices.User(userID)

	table := make([]types.ScheduleSegment, types.DeviceSegmentSlots)
	table[0] = seg

	log.Ctx(ctx).InfoContext(ctx, "programming segment",
		slog.String("userID", userID),
		slog.String("workMode", string(seg.WorkMode)),
		slog.Int("startMinutes", seg.StartMinutes()),
		slog.Int("endMinutes", seg.EndMinutes()),
	)

	if err := client.SetSegments(ctx, table); err != nil {
		return fmt.Errorf("failed to write segments: %w", err)
	}

	readBack, err := client.GetSegments(ctx)
	if err != nil {
		// the write may or may not have landed; callers must not mark the
		// rule active on an ambiguous result
		return fmt.Errorf("%w: read-back failed: %s", ErrUnverifiedWrite, err)
	}

	if FindSegment(readBack, seg) < 0 {
		log.Ctx(ctx).ErrorContext(ctx, "segment missing after write",
			slog.String("userID", userID),
			slog.Int("slots", len(readBack)),
		)
		return ErrUnverifiedWrite
	}
	return nil
}

// Clear resets every device slot, not just the one believed to hold the
// active segment, because slot identity cannot be trusted.
func (d *Dispatcher) Clear(ctx context.Context, userID string) error {
	log.Ctx(ctx).InfoContext(ctx, "clearing device schedule", slog.String("userID", userID))
	if err := d.devices.User(userID).ClearSegments(ctx); err != nil {
		return fmt.Errorf("failed to clear segments: %w", err)
	}
	return nil
}

// Active reports whether seg is still present and enabled on the device.
func (d *Dispatcher) Active(ctx context.Context, userID string, seg types.ScheduleSegment) (bool, error) {
	readBack, err := d.devices.User(userID).GetSegments(ctx)
	if err != nil {
		return false, err
	}
	return FindSegment(readBack, seg) >= 0, nil
}

// FindSegment returns the index of the slot whose content matches seg, or -1.
func FindSegment(slots []types.ScheduleSegment, seg types.ScheduleSegment) int {
	for i, s := range slots {
		if s.SameContent(seg) {
			return i
		}
	}
	return -1
}
