package device

import (
	"context"

	"github.com/wattrules/wattrules/pkg/types"
)

// Client defines the interface for interacting with an inverter cloud API
// (like FoxESS).
type Client interface {
	// ApplySettings updates the client using the provided settings and credentials.
	ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error

	// GetTelemetry returns the current live readings from the inverter.
	GetTelemetry(ctx context.Context) (types.Telemetry, error)

	// GetSegments reads back all scheduler slots currently on the device.
	// The returned slice always has types.DeviceSegmentSlots entries but the
	// device may have relocated previously-written segments to different slot
	// indexes, so callers must compare by content, not position.
	GetSegments(ctx context.Context) ([]types.ScheduleSegment, error)

	// SetSegments writes the full scheduler slot table to the device.
	SetSegments(ctx context.Context, segments []types.ScheduleSegment) error

	// ClearSegments disables the scheduler entirely.
	ClearSegments(ctx context.Context) error

	// SetExportLimit caps grid export at the given watts. 0 stops export
	// entirely; a negative value restores the device maximum.
	SetExportLimit(ctx context.Context, watts int) error
}
