package schedule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattrules/wattrules/pkg/device"
	"github.com/wattrules/wattrules/pkg/types"
)

func testDispatcher(t *testing.T) (*Dispatcher, *device.MockClient) {
	t.Helper()
	devices := device.NewMap()
	dev := &device.MockClient{}
	devices.SetClient("u1", dev)
	return NewDispatcher(devices), dev
}

func testSegment() types.ScheduleSegment {
	return types.ScheduleSegment{
		Enabled:     true,
		WorkMode:    types.WorkModeForceDischarge,
		StartHour:   17,
		StartMinute: 0,
		EndHour:     19,
		EndMinute:   30,
		PowerWatts:  5000,
	}
}

func TestProgram(t *testing.T) {
	ctx := context.Background()

	t.Run("verified in original slot", func(t *testing.T) {
		d, dev := testDispatcher(t)
		seg := testSegment()

		table := make([]types.ScheduleSegment, types.DeviceSegmentSlots)
		table[0] = seg
		dev.On("SetSegments", mock.Anything, table).Return(nil)
		dev.On("GetSegments", mock.Anything).Return(table, nil)

		require.NoError(t, d.Program(ctx, "u1", seg))
		dev.AssertExpectations(t)
	})

	t.Run("verified after device reorders slots", func(t *testing.T) {
		d, dev := testDispatcher(t)
		seg := testSegment()

		// the device moved the segment to slot 5
		readBack := make([]types.ScheduleSegment, types.DeviceSegmentSlots)
		readBack[5] = seg
		dev.On("SetSegments", mock.Anything, mock.Anything).Return(nil)
		dev.On("GetSegments", mock.Anything).Return(readBack, nil)

		require.NoError(t, d.Program(ctx, "u1", seg))
	})

	t.Run("missing after write is unverified", func(t *testing.T) {
		d, dev := testDispatcher(t)
		seg := testSegment()

		// the device dropped it entirely
		readBack := make([]types.ScheduleSegment, types.DeviceSegmentSlots)
		dev.On("SetSegments", mock.Anything, mock.Anything).Return(nil)
		dev.On("GetSegments", mock.Anything).Return(readBack, nil)

		err := d.Program(ctx, "u1", seg)
		require.ErrorIs(t, err, ErrUnverifiedWrite)
	})

	t.Run("content mismatch is unverified", func(t *testing.T) {
		d, dev := testDispatcher(t)
		seg := testSegment()

		// a slot exists but with altered power, which must not verify
		altered := seg
		altered.PowerWatts = 4000
		readBack := make([]types.ScheduleSegment, types.DeviceSegmentSlots)
		readBack[0] = altered
		dev.On("SetSegments", mock.Anything, mock.Anything).Return(nil)
		dev.On("GetSegments", mock.Anything).Return(readBack, nil)

		err := d.Program(ctx, "u1", seg)
		require.ErrorIs(t, err, ErrUnverifiedWrite)
	})

	t.Run("write failure", func(t *testing.T) {
		d, dev := testDispatcher(t)
		dev.On("SetSegments", mock.Anything, mock.Anything).Return(errors.New("device offline"))

		err := d.Program(ctx, "u1", testSegment())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnverifiedWrite)
		dev.AssertNotCalled(t, "GetSegments", mock.Anything)
	})

	t.Run("read-back failure is ambiguous", func(t *testing.T) {
		d, dev := testDispatcher(t)
		dev.On("SetSegments", mock.Anything, mock.Anything).Return(nil)
		dev.On("GetSegments", mock.Anything).Return(nil, errors.New("timeout"))

		err := d.Program(ctx, "u1", testSegment())
		require.ErrorIs(t, err, ErrUnverifiedWrite)
	})
}

func TestClear(t *testing.T) {
	d, dev := testDispatcher(t)
	dev.On("ClearSegments", mock.Anything).Return(nil)
	require.NoError(t, d.Clear(context.Background(), "u1"))
	dev.AssertExpectations(t)
}

func TestActive(t *testing.T) {
	d, dev := testDispatcher(t)
	seg := testSegment()
	readBack := make([]types.ScheduleSegment, types.DeviceSegmentSlots)
	readBack[3] = seg
	dev.On("GetSegments", mock.Anything).Return(readBack, nil)

	ok, err := d.Active(context.Background(), "u1", seg)
	require.NoError(t, err)
	assert.True(t, ok)

	other := seg
	other.EndHour = 20
	ok, err = d.Active(context.Background(), "u1", other)
	require.NoError(t, err)
	assert.False(t, ok)
}
