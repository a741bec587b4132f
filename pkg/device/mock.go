package device

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wattrules/wattrules/pkg/types"
)

// MockClient is a testify mock of the Client interface.
type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	args := m.Called(ctx, settings, creds)
	return args.Error(0)
}

func (m *MockClient) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Telemetry), args.Error(1)
	}
	return types.Telemetry{}, nil
}

func (m *MockClient) GetSegments(ctx context.Context) ([]types.ScheduleSegment, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		segs, _ := args.Get(0).([]types.ScheduleSegment)
		return segs, args.Error(1)
	}
	return nil, nil
}

func (m *MockClient) SetSegments(ctx context.Context, segments []types.ScheduleSegment) error {
	args := m.Called(ctx, segments)
	return args.Error(0)
}

func (m *MockClient) ClearSegments(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) SetExportLimit(ctx context.Context, watts int) error {
	args := m.Called(ctx, watts)
	return args.Error(0)
}
