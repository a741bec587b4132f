package price

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wattrules/wattrules/pkg/types"
)

// MockProvider is a testify mock of the Provider interface.
type MockProvider struct {
	mock.Mock
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	args := m.Called(ctx, settings, creds)
	return args.Error(0)
}

func (m *MockProvider) GetCurrentPrice(ctx context.Context) (types.Price, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Price), args.Error(1)
	}
	return types.Price{}, nil
}

func (m *MockProvider) GetForecast(ctx context.Context) ([]types.Price, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		prices, _ := args.Get(0).([]types.Price)
		return prices, args.Error(1)
	}
	return nil, nil
}
