package weather

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

func (m *MockProvider) GetForecast(ctx context.Context, latitude, longitude float64) (types.WeatherForecast, error) {
	args := m.Called(ctx, latitude, longitude)
	if len(args) > 0 {
		return args.Get(0).(types.WeatherForecast), args.Error(1)
	}
	return types.WeatherForecast{}, nil
}
