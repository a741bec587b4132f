package weather

import (
	"context"

	"github.com/wattrules/wattrules/pkg/types"
)

// Provider defines the interface for weather forecast providers (like Open-Meteo).
type Provider interface {
	// GetForecast returns an hourly forecast for the given coordinates along
	// with the resolved IANA timezone of that location.
	GetForecast(ctx context.Context, latitude, longitude float64) (types.WeatherForecast, error)
}
