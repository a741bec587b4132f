package price

import (
	"context"

	"github.com/wattrules/wattrules/pkg/types"
)

// Provider defines the interface for retail price providers (like Amber).
type Provider interface {
	// ApplySettings updates the provider using the provided settings and credentials.
	ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error

	// GetCurrentPrice returns the price interval covering now.
	GetCurrentPrice(ctx context.Context) (types.Price, error)

	// GetForecast returns upcoming price intervals ordered by TSStart,
	// starting with the current interval. The horizon is whatever the
	// provider publishes and may be shorter than callers want.
	GetForecast(ctx context.Context) ([]types.Price, error)
}
