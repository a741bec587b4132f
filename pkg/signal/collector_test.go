package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattrules/wattrules/pkg/device"
	"github.com/wattrules/wattrules/pkg/price"
	"github.com/wattrules/wattrules/pkg/types"
	"github.com/wattrules/wattrules/pkg/weather"
)

func testCollector(t *testing.T) (*Collector, *device.MockClient, *price.MockProvider, *weather.MockProvider) {
	t.Helper()
	devices := device.NewMap()
	prices := price.NewMap()
	dev := &device.MockClient{}
	pp := &price.MockProvider{}
	wp := &weather.MockProvider{}
	devices.SetClient("u1", dev)
	prices.SetProvider("u1", pp)
	return NewCollector(devices, prices, wp), dev, pp, wp
}

func TestCollect(t *testing.T) {
	settings := types.Settings{
		Timezone:  "Australia/Sydney",
		Latitude:  -33.8688,
		Longitude: 151.2093,
	}

	t.Run("all signals", func(t *testing.T) {
		c, dev, pp, wp := testCollector(t)

		now := time.Now()
		cur := types.Price{
			TSStart:             now.Add(-10 * time.Minute),
			TSEnd:               now.Add(20 * time.Minute),
			ImportDollarsPerKWH: 0.32,
			FeedInDollarsPerKWH: 0.05,
		}
		next := types.Price{
			TSStart:             cur.TSEnd,
			TSEnd:               cur.TSEnd.Add(30 * time.Minute),
			ImportDollarsPerKWH: 0.45,
			Estimated:           true,
		}

		dev.On("GetTelemetry", mock.Anything).Return(types.Telemetry{BatterySoC: 64, BatteryTempC: 25}, nil)
		pp.On("GetForecast", mock.Anything).Return([]types.Price{cur, next}, nil)
		wp.On("GetForecast", mock.Anything, settings.Latitude, settings.Longitude).Return(types.WeatherForecast{
			Timezone: "Australia/Sydney",
			Hours:    []types.WeatherHour{{Time: now, ShortwaveRadiationWM2: 600}},
		}, nil)

		snap, err := c.Collect(context.Background(), "u1", settings)
		require.NoError(t, err)

		require.NotNil(t, snap.Telemetry)
		assert.Equal(t, 64.0, snap.Telemetry.BatterySoC)
		require.NotNil(t, snap.Current)
		assert.Equal(t, 0.32, snap.Current.ImportDollarsPerKWH)
		assert.Len(t, snap.Forecast, 2)
		require.NotNil(t, snap.Weather)
		assert.Empty(t, snap.Gaps)
		assert.Equal(t, "Australia/Sydney", snap.Location.String())
	})

	t.Run("device failure becomes gap", func(t *testing.T) {
		c, dev, pp, wp := testCollector(t)

		dev.On("GetTelemetry", mock.Anything).Return(types.Telemetry{}, errors.New("offline"))
		pp.On("GetForecast", mock.Anything).Return(nil, errors.New("api down"))
		wp.On("GetForecast", mock.Anything, settings.Latitude, settings.Longitude).Return(types.WeatherForecast{}, errors.New("api down"))

		snap, err := c.Collect(context.Background(), "u1", settings)
		require.NoError(t, err)

		assert.Nil(t, snap.Telemetry)
		assert.Nil(t, snap.Current)
		assert.Nil(t, snap.Weather)
		assert.ElementsMatch(t, []string{GapTelemetry, GapPrice, GapWeather}, snap.Gaps)
	})

	t.Run("weather skipped without coordinates", func(t *testing.T) {
		c, dev, pp, wp := testCollector(t)

		dev.On("GetTelemetry", mock.Anything).Return(types.Telemetry{BatterySoC: 50}, nil)
		pp.On("GetForecast", mock.Anything).Return([]types.Price{}, nil)

		snap, err := c.Collect(context.Background(), "u1", types.Settings{Timezone: "UTC"})
		require.NoError(t, err)

		assert.Nil(t, snap.Weather)
		// no gap recorded, weather was never requested
		assert.Empty(t, snap.Gaps)
		wp.AssertNotCalled(t, "GetForecast", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("second collect within ttl reuses signals", func(t *testing.T) {
		c, dev, pp, wp := testCollector(t)

		dev.On("GetTelemetry", mock.Anything).Return(types.Telemetry{BatterySoC: 50}, nil).Once()
		pp.On("GetForecast", mock.Anything).Return([]types.Price{}, nil).Once()
		wp.On("GetForecast", mock.Anything, settings.Latitude, settings.Longitude).Return(types.WeatherForecast{Timezone: "Australia/Sydney"}, nil).Once()

		_, err := c.Collect(context.Background(), "u1", settings)
		require.NoError(t, err)
		_, err = c.Collect(context.Background(), "u1", settings)
		require.NoError(t, err)

		dev.AssertExpectations(t)
		pp.AssertExpectations(t)
		wp.AssertExpectations(t)
	})

	t.Run("invalidate forces refetch", func(t *testing.T) {
		c, dev, pp, wp := testCollector(t)

		dev.On("GetTelemetry", mock.Anything).Return(types.Telemetry{BatterySoC: 50}, nil).Twice()
		pp.On("GetForecast", mock.Anything).Return([]types.Price{}, nil).Twice()
		wp.On("GetForecast", mock.Anything, settings.Latitude, settings.Longitude).Return(types.WeatherForecast{Timezone: "Australia/Sydney"}, nil).Twice()

		_, err := c.Collect(context.Background(), "u1", settings)
		require.NoError(t, err)
		c.Invalidate("u1")
		_, err = c.Collect(context.Background(), "u1", settings)
		require.NoError(t, err)

		dev.AssertExpectations(t)
	})
}
