package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/wattrules/wattrules/pkg/device"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/price"
	"github.com/wattrules/wattrules/pkg/types"
	"github.com/wattrules/wattrules/pkg/weather"
)

const (
	telemetryTTL = 30 * time.Second
	priceTTL     = 30 * time.Second
	weatherTTL   = 15 * time.Minute

	// fetchTimeout bounds each individual signal fetch so one slow upstream
	// cannot stall the whole cycle.
	fetchTimeout = 15 * time.Second
)

// Gap names for types.Snapshot.Gaps.
const (
	GapTelemetry = "telemetry"
	GapPrice     = "price"
	GapWeather   = "weather"
)

// Collector assembles a signal snapshot for a user from the device, price,
// and weather providers. Each signal is cached briefly and fetched at most
// once per TTL window regardless of how many cycles ask for it.
type Collector struct {
	devices *device.Map
	prices  *price.Map
	weather weather.Provider
	cache   *Cache
}

// NewCollector creates a Collector over the given providers.
func NewCollector(devices *device.Map, prices *price.Map, w weather.Provider) *Collector {
	return &Collector{
		devices: devices,
		prices:  prices,
		weather: w,
		cache:   NewCache(),
	}
}

// Invalidate drops all cached signals for the user. Used after settings or
// credential changes so the next cycle sees fresh data.
func (c *Collector) Invalidate(userID string) {
	c.cache.Invalidate(userID + "/telemetry")
	c.cache.Invalidate(userID + "/prices")
	c.cache.Invalidate(userID + "/weather")
}

// Collect gathers all signals for the user. A failed signal leaves its field
// nil and records the gap instead of failing the snapshot; conditions backed
// by a missing signal will simply not match.
func (c *Collector) Collect(ctx context.Context, userID string, settings types.Settings) (types.Snapshot, error) {
	snap := types.Snapshot{Now: time.Now()}

	tel := c.collectTelemetry(ctx, userID, &snap)
	prices := c.collectPrices(ctx, userID, &snap)
	fc := c.collectWeather(ctx, userID, settings, &snap)

	snap.Telemetry = tel
	if len(prices) > 0 {
		for i := range prices {
			if !prices[i].TSStart.After(snap.Now) && prices[i].TSEnd.After(snap.Now) {
				p := prices[i]
				snap.Current = &p
				break
			}
		}
		snap.Forecast = prices
	}
	snap.Weather = fc

	loc := c.resolveLocation(ctx, settings, fc)
	snap.Now = snap.Now.In(loc)
	snap.Location = loc

	log.Ctx(ctx).DebugContext(ctx, "collected signal snapshot",
		slog.String("userID", userID),
		slog.Bool("telemetry", snap.Telemetry != nil),
		slog.Bool("current", snap.Current != nil),
		slog.Int("forecast", len(snap.Forecast)),
		slog.Bool("weather", snap.Weather != nil),
		slog.Any("gaps", snap.Gaps),
	)
	return snap, nil
}

// resolveLocation prefers the configured timezone, then the zone the weather
// provider resolved for the coordinates, then UTC.
func (c *Collector) resolveLocation(ctx context.Context, settings types.Settings, fc *types.WeatherForecast) *time.Location {
	if settings.Timezone != "" {
		loc, err := time.LoadLocation(settings.Timezone)
		if err == nil {
			return loc
		}
		log.Ctx(ctx).WarnContext(ctx, "failed to load configured timezone", slog.String("tz", settings.Timezone), slog.Any("error", err))
	}
	if fc != nil && fc.Timezone != "" {
		loc, err := time.LoadLocation(fc.Timezone)
		if err == nil {
			return loc
		}
	}
	return time.UTC
}

func (c *Collector) collectTelemetry(ctx context.Context, userID string, snap *types.Snapshot) *types.Telemetry {
	v, err := c.cache.GetOrFetch(ctx, userID+"/telemetry", telemetryTTL, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		return c.devices.User(userID).GetTelemetry(ctx)
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "telemetry unavailable", slog.String("userID", userID), slog.Any("error", err))
		snap.Gaps = append(snap.Gaps, GapTelemetry)
		return nil
	}
	tel := v.(types.Telemetry)
	return &tel
}

func (c *Collector) collectPrices(ctx context.Context, userID string, snap *types.Snapshot) []types.Price {
	v, err := c.cache.GetOrFetch(ctx, userID+"/prices", priceTTL, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		return c.prices.User(userID).GetForecast(ctx)
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "prices unavailable", slog.String("userID", userID), slog.Any("error", err))
		snap.Gaps = append(snap.Gaps, GapPrice)
		return nil
	}
	return v.([]types.Price)
}

func (c *Collector) collectWeather(ctx context.Context, userID string, settings types.Settings, snap *types.Snapshot) *types.WeatherForecast {
	if settings.Latitude == 0 && settings.Longitude == 0 {
		// no location configured, weather conditions can't be used
		return nil
	}
	v, err := c.cache.GetOrFetch(ctx, userID+"/weather", weatherTTL, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		return c.weather.GetForecast(ctx, settings.Latitude, settings.Longitude)
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "weather unavailable", slog.String("userID", userID), slog.Any("error", err))
		snap.Gaps = append(snap.Gaps, GapWeather)
		return nil
	}
	fc := v.(types.WeatherForecast)
	return &fc
}
