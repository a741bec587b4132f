package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattrules/wattrules/pkg/common"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
)

// OpenMeteo implements the Provider interface for the Open-Meteo forecast
// API. No API key is required. Forecasts are cached per location since the
// model only updates every 15 minutes.
type OpenMeteo struct {
	apiURL string
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedForecast
}

type cachedForecast struct {
	forecast types.WeatherForecast
	expiry   time.Time
}

// Configured sets up flags for open-meteo and returns the instance.
func Configured() *OpenMeteo {
	o := NewOpenMeteo("https://api.open-meteo.com/v1/forecast")
	apiURL := lflag.String("openmeteo-api-url", "https://api.open-meteo.com/v1/forecast", "URL for the Open-Meteo forecast API")

	lflag.Do(func() {
		o.apiURL = *apiURL
	})

	return o
}

// NewOpenMeteo creates an OpenMeteo provider against the given URL.
func NewOpenMeteo(apiURL string) *OpenMeteo {
	return &OpenMeteo{
		apiURL: apiURL,
		client: common.HTTPClient(10 * time.Second),
		cache:  make(map[string]cachedForecast),
	}
}

// Validate ensures the configuration is valid.
func (o *OpenMeteo) Validate() error {
	if o.apiURL == "" {
		return fmt.Errorf("openmeteo-api-url is required")
	}
	if _, err := url.Parse(o.apiURL); err != nil {
		return fmt.Errorf("failed to parse openmeteo url (%s): %w", o.apiURL, err)
	}
	return nil
}

type openMeteoResponse struct {
	Timezone string         `json:"timezone"`
	Hourly   openMeteoHours `json:"hourly"`
}

type openMeteoHours struct {
	Time               []string  `json:"time"`
	ShortwaveRadiation []float64 `json:"shortwave_radiation"`
	CloudCover         []float64 `json:"cloud_cover"`
	Temperature2M      []float64 `json:"temperature_2m"`
}

func cacheKey(latitude, longitude float64) string {
	// 2 decimal places is roughly 1km, plenty for a forecast cell
	return strconv.FormatFloat(latitude, 'f', 2, 64) + "," + strconv.FormatFloat(longitude, 'f', 2, 64)
}

// GetForecast returns an hourly forecast for the given coordinates.
func (o *OpenMeteo) GetForecast(ctx context.Context, latitude, longitude float64) (types.WeatherForecast, error) {
	key := cacheKey(latitude, longitude)

	o.mu.Lock()
	if c, ok := o.cache[key]; ok && time.Now().Before(c.expiry) {
		o.mu.Unlock()
		return c.forecast, nil
	}
	o.mu.Unlock()

	u, err := url.Parse(o.apiURL)
	if err != nil {
		return types.WeatherForecast{}, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(latitude, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(longitude, 'f', 4, 64))
	params.Set("hourly", "shortwave_radiation,cloud_cover,temperature_2m")
	params.Set("timezone", "auto")
	params.Set("forecast_days", "2")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.WeatherForecast{}, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching forecast from open-meteo", slog.String("url", u.String()))

	resp, err := o.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch forecast", slog.Any("error", err))
		return types.WeatherForecast{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.WeatherForecast{}, fmt.Errorf("open-meteo api returned status: %d", resp.StatusCode)
	}

	var data openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode open-meteo response", slog.Any("error", err))
		return types.WeatherForecast{}, fmt.Errorf("failed to decode response: %w", err)
	}

	loc, err := time.LoadLocation(data.Timezone)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load location, defaulting to UTC", slog.String("tz", data.Timezone), slog.Any("error", err))
		loc = time.UTC
		data.Timezone = "UTC"
	}

	n := len(data.Hourly.Time)
	if len(data.Hourly.ShortwaveRadiation) != n || len(data.Hourly.CloudCover) != n || len(data.Hourly.Temperature2M) != n {
		log.Ctx(ctx).ErrorContext(ctx, "open-meteo hourly array lengths mismatched",
			slog.Int("time", n),
			slog.Int("radiation", len(data.Hourly.ShortwaveRadiation)),
			slog.Int("cloudCover", len(data.Hourly.CloudCover)),
			slog.Int("temperature", len(data.Hourly.Temperature2M)),
		)
		return types.WeatherForecast{}, fmt.Errorf("mismatched hourly array lengths")
	}

	forecast := types.WeatherForecast{
		Timezone: data.Timezone,
		Hours:    make([]types.WeatherHour, 0, n),
	}
	for i, ts := range data.Hourly.Time {
		// hourly times are local wall-clock without a zone suffix
		t, err := time.ParseInLocation("2006-01-02T15:04", ts, loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse open-meteo time", slog.String("value", ts), slog.Any("error", err))
			continue
		}
		forecast.Hours = append(forecast.Hours, types.WeatherHour{
			Time:                  t,
			ShortwaveRadiationWM2: data.Hourly.ShortwaveRadiation[i],
			CloudCoverPercent:     data.Hourly.CloudCover[i],
			TemperatureC:          data.Hourly.Temperature2M[i],
		})
	}

	o.mu.Lock()
	o.cache[key] = cachedForecast{
		forecast: forecast,
		expiry:   time.Now().Add(15 * time.Minute),
	}
	o.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "fetched open-meteo forecast",
		slog.String("timezone", forecast.Timezone),
		slog.Int("hours", len(forecast.Hours)),
	)
	return forecast, nil
}
