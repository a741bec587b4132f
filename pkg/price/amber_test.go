package price

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattrules/wattrules/pkg/types"
)

func TestAmber(t *testing.T) {
	t.Run("ApplySettings AutoDiscoverSite", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/sites" {
				assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
				json.NewEncoder(w).Encode([]map[string]interface{}{
					{"id": "site-abc", "status": "active"},
					{"id": "site-old", "status": "closed"},
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		a := newAmber(ts.URL, newSiteCache())
		a.client = ts.Client()

		err := a.ApplySettings(context.Background(), types.Settings{}, types.Credentials{
			Price: &types.PriceCredentials{Token: "tok123"},
		})
		require.NoError(t, err, "ApplySettings should succeed")
		assert.Equal(t, "site-abc", a.siteID)
	})

	t.Run("ApplySettings MissingCredentials", func(t *testing.T) {
		a := newAmber("https://example.com", newSiteCache())
		err := a.ApplySettings(context.Background(), types.Settings{}, types.Credentials{})
		require.Error(t, err)
	})

	t.Run("GetCurrentPrice", func(t *testing.T) {
		now := time.Now().UTC()
		curStart := now.Truncate(30 * time.Minute)

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/sites/site-abc/prices/current" {
				assert.Equal(t, "48", r.URL.Query().Get("next"))
				assert.Equal(t, "30", r.URL.Query().Get("resolution"))
				json.NewEncoder(w).Encode([]map[string]interface{}{
					{
						"type":        "CurrentInterval",
						"channelType": "general",
						"perKwh":      32.5,
						"startTime":   curStart.Format(time.RFC3339),
						"endTime":     curStart.Add(30 * time.Minute).Format(time.RFC3339),
						"estimate":    true,
					},
					{
						"type":        "CurrentInterval",
						"channelType": "feedIn",
						"perKwh":      -8.0,
						"startTime":   curStart.Format(time.RFC3339),
						"endTime":     curStart.Add(30 * time.Minute).Format(time.RFC3339),
						"estimate":    true,
					},
					{
						"type":        "ForecastInterval",
						"channelType": "general",
						"perKwh":      45.0,
						"startTime":   curStart.Add(30 * time.Minute).Format(time.RFC3339),
						"endTime":     curStart.Add(time.Hour).Format(time.RFC3339),
					},
					{
						"type":        "ForecastInterval",
						"channelType": "feedIn",
						"perKwh":      -12.0,
						"startTime":   curStart.Add(30 * time.Minute).Format(time.RFC3339),
						"endTime":     curStart.Add(time.Hour).Format(time.RFC3339),
					},
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		a := newAmber(ts.URL, newSiteCache())
		a.client = ts.Client()
		a.token = "tok"
		a.siteID = "site-abc"

		p, err := a.GetCurrentPrice(context.Background())
		require.NoError(t, err, "GetCurrentPrice should succeed")
		assert.InDelta(t, 0.325, p.ImportDollarsPerKWH, 0.0001)
		// feedIn sign is flipped so positive means earning
		assert.InDelta(t, 0.08, p.FeedInDollarsPerKWH, 0.0001)
		assert.True(t, p.Estimated)

		forecast, err := a.GetForecast(context.Background())
		require.NoError(t, err, "GetForecast should succeed")
		require.Len(t, forecast, 2)
		assert.Equal(t, curStart, forecast[0].TSStart.UTC())
		assert.InDelta(t, 0.45, forecast[1].ImportDollarsPerKWH, 0.0001)
		assert.InDelta(t, 0.12, forecast[1].FeedInDollarsPerKWH, 0.0001)
		assert.True(t, forecast[1].Estimated)
	})

	t.Run("GetCurrentPrice NoCoveringInterval", func(t *testing.T) {
		old := time.Now().UTC().Add(-2 * time.Hour).Truncate(30 * time.Minute)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{
					"type":        "ActualInterval",
					"channelType": "general",
					"perKwh":      30.0,
					"startTime":   old.Format(time.RFC3339),
					"endTime":     old.Add(30 * time.Minute).Format(time.RFC3339),
				},
			})
		}))
		defer ts.Close()

		a := newAmber(ts.URL, newSiteCache())
		a.client = ts.Client()
		a.token = "tok"
		a.siteID = "site-abc"

		_, err := a.GetCurrentPrice(context.Background())
		require.Error(t, err)
	})
}

func TestMergeIntervals(t *testing.T) {
	ctx := context.Background()

	t.Run("missing general channel dropped", func(t *testing.T) {
		prices, err := mergeIntervals(ctx, []amberInterval{
			{
				ChannelType: "feedIn",
				PerKWH:      -5,
				StartTime:   "2026-01-05T10:00:00Z",
				EndTime:     "2026-01-05T10:30:00Z",
			},
		})
		require.NoError(t, err)
		assert.Empty(t, prices)
	})

	t.Run("sorted by start", func(t *testing.T) {
		prices, err := mergeIntervals(ctx, []amberInterval{
			{
				ChannelType: "general",
				PerKWH:      40,
				StartTime:   "2026-01-05T10:30:00Z",
				EndTime:     "2026-01-05T11:00:00Z",
			},
			{
				ChannelType: "general",
				PerKWH:      30,
				StartTime:   "2026-01-05T10:00:00Z",
				EndTime:     "2026-01-05T10:30:00Z",
			},
		})
		require.NoError(t, err)
		require.Len(t, prices, 2)
		assert.True(t, prices[0].TSStart.Before(prices[1].TSStart))
	})

	t.Run("bad timestamps skipped", func(t *testing.T) {
		prices, err := mergeIntervals(ctx, []amberInterval{
			{
				ChannelType: "general",
				PerKWH:      30,
				StartTime:   "not-a-time",
				EndTime:     "2026-01-05T10:30:00Z",
			},
		})
		require.NoError(t, err)
		assert.Empty(t, prices)
	})
}
