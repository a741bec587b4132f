package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wattrules/wattrules/pkg/common"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
)

// Amber implements the Provider interface for the Amber Electric API.
// It retrieves current and forecast prices in 30-minute intervals.
type Amber struct {
	apiURL string
	client *http.Client
	cache  *siteCache

	mu     sync.Mutex
	token  string
	siteID string
}

func newAmber(apiURL string, cache *siteCache) *Amber {
	return &Amber{
		apiURL: apiURL,
		client: common.HTTPClient(10 * time.Second),
		cache:  cache,
	}
}

// Validate ensures the configuration is valid.
func (a *Amber) Validate() error {
	if a.apiURL == "" {
		return fmt.Errorf("amber-api-url is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse amber url (%s): %w", a.apiURL, err)
	}
	return nil
}

// ApplySettings applies the given settings and credentials. If no site ID is
// configured it auto-discovers one, which only works when the account has
// exactly one site.
func (a *Amber) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	if creds.Price == nil || creds.Price.Token == "" {
		return errors.New("missing price credentials")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = creds.Price.Token
	a.siteID = settings.PriceSiteID

	if a.siteID == "" {
		id, err := a.getDefaultSiteID(ctx)
		if err != nil {
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "automatically selected amber site", slog.String("siteID", id))
		a.siteID = id
	}
	return nil
}

type amberSite struct {
	ID     string `json:"id"`
	NMI    string `json:"nmi"`
	Status string `json:"status"`
}

func (a *Amber) getDefaultSiteID(ctx context.Context) (string, error) {
	var sites []amberSite
	if err := a.doRequest(ctx, "sites", nil, &sites); err != nil {
		return "", err
	}
	var active []amberSite
	for _, s := range sites {
		if s.Status == "active" {
			active = append(active, s)
		}
	}
	if len(active) == 1 {
		return active[0].ID, nil
	}
	return "", fmt.Errorf("found %d active sites, expected 1", len(active))
}

// amberInterval represents one channel's price for one interval.
type amberInterval struct {
	Type        string  `json:"type"`
	ChannelType string  `json:"channelType"`
	PerKWH      float64 `json:"perKwh"`
	StartTime   string  `json:"startTime"`
	EndTime     string  `json:"endTime"`
	Estimate    bool    `json:"estimate"`
}

func (a *Amber) doRequest(ctx context.Context, endpoint string, params url.Values, dest interface{}) error {
	u, err := url.Parse(a.apiURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching from amber", slog.String("url", u.String()))

	resp, err := a.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch from amber", slog.Any("error", err))
		return fmt.Errorf("failed to fetch from amber: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("amber api returned status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode amber response", slog.Any("error", err))
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// fetchPrices retrieves current and forecast prices, merging the general and
// feedIn channels into one types.Price per interval. Results live in the
// shared site cache for the remainder of the 30-second block, so every user
// on the site reuses one fetch.
func (a *Amber) fetchPrices(ctx context.Context) ([]types.Price, error) {
	a.mu.Lock()
	siteID := a.siteID
	a.mu.Unlock()

	if siteID == "" {
		return nil, errors.New("no amber site configured")
	}

	return a.cache.fetch(siteID, func() ([]types.Price, error) {
		params := url.Values{}
		// 48 half-hour intervals is the most forecast amber publishes
		params.Set("next", "48")
		params.Set("resolution", "30")

		var intervals []amberInterval
		if err := a.doRequest(ctx, "sites/"+siteID+"/prices/current", params, &intervals); err != nil {
			return nil, err
		}

		prices, err := mergeIntervals(ctx, intervals)
		if err != nil {
			return nil, err
		}

		log.Ctx(ctx).DebugContext(ctx, "fetched amber prices", slog.String("siteID", siteID), slog.Int("count", len(prices)))
		return prices, nil
	})
}

// mergeIntervals groups per-channel intervals by start time into combined
// prices.
func mergeIntervals(ctx context.Context, intervals []amberInterval) ([]types.Price, error) {
	type merged struct {
		price      types.Price
		hasGeneral bool
	}
	byStart := make(map[int64]*merged)

	for _, in := range intervals {
		start, err := time.Parse(time.RFC3339, in.StartTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse amber startTime", slog.String("value", in.StartTime), slog.Any("error", err))
			continue
		}
		end, err := time.Parse(time.RFC3339, in.EndTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse amber endTime", slog.String("value", in.EndTime), slog.Any("error", err))
			continue
		}

		key := start.Unix()
		m, ok := byStart[key]
		if !ok {
			m = &merged{price: types.Price{TSStart: start, TSEnd: end}}
			byStart[key] = m
		}

		estimated := in.Estimate || in.Type == "ForecastInterval"
		switch in.ChannelType {
		case "general":
			m.price.ImportDollarsPerKWH = in.PerKWH / 100
			m.price.Estimated = m.price.Estimated || estimated
			m.hasGeneral = true
		case "feedIn":
			// amber reports feedIn as the cost to the customer, so a negative
			// perKwh means they're being paid to export; flip the sign so
			// positive means earning
			m.price.FeedInDollarsPerKWH = -in.PerKWH / 100
			m.price.Estimated = m.price.Estimated || estimated
		case "controlledLoad":
			// not used
		default:
			log.Ctx(ctx).WarnContext(ctx, "unknown amber channel type", slog.String("channelType", in.ChannelType))
		}
	}

	prices := make([]types.Price, 0, len(byStart))
	for _, m := range byStart {
		if !m.hasGeneral {
			log.Ctx(ctx).WarnContext(ctx, "amber interval missing general channel", slog.Time("tsStart", m.price.TSStart))
			continue
		}
		prices = append(prices, m.price)
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].TSStart.Before(prices[j].TSStart)
	})
	return prices, nil
}

// GetCurrentPrice returns the price interval covering now.
func (a *Amber) GetCurrentPrice(ctx context.Context) (types.Price, error) {
	log.Ctx(ctx).DebugContext(ctx, "getting current price")

	prices, err := a.fetchPrices(ctx)
	if err != nil {
		return types.Price{}, err
	}

	now := time.Now()
	for _, p := range prices {
		if !p.TSStart.After(now) && p.TSEnd.After(now) {
			log.Ctx(ctx).DebugContext(
				ctx,
				"got current price",
				slog.Float64("import", p.ImportDollarsPerKWH),
				slog.Float64("feedIn", p.FeedInDollarsPerKWH),
				slog.Time("ts", p.TSStart),
			)
			return p, nil
		}
	}
	return types.Price{}, fmt.Errorf("no price covering %s in %d intervals", now.Format(time.RFC3339), len(prices))
}

// GetForecast returns upcoming price intervals starting with the current one.
func (a *Amber) GetForecast(ctx context.Context) ([]types.Price, error) {
	prices, err := a.fetchPrices(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var future []types.Price
	for _, p := range prices {
		if p.TSEnd.After(now) {
			future = append(future, p)
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "got price forecast", slog.Int("count", len(future)), slog.String("horizon", forecastHorizon(future, now)))
	return future, nil
}

func forecastHorizon(prices []types.Price, now time.Time) string {
	if len(prices) == 0 {
		return "0"
	}
	return strconv.Itoa(int(prices[len(prices)-1].TSEnd.Sub(now)/time.Minute)) + "m"
}
