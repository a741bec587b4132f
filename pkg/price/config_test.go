package price

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattrules/wattrules/pkg/types"
)

func TestMapSharedSiteCache(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		start := time.Now().UTC().Truncate(30 * time.Minute)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"type":        "CurrentInterval",
				"channelType": "general",
				"perKwh":      20.0,
				"startTime":   start.Format(time.RFC3339),
				"endTime":     start.Add(30 * time.Minute).Format(time.RFC3339),
			},
		})
	}))
	defer ts.Close()

	m := NewMap()
	m.apiURL = ts.URL
	creds := types.Credentials{Price: &types.PriceCredentials{Token: "tok"}}
	sharedSite := types.Settings{PriceSiteID: "site-1"}

	require.NoError(t, m.User("user-a").ApplySettings(context.Background(), sharedSite, creds))
	require.NoError(t, m.User("user-b").ApplySettings(context.Background(), sharedSite, creds))

	first, err := m.User("user-a").GetForecast(context.Background())
	require.NoError(t, err)
	second, err := m.User("user-b").GetForecast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "users on the same site should share one fetch")

	// a different site still gets its own fetch
	require.NoError(t, m.User("user-c").ApplySettings(context.Background(), types.Settings{PriceSiteID: "site-2"}, creds))
	_, err = m.User("user-c").GetForecast(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}
