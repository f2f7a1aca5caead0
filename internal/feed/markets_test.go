package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchActiveMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("closed"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "volume24hr", r.URL.Query().Get("order"))

		w.Write([]byte(`[
			{"id": "1", "conditionId": "0xc1", "question": "Will BTC close above 100k?", "slug": "btc-100k", "active": true, "clobTokenIds": "[\"tok-yes\", \"tok-no\"]"},
			{"id": "2", "conditionId": "0xc2", "question": "Will it rain?", "slug": "rain", "active": true, "clobTokenIds": "[\"tok-rain\", \"tok-yes\"]"}
		]`))
	}))
	defer srv.Close()

	markets, err := FetchActiveMarkets(context.Background(), srv.URL, 50)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "0xc1", markets[0].ConditionID)

	// tok-yes appears in both markets but is extracted once.
	ids := ExtractTokenIDs(markets)
	assert.Equal(t, []string{"tok-yes", "tok-no", "tok-rain"}, ids)

	labels := MarketLabels(markets)
	assert.Equal(t, "Will BTC close above 100k?", labels["tok-no"])
	assert.Equal(t, "Will it rain?", labels["tok-rain"])
}

func TestFetchActiveMarketsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := FetchActiveMarkets(context.Background(), srv.URL, 10)
	assert.Error(t, err)
}

func TestExtractTokenIDsSkipsUnparseable(t *testing.T) {
	markets := []Market{
		{Slug: "good", ClobTokenIDs: `["a", "b"]`},
		{Slug: "bad", ClobTokenIDs: `not-json`},
		{Slug: "empty"},
	}

	assert.Equal(t, []string{"a", "b"}, ExtractTokenIDs(markets))
}
