package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"log/slog"
)

// DefaultMarketLimit is the number of markets fetched when none is configured.
const DefaultMarketLimit = 200

// Market is an active market from the Gamma API.
type Market struct {
	ID           string `json:"id"`
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	Slug         string `json:"slug"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	ClobTokenIDs string `json:"clobTokenIds"` // JSON array as string
}

// FetchActiveMarkets fetches active markets ordered by 24h volume so the feed
// subscribes to where the flow actually is.
func FetchActiveMarkets(ctx context.Context, baseURL string, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = DefaultMarketLimit
	}

	url := fmt.Sprintf("%s/markets?closed=false&limit=%d&order=volume24hr&ascending=false", baseURL, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var markets []Market
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	return markets, nil
}

// ExtractTokenIDs extracts the de-duplicated outcome token IDs from markets.
func ExtractTokenIDs(markets []Market) []string {
	var tokenIDs []string
	seen := make(map[string]bool)

	for _, market := range markets {
		if market.ClobTokenIDs == "" {
			continue
		}

		var ids []string
		if err := json.Unmarshal([]byte(market.ClobTokenIDs), &ids); err != nil {
			slog.Debug("token_ids_unparseable", "market", market.Slug, "error", err)
			continue
		}

		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				tokenIDs = append(tokenIDs, id)
			}
		}
	}

	return tokenIDs
}

// MarketLabels maps every token ID to its market question for keyword
// filtering.
func MarketLabels(markets []Market) map[string]string {
	labels := make(map[string]string)

	for _, market := range markets {
		if market.ClobTokenIDs == "" || market.Question == "" {
			continue
		}

		var ids []string
		if err := json.Unmarshal([]byte(market.ClobTokenIDs), &ids); err != nil {
			continue
		}

		for _, id := range ids {
			labels[id] = market.Question
		}
	}

	return labels
}
