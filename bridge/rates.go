package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource quotes how many units of assetB one unit of assetA buys.
type RateSource interface {
	Rate(ctx context.Context, sourceChain, destChain, assetA, assetB string) (decimal.Decimal, error)
}

// StaticRates is a fixed rate table keyed by "assetA/assetB" (lower case).
type StaticRates map[string]decimal.Decimal

// RateKey builds the StaticRates key for a pair.
func RateKey(assetA, assetB string) string {
	return strings.ToLower(assetA) + "/" + strings.ToLower(assetB)
}

func (s StaticRates) Rate(_ context.Context, _, _, assetA, assetB string) (decimal.Decimal, error) {
	rate, ok := s[RateKey(assetA, assetB)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate configured for %s -> %s", assetA, assetB)
	}
	return rate, nil
}

// HTTPRates queries GET {url}?sourceChain=..&destChain=..&from=..&to=.. and
// expects {"rate":"<decimal>"}.
type HTTPRates struct {
	URL    string
	Client *http.Client
}

// NewHTTPRates returns a rate source with a 10 second timeout.
func NewHTTPRates(endpoint string) *HTTPRates {
	return &HTTPRates{URL: endpoint, Client: &http.Client{Timeout: 10 * time.Second}}
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func (h *HTTPRates) Rate(ctx context.Context, sourceChain, destChain, assetA, assetB string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("sourceChain", sourceChain)
	q.Set("destChain", destChain)
	q.Set("from", assetA)
	q.Set("to", assetB)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate source returned %s", resp.Status)
	}

	var out rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}
	return out.Rate, nil
}
