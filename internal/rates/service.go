/**
 * @description
 * Exchange-rate service for the bridge. A Quote carries both the rate and the
 * provider's observation time; the service rejects quotes older than the
 * configured freshness window and falls back to the next provider in order.
 * The orchestrator calls GetRate exactly once per swap, immediately after the
 * withdrawal leg is confirmed, so the committed destination amount reflects
 * market conditions at the point funds are locked in the bridge's custody.
 *
 * @dependencies
 * - net/http, encoding/json: providers speak plain JSON over HTTP.
 */

package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRateUnavailable is returned once every provider has been exhausted.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// DefaultMaxQuoteAge is the freshness window applied when none is configured.
const DefaultMaxQuoteAge = 60 * time.Second

// Quote is one observed source→destination conversion rate.
type Quote struct {
	Rate       float64
	ObservedAt time.Time
	Provider   string
}

// Provider supplies quotes for an asset pair.
type Provider interface {
	Name() string
	GetRate(ctx context.Context, sourceAsset, destAsset string) (Quote, error)
}

// Service tries providers in order, skipping failures and stale quotes.
type Service struct {
	providers   []Provider
	maxQuoteAge time.Duration
	now         func() time.Time
}

// NewService builds a rate service over the given providers. The first
// provider is primary; the rest are fallbacks.
func NewService(maxQuoteAge time.Duration, providers ...Provider) *Service {
	if maxQuoteAge <= 0 {
		maxQuoteAge = DefaultMaxQuoteAge
	}
	return &Service{
		providers:   providers,
		maxQuoteAge: maxQuoteAge,
		now:         time.Now,
	}
}

// GetRate returns the first fresh quote for sourceAsset→destAsset. A provider
// error or a quote older than the freshness window falls through to the next
// provider; exhaustion returns ErrRateUnavailable.
func (s *Service) GetRate(ctx context.Context, sourceAsset, destAsset string) (Quote, error) {
	if len(s.providers) == 0 {
		return Quote{}, fmt.Errorf("%w: no providers configured", ErrRateUnavailable)
	}

	var lastErr error
	for _, provider := range s.providers {
		quote, err := provider.GetRate(ctx, sourceAsset, destAsset)
		if err != nil {
			log.Printf("level=warn component=rates msg=\"provider failed\" provider=%s pair=%s/%s err=%v",
				provider.Name(), sourceAsset, destAsset, err)
			lastErr = err
			continue
		}
		if age := s.now().Sub(quote.ObservedAt); age > s.maxQuoteAge {
			log.Printf("level=warn component=rates msg=\"quote too old\" provider=%s pair=%s/%s age=%s max=%s",
				provider.Name(), sourceAsset, destAsset, age, s.maxQuoteAge)
			lastErr = fmt.Errorf("quote from %s is %s old", provider.Name(), age)
			continue
		}
		return quote, nil
	}

	if lastErr != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrRateUnavailable, lastErr)
	}
	return Quote{}, ErrRateUnavailable
}

// HTTPProvider fetches USD prices for both assets from a CoinGecko-style
// simple-price endpoint and derives the cross rate.
type HTTPProvider struct {
	name    string
	baseURL string
	coinIDs map[string]string // asset symbol -> provider coin id
	client  *http.Client
}

// NewHTTPProvider builds a provider against baseURL. coinIDs maps asset
// symbols (e.g. "SOL") to the provider's coin identifiers (e.g. "solana").
func NewHTTPProvider(name, baseURL string, coinIDs map[string]string) *HTTPProvider {
	normalized := make(map[string]string, len(coinIDs))
	for symbol, id := range coinIDs {
		normalized[strings.ToUpper(strings.TrimSpace(symbol))] = id
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		coinIDs: normalized,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type simplePriceEntry struct {
	USD           float64 `json:"usd"`
	LastUpdatedAt int64   `json:"last_updated_at"`
}

// GetRate derives sourceAsset→destAsset as the ratio of both assets' USD
// prices, observed at the older of the two price timestamps.
func (p *HTTPProvider) GetRate(ctx context.Context, sourceAsset, destAsset string) (Quote, error) {
	sourceID, ok := p.coinIDs[strings.ToUpper(sourceAsset)]
	if !ok {
		return Quote{}, fmt.Errorf("asset %s not supported by provider %s", sourceAsset, p.name)
	}
	destID, ok := p.coinIDs[strings.ToUpper(destAsset)]
	if !ok {
		return Quote{}, fmt.Errorf("asset %s not supported by provider %s", destAsset, p.name)
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_last_updated_at=true",
		p.baseURL, url.QueryEscape(sourceID+","+destID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("rate request returned status %d", resp.StatusCode)
	}

	var prices map[string]simplePriceEntry
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return Quote{}, fmt.Errorf("failed to decode rate response: %w", err)
	}

	source, ok := prices[sourceID]
	if !ok || source.USD <= 0 {
		return Quote{}, fmt.Errorf("no usable price for %s", sourceAsset)
	}
	dest, ok := prices[destID]
	if !ok || dest.USD <= 0 {
		return Quote{}, fmt.Errorf("no usable price for %s", destAsset)
	}

	observedAt := time.Unix(source.LastUpdatedAt, 0)
	if dest.LastUpdatedAt < source.LastUpdatedAt {
		observedAt = time.Unix(dest.LastUpdatedAt, 0)
	}
	if source.LastUpdatedAt == 0 && dest.LastUpdatedAt == 0 {
		observedAt = time.Now()
	}

	return Quote{
		Rate:       source.USD / dest.USD,
		ObservedAt: observedAt,
		Provider:   p.name,
	}, nil
}
