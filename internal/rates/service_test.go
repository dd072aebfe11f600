package rates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubProvider struct {
	name  string
	quote Quote
	err   error
	calls int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) GetRate(ctx context.Context, sourceAsset, destAsset string) (Quote, error) {
	p.calls++
	if p.err != nil {
		return Quote{}, p.err
	}
	return p.quote, nil
}

func TestGetRate_UsesPrimaryWhenFresh(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", quote: Quote{Rate: 10, ObservedAt: now, Provider: "primary"}}
	fallback := &stubProvider{name: "fallback", quote: Quote{Rate: 11, ObservedAt: now, Provider: "fallback"}}

	svc := NewService(60*time.Second, primary, fallback)

	quote, err := svc.GetRate(context.Background(), "SOL", "XLM")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if quote.Rate != 10 {
		t.Fatalf("expected primary rate 10, got %f", quote.Rate)
	}
	if fallback.calls != 0 {
		t.Fatal("did not expect fallback provider to be consulted")
	}
}

func TestGetRate_FallsBackOnStaleQuote(t *testing.T) {
	now := time.Now()
	primary := &stubProvider{name: "primary", quote: Quote{Rate: 10, ObservedAt: now.Add(-2 * time.Minute)}}
	fallback := &stubProvider{name: "fallback", quote: Quote{Rate: 11, ObservedAt: now}}

	svc := NewService(60*time.Second, primary, fallback)

	quote, err := svc.GetRate(context.Background(), "SOL", "XLM")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if quote.Rate != 11 {
		t.Fatalf("expected fallback rate 11, got %f", quote.Rate)
	}
}

func TestGetRate_FallsBackOnProviderError(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("upstream down")}
	fallback := &stubProvider{name: "fallback", quote: Quote{Rate: 7, ObservedAt: time.Now()}}

	svc := NewService(60*time.Second, primary, fallback)

	quote, err := svc.GetRate(context.Background(), "SOL", "XLM")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if quote.Rate != 7 {
		t.Fatalf("expected fallback rate 7, got %f", quote.Rate)
	}
}

func TestGetRate_ExhaustionReturnsRateUnavailable(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	fallback := &stubProvider{name: "fallback", err: errors.New("also down")}

	svc := NewService(60*time.Second, primary, fallback)

	if _, err := svc.GetRate(context.Background(), "SOL", "XLM"); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestHTTPProvider_DerivesCrossRate(t *testing.T) {
	updatedAt := time.Now().Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintf(w, `{"solana":{"usd":150.0,"last_updated_at":%d},"stellar":{"usd":15.0,"last_updated_at":%d}}`,
			updatedAt, updatedAt)
	}))
	defer server.Close()

	provider := NewHTTPProvider("test", server.URL, map[string]string{
		"SOL": "solana",
		"XLM": "stellar",
	})

	quote, err := provider.GetRate(context.Background(), "sol", "xlm")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if quote.Rate != 10 {
		t.Fatalf("expected cross rate 10, got %f", quote.Rate)
	}
	if quote.ObservedAt.Unix() != updatedAt {
		t.Fatalf("expected observed_at %d, got %d", updatedAt, quote.ObservedAt.Unix())
	}
}

func TestHTTPProvider_RejectsUnknownAsset(t *testing.T) {
	provider := NewHTTPProvider("test", "http://localhost:0", map[string]string{"SOL": "solana"})

	if _, err := provider.GetRate(context.Background(), "SOL", "DOGE"); err == nil {
		t.Fatal("expected unknown asset to fail before any request")
	}
}
