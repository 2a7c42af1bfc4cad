package testutil

import (
	"context"
	"strings"

	"stockscreener/internal/keystats"
)

// MockQuoteFetcher is a mock implementation of the fetcher.Fetcher interface for testing
type MockQuoteFetcher struct {
	FetchFunc  func(ctx context.Context, symbols []string) (map[string]map[string]any, error)
	SourceName string
}

// Fetch implements the fetcher.Fetcher interface
func (m *MockQuoteFetcher) Fetch(ctx context.Context, symbols []string) (map[string]map[string]any, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, symbols)
	}
	return map[string]map[string]any{}, nil
}

// Source implements the fetcher.Fetcher interface
func (m *MockQuoteFetcher) Source() string {
	if m.SourceName != "" {
		return m.SourceName
	}
	return "mock"
}

// NewMockQuoteFetcher returns a fetcher that answers every known symbol with
// {"symbol": SYMBOL, "regularMarketPrice": price}.
func NewMockQuoteFetcher(prices map[string]float64) *MockQuoteFetcher {
	return &MockQuoteFetcher{
		FetchFunc: func(ctx context.Context, symbols []string) (map[string]map[string]any, error) {
			quotes := make(map[string]map[string]any)
			for _, s := range symbols {
				if price, ok := prices[strings.ToUpper(s)]; ok {
					quotes[strings.ToUpper(s)] = map[string]any{
						"symbol":             strings.ToUpper(s),
						"regularMarketPrice": price,
					}
				}
			}
			return quotes, nil
		},
	}
}

// MockExtractor is a mock statistics extractor for testing
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, symbol string) (keystats.Result, error)
}

// Extract returns the result of ExtractFunc, or an empty result
func (m *MockExtractor) Extract(ctx context.Context, symbol string) (keystats.Result, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, symbol)
	}
	return keystats.Result{}, nil
}

// NewMockExtractor returns an extractor that answers from results and fails
// with errs for the listed symbols.
func NewMockExtractor(results map[string]keystats.Result, errs map[string]error) *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(ctx context.Context, symbol string) (keystats.Result, error) {
			if err, ok := errs[symbol]; ok {
				return nil, err
			}
			return results[symbol], nil
		},
	}
}
