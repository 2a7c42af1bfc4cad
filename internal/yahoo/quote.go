// Package yahoo fetches market data from the Yahoo Finance quote API.
//
// The API only answers clients holding a session cookie and the matching
// crumb token. A QuoteFetcher obtains both on first use, keeps them for later
// calls and renews them once when the API rejects the crumb.
package yahoo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"resty.dev/v3"

	"stockscreener/internal/fetcher"
)

const (
	// DefaultBaseURL is the production quote API host
	DefaultBaseURL = "https://query1.finance.yahoo.com"
	// DefaultCookieURL hands out the session cookie the crumb is bound to
	DefaultCookieURL = "https://fc.yahoo.com"

	source      = "yahoo"
	crumbPath   = "/v1/test/getcrumb"
	quotePath   = "/v7/finance/quote"
	summaryPath = "/v10/finance/quoteSummary/{symbol}"

	summaryConcurrency = 4
)

// DefaultSummaryModules are the quoteSummary modules merged into each quote.
// Together they carry the ratios the screener shows next to the price
// (debtToEquity, currentRatio, returnOnEquity, payoutRatio, pegRatio, ...).
var DefaultSummaryModules = []string{"summaryDetail", "defaultKeyStatistics", "financialData"}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// QuoteResponse represents the Yahoo Finance v7 quote API response.
// Quotes are kept as raw mappings so that every provider field reaches the
// client unchanged.
type QuoteResponse struct {
	QuoteResponse struct {
		Result []map[string]any `json:"result"`
		Error  *apiError        `json:"error"`
	} `json:"quoteResponse"`
}

// SummaryResponse represents the Yahoo Finance v10 quoteSummary response.
// Each result maps a module name to that module's fields.
type SummaryResponse struct {
	QuoteSummary struct {
		Result []map[string]map[string]any `json:"result"`
		Error  *apiError                   `json:"error"`
	} `json:"quoteSummary"`
}

// QuoteFetcher fetches quotes for a batch of symbols in one request and
// enriches them with quoteSummary modules.
type QuoteFetcher struct {
	client    *resty.Client
	cookieURL string
	modules   []string

	mu    sync.Mutex
	crumb string
}

type options struct {
	cookieURL     string
	modules       []string
	clientOptions []fetcher.ClientOption
}

// Option configures a QuoteFetcher.
type Option func(*options)

// WithCookieURL sets the page visited for a session cookie. An empty URL
// skips the visit.
func WithCookieURL(u string) Option {
	return func(o *options) { o.cookieURL = u }
}

// WithSummaryModules sets the quoteSummary modules merged into each quote.
// Without modules quotes are returned as the quote API sends them.
func WithSummaryModules(modules ...string) Option {
	return func(o *options) { o.modules = modules }
}

// WithClientOptions configures the underlying HTTP client.
func WithClientOptions(opts ...fetcher.ClientOption) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// NewQuoteFetcher creates a new quote fetcher
func NewQuoteFetcher(baseURL string, opts ...Option) *QuoteFetcher {
	o := options{
		cookieURL: DefaultCookieURL,
		modules:   DefaultSummaryModules,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// resty keeps a cookie jar per client; the crumb is only valid together
	// with the session cookie stored there
	return &QuoteFetcher{
		client:    fetcher.NewHTTPClient(baseURL, o.clientOptions...),
		cookieURL: o.cookieURL,
		modules:   o.modules,
	}
}

// Source implements fetcher.Fetcher
func (f *QuoteFetcher) Source() string {
	return source
}

// Fetch retrieves the quote of every symbol. The result is keyed by
// upper-case symbol; symbols the API does not return are absent. A failed
// summary lookup leaves that symbol's quote unenriched.
func (f *QuoteFetcher) Fetch(ctx context.Context, symbols []string) (map[string]map[string]any, error) {
	if len(symbols) == 0 {
		return nil, fetcher.NewValidationError("no symbols requested")
	}

	result, err := f.fetchQuotes(ctx, symbols)
	if isAuthFailure(err) {
		slog.Debug("yahoo rejected crumb, renewing", "error", err)
		f.resetCrumb()
		result, err = f.fetchQuotes(ctx, symbols)
	}
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]map[string]any, len(result.QuoteResponse.Result))
	for _, q := range result.QuoteResponse.Result {
		symbol, _ := q["symbol"].(string)
		if symbol == "" {
			continue
		}
		quotes[strings.ToUpper(symbol)] = q
	}

	if len(f.modules) > 0 {
		f.enrich(ctx, quotes)
	}

	return quotes, nil
}

func (f *QuoteFetcher) fetchQuotes(ctx context.Context, symbols []string) (*QuoteResponse, error) {
	crumb, err := f.ensureCrumb(ctx)
	if err != nil {
		return nil, err
	}

	var result QuoteResponse

	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetQueryParam("crumb", crumb).
		SetResult(&result).
		Get(quotePath)

	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", fetcher.ClassifyTransportError(err))
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("yahoo quote API: %w", fetcher.ClassifyHTTPError(resp.StatusCode()))
	}

	if e := result.QuoteResponse.Error; e != nil {
		return nil, fetcher.NewValidationError(fmt.Sprintf("yahoo quote API error %s: %s", e.Code, e.Description))
	}

	return &result, nil
}

// ensureCrumb returns the cached crumb, first obtaining a session cookie and
// a crumb when none is cached.
func (f *QuoteFetcher) ensureCrumb(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.crumb != "" {
		return f.crumb, nil
	}

	if f.cookieURL != "" {
		// Only the cookie matters; the page itself usually answers 404
		if _, err := f.client.R().SetContext(ctx).Get(f.cookieURL); err != nil {
			return "", fmt.Errorf("failed to obtain yahoo session: %w", fetcher.ClassifyTransportError(err))
		}
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/plain").
		Get(crumbPath)
	if err != nil {
		return "", fmt.Errorf("failed to fetch crumb: %w", fetcher.ClassifyTransportError(err))
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("yahoo crumb: %w", fetcher.ClassifyHTTPError(resp.StatusCode()))
	}

	crumb := strings.TrimSpace(resp.String())
	if crumb == "" {
		return "", fetcher.NewValidationError("empty crumb received")
	}

	f.crumb = crumb
	slog.Debug("obtained yahoo crumb", "crumb_len", len(crumb))
	return crumb, nil
}

func (f *QuoteFetcher) resetCrumb() {
	f.mu.Lock()
	f.crumb = ""
	f.mu.Unlock()
}

// enrich merges the summary modules of every quoted symbol into its quote.
// Quote fields take precedence over summary fields of the same name.
func (f *QuoteFetcher) enrich(ctx context.Context, quotes map[string]map[string]any) {
	crumb, err := f.ensureCrumb(ctx)
	if err != nil {
		slog.Warn("skipping quote summaries", "error", err)
		return
	}

	p := pool.New().WithMaxGoroutines(summaryConcurrency)
	for symbol, quote := range quotes {
		p.Go(func() {
			fields, err := f.fetchSummary(ctx, crumb, symbol)
			if err != nil {
				slog.Warn("quote summary failed", "symbol", symbol, "error", err)
				return
			}
			for k, v := range fields {
				if _, ok := quote[k]; !ok {
					quote[k] = v
				}
			}
		})
	}
	p.Wait()
}

func (f *QuoteFetcher) fetchSummary(ctx context.Context, crumb, symbol string) (map[string]any, error) {
	var result SummaryResponse

	resp, err := f.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetQueryParam("modules", strings.Join(f.modules, ",")).
		SetQueryParam("crumb", crumb).
		SetResult(&result).
		Get(summaryPath)

	if err != nil {
		return nil, fmt.Errorf("failed to fetch summary: %w", fetcher.ClassifyTransportError(err))
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("yahoo quoteSummary API: %w", fetcher.ClassifyHTTPError(resp.StatusCode()))
	}

	if e := result.QuoteSummary.Error; e != nil {
		return nil, fetcher.NewValidationError(fmt.Sprintf("yahoo quoteSummary API error %s: %s", e.Code, e.Description))
	}
	if len(result.QuoteSummary.Result) == 0 {
		return nil, fetcher.NewValidationError(fmt.Sprintf("no summary returned for %s", symbol))
	}

	return flattenSummary(result.QuoteSummary.Result[0], f.modules), nil
}

// flattenSummary merges the given modules into one field mapping. Formatted
// values ({"raw": 0.16, "fmt": "16%"}) are reduced to their raw value and
// empty ones are dropped. On a name clash the earlier module wins.
func flattenSummary(result map[string]map[string]any, modules []string) map[string]any {
	fields := make(map[string]any)
	for _, module := range modules {
		for k, v := range result[module] {
			if k == "maxAge" || v == nil {
				continue
			}
			if _, ok := fields[k]; ok {
				continue
			}
			if m, ok := v.(map[string]any); ok {
				raw, hasRaw := m["raw"]
				if !hasRaw {
					if len(m) == 0 {
						continue
					}
					raw = m
				}
				v = raw
			}
			fields[k] = v
		}
	}
	return fields
}

func isAuthFailure(err error) bool {
	var fe *fetcher.FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.StatusCode == http.StatusUnauthorized || fe.StatusCode == http.StatusForbidden
}
