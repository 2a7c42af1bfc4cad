package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"

	"stockscreener/internal/fetcher"
)

const sessionCookie = "A3"

// fakeYahoo serves the session, crumb, quote and quoteSummary endpoints.
// Crumbs are only issued to clients holding the session cookie; successive
// requests receive crumbs[0], crumbs[1], ... and the last one repeats. Only the
// last crumb is accepted by the data endpoints, which answer 401 otherwise.
type fakeYahoo struct {
	*httptest.Server
	crumbs       []string
	crumbHits    atomic.Int32
	quoteHits    atomic.Int32
	summaryHits  atomic.Int32
	quoteHandler http.HandlerFunc
	summary      map[string]string
}

func newFakeYahoo(t *testing.T, quote http.HandlerFunc, crumbs ...string) *fakeYahoo {
	t.Helper()
	if len(crumbs) == 0 {
		crumbs = []string{"crumb-1"}
	}
	fy := &fakeYahoo{crumbs: crumbs, quoteHandler: quote, summary: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "d=session", Path: "/"})
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /v1/test/getcrumb", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(sessionCookie); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := int(fy.crumbHits.Add(1)) - 1
		w.Write([]byte(fy.crumbs[min(n, len(fy.crumbs)-1)]))
	})
	mux.HandleFunc("GET /v7/finance/quote", func(w http.ResponseWriter, r *http.Request) {
		fy.quoteHits.Add(1)
		if !fy.authorized(w, r) {
			return
		}
		fy.quoteHandler(w, r)
	})
	mux.HandleFunc("GET /v10/finance/quoteSummary/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		fy.summaryHits.Add(1)
		if !fy.authorized(w, r) {
			return
		}
		body, ok := fy.summary[r.PathValue("symbol")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	})

	fy.Server = httptest.NewServer(mux)
	t.Cleanup(fy.Close)
	return fy
}

func (fy *fakeYahoo) authorized(w http.ResponseWriter, r *http.Request) bool {
	_, err := r.Cookie(sessionCookie)
	if err == nil && r.URL.Query().Get("crumb") == fy.crumbs[len(fy.crumbs)-1] {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"finance":{"result":null,"error":{"code":"Unauthorized","description":"Invalid Crumb"}}}`))
	return false
}

func (fy *fakeYahoo) client(opts ...Option) *QuoteFetcher {
	opts = append([]Option{WithCookieURL(fy.URL + "/")}, opts...)
	return NewQuoteFetcher(fy.URL, opts...)
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}

const aaplQuote = `{"quoteResponse": {"result": [{"symbol": "AAPL", "regularMarketPrice": 229.87}], "error": null}}`

func TestQuoteFetcher_Source(t *testing.T) {
	if got := NewQuoteFetcher("http://localhost").Source(); got != "yahoo" {
		t.Errorf("Source() = %q, want %q", got, "yahoo")
	}
}

func TestQuoteFetcher_Fetch_Success(t *testing.T) {
	fy := newFakeYahoo(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbols"); got != "AAPL,MSFT,NOPE" {
			t.Errorf("symbols = %q, want AAPL,MSFT,NOPE", got)
		}
		jsonHandler(`{
			"quoteResponse": {
				"result": [
					{"symbol": "AAPL", "shortName": "Apple Inc.", "regularMarketPrice": 229.87, "trailingPE": 37.84},
					{"symbol": "msft", "shortName": "Microsoft Corporation", "regularMarketPrice": 415.06},
					{"shortName": "no symbol"}
				],
				"error": null
			}
		}`)(w, r)
	})
	fy.summary["AAPL"] = `{
		"quoteSummary": {
			"result": [{
				"summaryDetail": {
					"maxAge": 1,
					"payoutRatio": {"raw": 0.1625, "fmt": "16.25%"},
					"beta": {"raw": 1.24, "fmt": "1.24"},
					"regularMarketPrice": {"raw": 1.0, "fmt": "1.00"},
					"currency": "USD"
				},
				"defaultKeyStatistics": {
					"pegRatio": {"raw": 2.45, "fmt": "2.45"},
					"beta": {"raw": 9.99, "fmt": "9.99"},
					"lastSplitFactor": null,
					"sharesShort": {}
				},
				"financialData": {
					"debtToEquity": {"raw": 145.0, "fmt": "145.00%"},
					"currentRatio": {"raw": 0.92, "fmt": "0.92"},
					"returnOnEquity": {"raw": 1.3652, "fmt": "136.52%"}
				}
			}],
			"error": null
		}
	}`

	quotes, err := fy.client().Fetch(context.Background(), []string{"AAPL", "MSFT", "NOPE"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}

	if len(quotes) != 2 {
		t.Fatalf("Fetch() returned %d quotes, want 2", len(quotes))
	}

	aapl := quotes["AAPL"]
	tests := []struct {
		field string
		want  any
	}{
		{"shortName", "Apple Inc."},
		{"regularMarketPrice", 229.87},
		{"payoutRatio", 0.1625},
		{"pegRatio", 2.45},
		{"beta", 1.24},
		{"debtToEquity", 145.0},
		{"currentRatio", 0.92},
		{"returnOnEquity", 1.3652},
		{"currency", "USD"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if got := aapl[tt.field]; got != tt.want {
				t.Errorf("AAPL %s = %v, want %v", tt.field, got, tt.want)
			}
		})
	}

	for _, field := range []string{"maxAge", "lastSplitFactor", "sharesShort"} {
		if v, ok := aapl[field]; ok {
			t.Errorf("AAPL %s = %v, want absent", field, v)
		}
	}

	// MSFT has no summary; its quote survives unenriched
	msft, ok := quotes["MSFT"]
	if !ok {
		t.Fatal("MSFT quote missing; symbols should be upper-cased")
	}
	if _, ok := msft["debtToEquity"]; ok {
		t.Error("MSFT debtToEquity present, want absent without a summary")
	}
	if _, ok := quotes["NOPE"]; ok {
		t.Error("NOPE quote present, want absent")
	}
}

func TestQuoteFetcher_Fetch_NoSymbols(t *testing.T) {
	f := NewQuoteFetcher("http://localhost")

	_, err := f.Fetch(context.Background(), nil)
	if err == nil {
		t.Fatal("Fetch() expected error for empty symbol list, got nil")
	}

	expectedErrMsg := "validation error: no symbols requested"
	if err.Error() != expectedErrMsg {
		t.Errorf("Fetch() error = %q, want %q", err.Error(), expectedErrMsg)
	}
}

func TestQuoteFetcher_Fetch_CrumbRequiresSession(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(aaplQuote))

	// Without visiting the session page the crumb endpoint answers 401
	_, err := fy.client(WithCookieURL("")).Fetch(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("Fetch() expected error without a session cookie, got nil")
	}

	var fe *fetcher.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusUnauthorized {
		t.Errorf("Fetch() error = %v, want an HTTP 401 error", err)
	}
	if n := fy.quoteHits.Load(); n != 0 {
		t.Errorf("quote endpoint called %d times, want 0 without a crumb", n)
	}
}

func TestQuoteFetcher_Fetch_SendsCrumb(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(aaplQuote))

	quotes, err := fy.client(WithSummaryModules()).Fetch(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if quotes["AAPL"]["regularMarketPrice"] != 229.87 {
		t.Errorf("AAPL regularMarketPrice = %v, want 229.87", quotes["AAPL"]["regularMarketPrice"])
	}
}

func TestQuoteFetcher_Fetch_CrumbCached(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(aaplQuote))
	f := fy.client(WithSummaryModules())

	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), []string{"AAPL"}); err != nil {
			t.Fatalf("Fetch() call %d returned unexpected error: %v", i, err)
		}
	}

	if n := fy.crumbHits.Load(); n != 1 {
		t.Errorf("crumb endpoint called %d times, want 1", n)
	}
}

func TestQuoteFetcher_Fetch_StaleCrumbRenewed(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(aaplQuote), "stale", "fresh")

	quotes, err := fy.client(WithSummaryModules()).Fetch(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if _, ok := quotes["AAPL"]; !ok {
		t.Error("AAPL quote missing after crumb renewal")
	}

	if n := fy.crumbHits.Load(); n != 2 {
		t.Errorf("crumb endpoint called %d times, want 2", n)
	}
	if n := fy.quoteHits.Load(); n != 2 {
		t.Errorf("quote endpoint called %d times, want 2", n)
	}
}

func TestQuoteFetcher_Fetch_Unauthorized(t *testing.T) {
	fy := newFakeYahoo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := fy.client().Fetch(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}
	if !fetcher.IsHTTPStatus(err) {
		t.Errorf("Fetch() error = %v, want an HTTP status error", err)
	}

	// One renewal, then give up
	if n := fy.quoteHits.Load(); n != 2 {
		t.Errorf("quote endpoint called %d times, want 2", n)
	}
}

func TestQuoteFetcher_Fetch_HTTPError(t *testing.T) {
	fy := newFakeYahoo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := fy.client().Fetch(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}
	if !fetcher.IsHTTPStatus(err) {
		t.Errorf("Fetch() error = %v, want an HTTP status error", err)
	}
	if n := fy.quoteHits.Load(); n != 1 {
		t.Errorf("quote endpoint called %d times, want 1 without retries", n)
	}
}

func TestQuoteFetcher_Fetch_APIError(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(`{
		"quoteResponse": {
			"result": [],
			"error": {"code": "Bad Request", "description": "Missing value for the \"symbols\" argument"}
		}
	}`))

	_, err := fy.client().Fetch(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("Fetch() expected error for API error, got nil")
	}

	expectedErrMsg := `validation error: yahoo quote API error Bad Request: Missing value for the "symbols" argument`
	if err.Error() != expectedErrMsg {
		t.Errorf("Fetch() error = %q, want %q", err.Error(), expectedErrMsg)
	}
}

func TestQuoteFetcher_Fetch_Retries(t *testing.T) {
	var calls atomic.Int32
	fy := newFakeYahoo(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonHandler(aaplQuote)(w, r)
	})

	f := fy.client(WithSummaryModules(), WithClientOptions(fetcher.WithRetries(1)))
	quotes, err := f.Fetch(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if _, ok := quotes["AAPL"]; !ok {
		t.Error("AAPL quote missing after retry")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server called %d times, want 2", n)
	}
}

func TestQuoteFetcher_Fetch_SummaryDisabled(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(aaplQuote))
	fy.summary["AAPL"] = `{"quoteSummary": {"result": [{"financialData": {"currentRatio": {"raw": 0.92}}}], "error": null}}`

	quotes, err := fy.client(WithSummaryModules()).Fetch(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if n := fy.summaryHits.Load(); n != 0 {
		t.Errorf("quoteSummary endpoint called %d times, want 0", n)
	}
	if _, ok := quotes["AAPL"]["currentRatio"]; ok {
		t.Error("AAPL currentRatio present, want absent with summaries disabled")
	}
}

func TestQuoteFetcher_Fetch_ContextCancellation(t *testing.T) {
	fy := newFakeYahoo(t, jsonHandler(aaplQuote))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fy.client().Fetch(ctx, []string{"AAPL"})
	if err == nil {
		t.Fatal("Fetch() expected error for cancelled context, got nil")
	}
	if !fetcher.IsFetchFailure(err) {
		t.Errorf("Fetch() error = %v, want a fetch failure", err)
	}
}

func TestFlattenSummary(t *testing.T) {
	result := map[string]map[string]any{
		"summaryDetail": {
			"maxAge":      1.0,
			"payoutRatio": map[string]any{"raw": 0.5, "fmt": "50%"},
			"empty":       map[string]any{},
			"missing":     nil,
			"nested":      map[string]any{"longFmt": "x"},
		},
		"financialData": {
			"payoutRatio":  map[string]any{"raw": 0.9},
			"currentRatio": 1.5,
		},
		"ignored": {"other": 1.0},
	}

	got := flattenSummary(result, []string{"summaryDetail", "financialData"})
	want := map[string]any{
		"payoutRatio":  0.5,
		"nested":       map[string]any{"longFmt": "x"},
		"currentRatio": 1.5,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flattenSummary() = %v, want %v", got, want)
	}
}
