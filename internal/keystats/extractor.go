// Package keystats scrapes the key-statistics page of a finance website and
// extracts a fixed set of valuation and highlight metrics for a ticker symbol.
//
// Metrics are located by position (row and cell indexes under a selector or a
// highlight card) as described by a Layout. A metric whose location cannot be
// found is left out of the Result; only fetch failures are errors.
package keystats

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"resty.dev/v3"

	"stockscreener/internal/fetcher"
)

const (
	// DefaultBaseURL is the site the statistics pages are scraped from
	DefaultBaseURL = "https://finance.yahoo.com"

	defaultTimeout = 15 * time.Second
	htmlAccept     = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Result maps metric names to the text of their page cell.
type Result map[string]string

// Extractor fetches statistics pages and extracts metrics from them.
// It holds no per-call state and is safe for concurrent use.
type Extractor struct {
	baseURL       string
	client        *resty.Client
	layout        Layout
	checkRedirect bool
}

type options struct {
	timeout       time.Duration
	userAgent     string
	layout        Layout
	checkRedirect bool
}

// Option configures an Extractor.
type Option func(*options)

// WithTimeout bounds the page request. Zero disables the client timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the browser User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithLayout replaces the default page layout.
func WithLayout(l Layout) Option {
	return func(o *options) { o.layout = l }
}

// WithRedirectCheck controls whether a redirect away from the canonical URL
// fails the extraction. It is on by default.
func WithRedirectCheck(enabled bool) Option {
	return func(o *options) { o.checkRedirect = enabled }
}

// NewExtractor creates an Extractor for the site at baseURL.
func NewExtractor(baseURL string, opts ...Option) *Extractor {
	o := options{
		timeout:       defaultTimeout,
		userAgent:     fetcher.DefaultUserAgent,
		layout:        DefaultLayout(),
		checkRedirect: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	client := fetcher.NewHTTPClient("",
		fetcher.WithTimeout(o.timeout),
		fetcher.WithUserAgent(o.userAgent),
		fetcher.WithAccept(htmlAccept),
	)

	return &Extractor{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
		layout:        o.layout,
		checkRedirect: o.checkRedirect,
	}
}

// URL returns the canonical statistics page URL for symbol.
func (e *Extractor) URL(symbol string) string {
	return fmt.Sprintf("%s/quote/%s/key-statistics/", e.baseURL, url.PathEscape(normalize(symbol)))
}

// Extract fetches the statistics page for symbol and extracts every metric
// the layout can locate. The request is made once; failures are returned as
// a *fetcher.FetchError of type network, timeout, redirect or an HTTP status
// type.
func (e *Extractor) Extract(ctx context.Context, symbol string) (Result, error) {
	pageURL := e.URL(symbol)

	resp, err := e.client.R().
		SetContext(ctx).
		Get(pageURL)
	if err != nil {
		fe := fetcher.ClassifyTransportError(err)
		fe.URL = pageURL
		return nil, fmt.Errorf("failed to fetch statistics for %s: %w", normalize(symbol), fe)
	}

	finalURL := pageURL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	slog.Debug("fetched statistics page",
		"symbol", normalize(symbol),
		"url", pageURL,
		"final_url", finalURL,
		"status_code", resp.StatusCode())

	if e.checkRedirect && finalURL != pageURL {
		return nil, fmt.Errorf("statistics for %s: %w", normalize(symbol), fetcher.NewRedirectError(pageURL, finalURL))
	}

	if !resp.IsSuccess() {
		fe := fetcher.ClassifyHTTPError(resp.StatusCode())
		fe.URL = pageURL
		return nil, fmt.Errorf("statistics for %s: %w", normalize(symbol), fe)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse statistics page for %s: %w", normalize(symbol), err)
	}

	return ExtractDocument(doc, e.layout), nil
}

// ExtractDocument extracts every metric of layout from a parsed page.
// Metrics whose row, cell or card is missing, or whose text is empty, are
// omitted.
func ExtractDocument(doc *goquery.Document, layout Layout) Result {
	result := make(Result, len(layout.Fields))

	var cards *goquery.Selection
	if layout.Cards != "" {
		cards = doc.Find(layout.Cards)
	}

	for _, loc := range layout.Fields {
		var (
			value string
			ok    bool
		)
		if loc.Card != "" {
			value, ok = cardValue(cards, layout, loc)
		} else {
			value, ok = cellText(doc.Find(loc.Rows), loc.Row, loc.Cell)
		}

		if ok && loc.TrimPercent {
			value = strings.TrimSpace(strings.ReplaceAll(value, "%", ""))
			ok = value != ""
		}
		if !ok {
			slog.Debug("metric not found", "metric", loc.Metric)
			continue
		}
		result[loc.Metric] = value
	}

	return result
}

// cardValue returns the value of loc from the first card whose header
// contains loc.Card and has the requested cell.
func cardValue(cards *goquery.Selection, layout Layout, loc Locator) (string, bool) {
	if cards == nil {
		return "", false
	}

	var (
		value string
		found bool
	)
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		header := card.Find(layout.CardHeader).First()
		if header.Length() == 0 || !strings.Contains(header.Text(), loc.Card) {
			return true
		}
		value, found = cellText(card.Find(layout.CardRows), loc.Row, loc.Cell)
		return !found
	})
	return value, found
}

// cellText returns the stripped text of cell `cell` in row `row` of rows.
func cellText(rows *goquery.Selection, row, cell int) (string, bool) {
	if row >= rows.Length() {
		return "", false
	}
	cells := rows.Eq(row).Find("td")
	if cell >= cells.Length() {
		return "", false
	}
	text := strippedText(cells.Get(cell))
	return text, text != ""
}

// strippedText joins the text nodes under n, each trimmed of surrounding
// whitespace, so "<span>1.2</span> <span>%</span>" reads "1.2%".
func strippedText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
