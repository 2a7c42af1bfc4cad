package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"stockscreener/internal/fetcher"
	"stockscreener/internal/keystats"
	"stockscreener/internal/ratelimit"
)

// StatisticsSource is the error key for statistics scraping failures.
const StatisticsSource = "statistics"

const defaultMaxConcurrency = 4

// StatisticsExtractor extracts key statistics for one symbol.
type StatisticsExtractor interface {
	Extract(ctx context.Context, symbol string) (keystats.Result, error)
}

// Coordinator fetches every source for a batch of symbols and merges the
// results into one report per symbol.
type Coordinator struct {
	quotes         fetcher.Fetcher
	stats          StatisticsExtractor
	limiter        *ratelimit.Limiter
	maxConcurrency int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLimiter paces outbound requests. Without it requests are not paced.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithMaxConcurrency bounds the number of statistics pages fetched at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrency = n
		}
	}
}

// New creates a new Coordinator. Either source may be nil, in which case it
// is skipped.
func New(quotes fetcher.Fetcher, stats StatisticsExtractor, opts ...Option) *Coordinator {
	c := &Coordinator{
		quotes:         quotes,
		stats:          stats,
		limiter:        ratelimit.Unlimited(),
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches all sources for symbols. The quote provider is asked once for
// the whole batch; statistics pages are scraped concurrently, at most
// maxConcurrency at a time. A failing source or symbol is recorded in that
// symbol's report and never aborts the batch. Reports are returned in the
// order of symbols.
func (c *Coordinator) Run(ctx context.Context, symbols []string) ([]fetcher.Report, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols requested")
	}

	reports := make([]fetcher.Report, len(symbols))
	for i, symbol := range symbols {
		reports[i].Symbol = strings.ToUpper(symbol)
	}

	if c.quotes != nil {
		c.fetchQuotes(ctx, reports)
	}

	if c.stats != nil {
		p := pool.New().WithMaxGoroutines(c.maxConcurrency)
		for i := range reports {
			p.Go(func() {
				c.fetchStatistics(ctx, &reports[i])
			})
		}
		p.Wait()
	}

	return reports, nil
}

func (c *Coordinator) fetchQuotes(ctx context.Context, reports []fetcher.Report) {
	source := c.quotes.Source()

	symbols := make([]string, len(reports))
	for i := range reports {
		symbols[i] = reports[i].Symbol
	}

	err := c.limiter.Wait(ctx, ratelimit.APIQuote)
	var quotes map[string]map[string]any
	if err == nil {
		quotes, err = c.quotes.Fetch(ctx, symbols)
	}
	if err != nil {
		slog.Warn("quote fetch failed", "source", source, "symbols", len(symbols), "error", err)
		for i := range reports {
			reports[i].AddError(source, err)
		}
		return
	}

	for i := range reports {
		quote, ok := quotes[reports[i].Symbol]
		if !ok {
			reports[i].AddError(source, fmt.Errorf("no quote returned for %s", reports[i].Symbol))
			continue
		}
		reports[i].Info = quote
	}
}

func (c *Coordinator) fetchStatistics(ctx context.Context, report *fetcher.Report) {
	if err := c.limiter.Wait(ctx, ratelimit.APIStatistics); err != nil {
		report.AddError(StatisticsSource, err)
		return
	}

	stats, err := c.stats.Extract(ctx, report.Symbol)
	if err != nil {
		slog.Warn("statistics extraction failed", "symbol", report.Symbol, "error", err)
		report.AddError(StatisticsSource, err)
		return
	}

	slog.Debug("statistics extracted", "symbol", report.Symbol, "metrics", len(stats))
	report.Statistics = stats
}
