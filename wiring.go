package main

import (
	"fmt"

	"stockscreener/internal/api"
	"stockscreener/internal/config"
	"stockscreener/internal/coordinator"
	"stockscreener/internal/fetcher"
	"stockscreener/internal/keystats"
	"stockscreener/internal/ratelimit"
	"stockscreener/internal/yahoo"
)

// newExtractor builds the statistics extractor, or returns nil when scraping
// is disabled.
func newExtractor(cfg *config.Config) (coordinator.StatisticsExtractor, error) {
	if !cfg.ScrapeStatistics {
		return nil, nil
	}

	opts := []keystats.Option{
		keystats.WithTimeout(cfg.RequestTimeout),
		keystats.WithRedirectCheck(cfg.CheckRedirect),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, keystats.WithUserAgent(cfg.UserAgent))
	}
	if cfg.StatsLayoutFile != "" {
		layout, err := keystats.LoadLayout(cfg.StatsLayoutFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, keystats.WithLayout(layout))
	}

	return keystats.NewExtractor(cfg.StatisticsBaseURL, opts...), nil
}

func newCoordinator(cfg *config.Config, stats coordinator.StatisticsExtractor) *coordinator.Coordinator {
	limiter := ratelimit.New(map[ratelimit.API]float64{
		ratelimit.APIStatistics: cfg.StatisticsRate,
		ratelimit.APIQuote:      cfg.QuoteRate,
	})

	clientOpts := []fetcher.ClientOption{
		fetcher.WithRetries(cfg.QuoteRetryCount),
		fetcher.WithTimeout(cfg.RequestTimeout),
	}
	if cfg.UserAgent != "" {
		clientOpts = append(clientOpts, fetcher.WithUserAgent(cfg.UserAgent))
	}
	quotes := yahoo.NewQuoteFetcher(cfg.QuoteBaseURL,
		yahoo.WithClientOptions(clientOpts...),
		yahoo.WithCookieURL(cfg.QuoteCookieURL),
		yahoo.WithSummaryModules(cfg.QuoteSummaryModules...),
	)

	return coordinator.New(quotes, stats,
		coordinator.WithLimiter(limiter),
		coordinator.WithMaxConcurrency(cfg.MaxConcurrency),
	)
}

func newServer(cfg *config.Config) (*api.Server, error) {
	stats, err := newExtractor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build statistics extractor: %w", err)
	}
	return api.NewServer(cfg, newCoordinator(cfg, stats), stats)
}
