package fetcher

import "context"

// Fetcher is the interface implemented by market-data providers.
// A provider is asked for a whole batch of symbols at once and returns the
// provider's own field mapping for every symbol it knows about.
type Fetcher interface {
	// Fetch retrieves data for the given symbols, keyed by upper-case symbol.
	// Symbols the provider does not know are absent from the map; an error is
	// returned only when the batch as a whole failed.
	Fetch(ctx context.Context, symbols []string) (map[string]map[string]any, error)

	// Source names the provider, e.g. "yahoo". It is used as the key under
	// which per-symbol errors are reported.
	Source() string
}
