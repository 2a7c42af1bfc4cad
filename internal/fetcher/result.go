package fetcher

// Report is the outcome of fetching every source for one symbol.
// It is serialized as-is into the batch API response.
type Report struct {
	// Symbol is the upper-case ticker symbol
	Symbol string `json:"symbol"`

	// Info is the market-data provider's mapping, passed through untouched
	Info map[string]any `json:"info,omitempty"`

	// Statistics holds the scraped key-statistics metrics
	Statistics map[string]string `json:"statistics,omitempty"`

	// Errors maps a source name to the error that source returned.
	// A failing source never hides the data of the others.
	Errors map[string]string `json:"errors,omitempty"`
}

// AddError records err for the given source.
func (r *Report) AddError(source string, err error) {
	if err == nil {
		return
	}
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[source] = err.Error()
}

// OK reports whether no source failed.
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}
