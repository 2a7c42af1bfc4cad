package keystats

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Metric names produced by the extractor.
const (
	MetricPE            = "PE"
	MetricPEG           = "PEG"
	MetricPS            = "P/S"
	MetricPB            = "P/B"
	MetricEVRevenue     = "EV/Revenue"
	MetricEVEBITDA      = "EV/EBITDA"
	MetricROA           = "ROA"
	MetricROE           = "ROE"
	MetricCurrentRatio  = "Current Ratio"
	MetricDebtToEquity  = "Debt To Equity"
	MetricBeta          = "Beta"
	MetricDividendYield = "Dividend Yield"
	MetricPayoutRatio   = "Payout Ratio"
)

// Selectors and card labels of the key-statistics page.
const (
	valuationAltRows   = ".yf-kbx2lo.alt"
	valuationStatsRows = "[data-testid='qsp-statistics'] .yf-kbx2lo"

	highlightCards      = `[data-testid="stats-highlight"] [data-testid="card-container"]`
	highlightCardHeader = "header > div > h3"
	highlightCardRows   = "table tr.row.yf-vaowmx"

	cardManagement = "Management Effectiveness"
	cardBalance    = "Balance Sheet"
	cardPrice      = "Stock Price History"
	cardDividends  = "Dividends & Splits"
)

// Locator is the structural path to one metric on the page.
//
// Exactly one of Rows or Card is set. Rows is a selector evaluated against the
// whole document; Card is matched as a substring of a highlight card header
// and the card's rows are then selected with Layout.CardRows. Row and Cell are
// zero-based indexes into the matched rows and the row's td cells.
type Locator struct {
	Metric      string `mapstructure:"metric"`
	Rows        string `mapstructure:"rows"`
	Card        string `mapstructure:"card"`
	Row         int    `mapstructure:"row"`
	Cell        int    `mapstructure:"cell"`
	TrimPercent bool   `mapstructure:"trim_percent"`
}

// Layout describes where every metric lives on the statistics page.
type Layout struct {
	Cards      string    `mapstructure:"cards"`
	CardHeader string    `mapstructure:"card_header"`
	CardRows   string    `mapstructure:"card_rows"`
	Fields     []Locator `mapstructure:"fields"`
}

// DefaultLayout returns the layout of the current key-statistics page.
func DefaultLayout() Layout {
	return Layout{
		Cards:      highlightCards,
		CardHeader: highlightCardHeader,
		CardRows:   highlightCardRows,
		Fields: []Locator{
			{Metric: MetricPE, Rows: valuationAltRows, Row: 1, Cell: 1},
			{Metric: MetricPEG, Rows: valuationAltRows, Row: 2, Cell: 1},
			{Metric: MetricPS, Rows: valuationStatsRows, Row: 2, Cell: 1},
			{Metric: MetricPB, Rows: valuationAltRows, Row: 3, Cell: 1},
			{Metric: MetricEVRevenue, Rows: valuationStatsRows, Row: 3, Cell: 1},
			{Metric: MetricEVEBITDA, Rows: valuationAltRows, Row: 4, Cell: 1},
			{Metric: MetricROA, Card: cardManagement, Row: 0, Cell: 1, TrimPercent: true},
			{Metric: MetricROE, Card: cardManagement, Row: 1, Cell: 1, TrimPercent: true},
			{Metric: MetricCurrentRatio, Card: cardBalance, Row: 4, Cell: 1},
			{Metric: MetricDebtToEquity, Card: cardBalance, Row: 3, Cell: 1},
			{Metric: MetricBeta, Card: cardPrice, Row: 0, Cell: 1},
			{Metric: MetricDividendYield, Card: cardDividends, Row: 1, Cell: 1},
			{Metric: MetricPayoutRatio, Card: cardDividends, Row: 5, Cell: 1},
		},
	}
}

// Keys returns the metric names of the default layout in display order.
func Keys() []string {
	fields := DefaultLayout().Fields
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Metric
	}
	return keys
}

// Validate checks that every locator is usable.
func (l Layout) Validate() error {
	if len(l.Fields) == 0 {
		return errors.New("layout has no fields")
	}

	seen := make(map[string]bool, len(l.Fields))
	var errs []error
	for i, f := range l.Fields {
		switch {
		case f.Metric == "":
			errs = append(errs, fmt.Errorf("field %d: metric is empty", i))
		case seen[f.Metric]:
			errs = append(errs, fmt.Errorf("field %d: duplicate metric %q", i, f.Metric))
		case (f.Rows == "") == (f.Card == ""):
			errs = append(errs, fmt.Errorf("field %q: exactly one of rows or card must be set", f.Metric))
		case f.Row < 0 || f.Cell < 0:
			errs = append(errs, fmt.Errorf("field %q: negative row or cell index", f.Metric))
		case f.Card != "" && (l.Cards == "" || l.CardHeader == "" || l.CardRows == ""):
			errs = append(errs, fmt.Errorf("field %q: card selectors are not configured", f.Metric))
		}
		seen[f.Metric] = true
	}
	return errors.Join(errs...)
}

// LoadLayout reads a layout from a YAML (or any viper-supported) file.
// Card selectors missing from the file fall back to the default ones.
func LoadLayout(path string) (Layout, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Layout{}, fmt.Errorf("failed to read layout file: %w", err)
	}

	var layout Layout
	if err := v.Unmarshal(&layout); err != nil {
		return Layout{}, fmt.Errorf("failed to unmarshal layout: %w", err)
	}

	def := DefaultLayout()
	if layout.Cards == "" {
		layout.Cards = def.Cards
	}
	if layout.CardHeader == "" {
		layout.CardHeader = def.CardHeader
	}
	if layout.CardRows == "" {
		layout.CardRows = def.CardRows
	}

	if err := layout.Validate(); err != nil {
		return Layout{}, fmt.Errorf("invalid layout %s: %w", path, err)
	}
	return layout, nil
}
