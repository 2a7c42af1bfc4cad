package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultOriginPattern admits the local dev server and the production and
// preview deployments of the screener front end.
const DefaultOriginPattern = `^https:\/\/(localhost:5173|stock-screener(-[a-z0-9]+)?(-git-[a-z0-9]+)?\.vercel\.app)$`

// CORSConfig holds the cross-origin policy of the HTTP API.
type CORSConfig struct {
	AllowedOrigins       []string `mapstructure:"allowed_origins"`
	AllowedOriginPattern string   `mapstructure:"allowed_origin_pattern"`
	AllowCredentials     bool     `mapstructure:"allow_credentials"`
}

// Config holds all configuration for the stock screener service.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	// Base URLs for upstreams (configurable for testing)
	StatisticsBaseURL string `mapstructure:"statistics_base_url"`
	QuoteBaseURL      string `mapstructure:"quote_base_url"`

	// Outbound request behaviour
	UserAgent       string        `mapstructure:"user_agent"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	QuoteRetryCount int           `mapstructure:"quote_retry_count"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	StatisticsRate  float64       `mapstructure:"statistics_rate"`
	QuoteRate       float64       `mapstructure:"quote_rate"`

	// Quote session and enrichment
	QuoteCookieURL      string   `mapstructure:"quote_cookie_url"`
	QuoteSummaryModules []string `mapstructure:"quote_summary_modules"`

	// Statistics scraping
	ScrapeStatistics bool   `mapstructure:"scrape_statistics"`
	CheckRedirect    bool   `mapstructure:"check_redirect"`
	StatsLayoutFile  string `mapstructure:"stats_layout_file"`

	CORS CORSConfig `mapstructure:",squash"`
}

// Load reads configuration from environment variables, an optional .env file
// and an optional config file. Environment variables take precedence over
// config file values.
//
// Recognised environment variables:
//   - PORT (overrides the port of LISTEN_ADDR)
//   - LISTEN_ADDR, LOG_LEVEL
//   - STATISTICS_BASE_URL, QUOTE_BASE_URL
//   - USER_AGENT, REQUEST_TIMEOUT, QUOTE_RETRY_COUNT
//   - MAX_CONCURRENCY, STATISTICS_RATE, QUOTE_RATE
//   - QUOTE_COOKIE_URL, QUOTE_SUMMARY_MODULES (comma separated)
//   - SCRAPE_STATISTICS, CHECK_REDIRECT, STATS_LAYOUT_FILE
//   - ALLOWED_ORIGINS (comma separated), ALLOWED_ORIGIN_PATTERN, ALLOW_CREDENTIALS
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile is like Load but reads the given config file, which must exist.
func LoadFromFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	// A missing .env is the normal case outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.stockscreener")

		// Read config file (ignore if not found)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for _, key := range []string{
		"listen_addr", "log_level",
		"statistics_base_url", "quote_base_url",
		"user_agent", "request_timeout", "quote_retry_count",
		"max_concurrency", "statistics_rate", "quote_rate",
		"quote_cookie_url", "quote_summary_modules",
		"scrape_statistics", "check_redirect", "stats_layout_file",
		"allowed_origins", "allowed_origin_pattern", "allow_credentials",
	} {
		v.BindEnv(key, strings.ToUpper(key))
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// ALLOWED_ORIGINS arrives as a single comma separated string
	config.CORS.AllowedOrigins = splitList(config.CORS.AllowedOrigins)
	config.QuoteSummaryModules = splitList(config.QuoteSummaryModules)

	if port := os.Getenv("PORT"); port != "" {
		config.ListenAddr = withPort(config.ListenAddr, port)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("statistics_base_url", "https://finance.yahoo.com")
	v.SetDefault("quote_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("user_agent", "")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("quote_retry_count", 2)
	v.SetDefault("max_concurrency", 4)
	v.SetDefault("statistics_rate", 2.0)
	v.SetDefault("quote_rate", 5.0)
	v.SetDefault("quote_cookie_url", "https://fc.yahoo.com")
	v.SetDefault("quote_summary_modules", []string{"summaryDetail", "defaultKeyStatistics", "financialData"})
	v.SetDefault("scrape_statistics", true)
	v.SetDefault("check_redirect", true)
	v.SetDefault("stats_layout_file", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("allowed_origin_pattern", DefaultOriginPattern)
	v.SetDefault("allow_credentials", true)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	for name, raw := range map[string]string{
		"STATISTICS_BASE_URL": c.StatisticsBaseURL,
		"QUOTE_BASE_URL":      c.QuoteBaseURL,
	} {
		u, err := url.Parse(raw)
		if raw == "" || err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("%s must be an absolute URL", name))
		}
	}

	if c.QuoteCookieURL != "" {
		u, err := url.Parse(c.QuoteCookieURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "QUOTE_COOKIE_URL must be an absolute URL")
		}
	}

	if c.MaxConcurrency < 1 {
		problems = append(problems, "MAX_CONCURRENCY must be at least 1")
	}
	if c.RequestTimeout < 0 {
		problems = append(problems, "REQUEST_TIMEOUT must not be negative")
	}
	if c.QuoteRetryCount < 0 {
		problems = append(problems, "QUOTE_RETRY_COUNT must not be negative")
	}
	if c.CORS.AllowedOriginPattern != "" {
		if _, err := regexp.Compile(c.CORS.AllowedOriginPattern); err != nil {
			problems = append(problems, fmt.Sprintf("ALLOWED_ORIGIN_PATTERN does not compile: %v", err))
		}
	}

	if len(problems) > 0 {
		// Map iteration order is random; keep the message stable
		slices.Sort(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func withPort(addr, port string) string {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	return host + ":" + port
}
