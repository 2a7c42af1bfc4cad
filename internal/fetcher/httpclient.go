package fetcher

import (
	"log/slog"
	"time"

	"resty.dev/v3"
)

const (
	// Default retry configuration
	defaultRetryWaitTime    = 1 * time.Second
	defaultRetryMaxWaitTime = 10 * time.Second

	// DefaultUserAgent is a desktop Chrome string. The statistics site blocks
	// clients it does not recognise.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/113.0.0.0 Safari/537.36"
)

type clientOptions struct {
	retryCount int
	timeout    time.Duration
	userAgent  string
	accept     string
}

// ClientOption configures a client built by NewHTTPClient.
type ClientOption func(*clientOptions)

// WithRetries enables up to n retries with exponential backoff.
func WithRetries(n int) ClientOption {
	return func(o *clientOptions) { o.retryCount = n }
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(o *clientOptions) { o.userAgent = ua }
}

// WithAccept overrides the Accept header.
func WithAccept(accept string) ClientOption {
	return func(o *clientOptions) { o.accept = accept }
}

// NewHTTPClient creates a new HTTP client. Retries are off unless WithRetries
// is given; when on they use exponential backoff.
func NewHTTPClient(baseURL string, opts ...ClientOption) *resty.Client {
	o := clientOptions{
		userAgent: DefaultUserAgent,
		accept:    "application/json",
	}
	for _, opt := range opts {
		opt(&o)
	}

	client := resty.New().
		SetHeader("Accept", o.accept).
		SetHeader("User-Agent", o.userAgent)

	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}
	if o.timeout > 0 {
		client.SetTimeout(o.timeout)
	}
	if o.retryCount > 0 {
		client.
			SetRetryCount(o.retryCount).
			SetRetryWaitTime(defaultRetryWaitTime).
			SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
			AddRetryConditions(retryCondition).
			AddRetryHooks(retryHook)
	}

	return client
}

// retryCondition determines whether a request should be retried based on the response and error
func retryCondition(r *resty.Response, err error) bool {
	// Retry on network errors
	if err != nil {
		return true
	}

	switch code := r.StatusCode(); {
	case code >= 500:
		return true
	case code == 429:
		return true
	case code == 408:
		return true
	default:
		return false
	}
}

// retryHook logs retry attempts for observability
func retryHook(r *resty.Response, err error) {
	if err != nil {
		slog.Debug("retrying request due to error",
			"url", r.Request.URL,
			"attempt", r.Request.Attempt,
			"error", err.Error())
		return
	}

	slog.Debug("retrying request due to status code",
		"url", r.Request.URL,
		"attempt", r.Request.Attempt,
		"status_code", r.StatusCode())
}
