// Package transport builds the outbound HTTP client shared by subscription
// fetches and artifact downloads.
package transport

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxRetryWait caps the backoff between attempts of one request.
const maxRetryWait = 30 * time.Second

// Options configures New.
type Options struct {
	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a whole request including the body. Zero means no
	// client-side limit; callers bound streaming downloads with a context.
	Timeout time.Duration

	// Retries is the number of extra attempts after a transport error,
	// 429 or 5xx response.
	Retries   int
	RetryWait time.Duration

	Logger *zap.Logger
}

// New creates a resty client on top of a pooled transport with retry and
// Retry-After aware backoff.
func New(o Options) *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	wait := o.RetryWait
	if wait <= 0 {
		wait = time.Second
	}

	c := resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(o.Timeout).
		SetRetryCount(o.Retries).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(maxRetryWait)
	if o.UserAgent != "" {
		c.SetHeader("User-Agent", o.UserAgent)
	}
	if o.Logger != nil {
		c.SetLogger(o.Logger.Sugar())
	}

	c.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})
	c.SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
		var raw *http.Response
		attempt := 1
		if r != nil {
			raw = r.RawResponse
			if r.Request != nil && r.Request.Attempt > 0 {
				attempt = r.Request.Attempt
			}
		}
		return retryablehttp.DefaultBackoff(wait, maxRetryWait, attempt, raw), nil
	})
	return c
}
