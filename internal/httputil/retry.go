// Package httputil retries outbound HTTP calls the way push providers
// expect: exponential backoff with jitter, and the server's Retry-After
// taking precedence over the computed delay when present.
package httputil

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // fraction of delay to randomize, 0.3 meaning +-30%
}

// DefaultRetryConfig returns sensible defaults for hub→provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// Do executes an HTTP request, retrying transient failures. The body is
// a byte slice rather than a Reader so every attempt can replay it. The
// first response with a non-retryable status is returned as-is; network
// errors and 429/5xx statuses consume attempts.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	var (
		lastErr error
		backoff = cfg.InitialDelay
	)

	for attempt := 0; ; attempt++ {
		resp, err := attemptOnce(ctx, client, method, url, body, headers)
		if err == nil {
			if !retryableStatus(resp.StatusCode) {
				return resp, nil
			}
			wait, mandated := retryAfter(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, URL: url, Attempts: attempt + 1}
			if attempt == cfg.MaxRetries {
				break
			}
			if !mandated {
				wait = applyJitter(backoff, cfg.JitterFrac)
			}
			if wait > cfg.MaxDelay {
				wait = cfg.MaxDelay
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		} else {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt == cfg.MaxRetries {
				break
			}
			if err := sleep(ctx, applyJitter(backoff, cfg.JitterFrac)); err != nil {
				return nil, err
			}
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
		log.Debug("retrying request", "attempt", attempt+1, "url", url, "error", lastErr)
	}

	log.Warn("all retries exhausted",
		"method", method,
		"url", url,
		"attempts", cfg.MaxRetries+1,
		"error", lastErr,
	)
	return nil, lastErr
}

func attemptOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return client.Do(req)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// retryAfter reads the server's Retry-After header. FCM sends it in
// seconds form on 429 and 5xx responses.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// StatusError reports the final retryable status after attempts ran out.
type StatusError struct {
	StatusCode int
	URL        string
	Attempts   int
}

func (e *StatusError) Error() string {
	return "request to " + e.URL + " failed after " + strconv.Itoa(e.Attempts) +
		" attempts with status " + http.StatusText(e.StatusCode)
}

// applyJitter randomizes a delay by up to frac in either direction.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
