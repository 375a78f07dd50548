// Package nova is the retrying HTTP client for the Android Device Manager
// ("nova") API. It owns the retry budget, Retry-After handling, the single
// free retry after a 401-triggered token refresh, and response redaction for
// logs.
package nova

import (
	"bytes"
	"context"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfmd/findmygo/internal/account"
	"github.com/openfmd/findmygo/internal/errors"
	"github.com/openfmd/findmygo/internal/metrics"
	"github.com/openfmd/findmygo/internal/token"
)

// BaseURL is the nova API root; request paths are appended to it.
const BaseURL = "https://android.googleapis.com/nova"

// Retry tuning.
const (
	// MaxRetries is the number of additional attempts after the first, for
	// retryable statuses and transport errors.
	MaxRetries = 3

	// InitialBackoff seeds the exponential schedule.
	InitialBackoff = time.Second

	// BackoffFactor doubles the window each retry.
	BackoffFactor = 2.0

	// MaxDelay caps both computed backoff and server-supplied Retry-After.
	MaxDelay = 60 * time.Second

	// MaxResponseBytes bounds how much of a response body is read.
	MaxResponseBytes = 512 << 10

	defaultTimeout = 30 * time.Second
)

const userAgent = "fmd/20006320 (Linux; U; Android 11) com.google.android.apps.adm/20006320"

// TokenSource is the credential surface the client needs; *token.Manager
// satisfies it.
type TokenSource interface {
	ScopedToken(ctx context.Context, acct account.Context, scope token.Scope) (string, error)
	PreRequest(ctx context.Context, acct account.Context, scope token.Scope)
	OnUnauthorized(ctx context.Context, acct account.Context, scope token.Scope) (string, error)
}

// Client issues authenticated nova requests with bounded retry.
type Client struct {
	http    *http.Client
	tokens  TokenSource
	baseURL string
	logger  zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  interface{ Float64() float64 }
	now   func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL overrides the API root, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// NewClient creates a nova client.
func NewClient(tokens TokenSource, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		baseURL: BaseURL,
		logger:  logger.With().Str("component", "nova").Logger(),
		sleep:   sleepCtx,
		rand:    mathrand.New(mathrand.NewPCG(mathrand.Uint64(), mathrand.Uint64())),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Request POSTs body to the nova API path for the given scope and returns
// the response body. path is appended to the API root ("/nbe_..." style
// operation names).
func (c *Client) Request(ctx context.Context, acct account.Context, path string, body []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.APIRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	c.tokens.PreRequest(ctx, acct, token.ScopeADM)

	tok, err := c.tokens.ScopedToken(ctx, acct, token.ScopeADM)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(path, "token_error").Inc()
		return nil, errors.NewRequestError(errors.KindToken, path, token.ScopeADM.Name(), err)
	}

	freeRetryUsed := false
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		respBody, status, retryAfter, err := c.doOnce(ctx, path, tok, body)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("nova transport error")
			if err := c.delayBeforeRetry(ctx, path, attempt, 0); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status == http.StatusOK:
			metrics.APIRequestsTotal.WithLabelValues(path, "ok").Inc()
			return respBody, nil

		case status == http.StatusUnauthorized:
			if freeRetryUsed {
				metrics.APIRequestsTotal.WithLabelValues(path, "auth_error").Inc()
				return nil, errors.NewRequestError(errors.KindAuth, path, token.ScopeADM.Name(),
					fmt.Errorf("still unauthorized after token refresh")).
					WithStatusCode(status)
			}
			freeRetryUsed = true
			newTok, refreshErr := c.tokens.OnUnauthorized(ctx, acct, token.ScopeADM)
			if refreshErr != nil {
				metrics.APIRequestsTotal.WithLabelValues(path, "auth_error").Inc()
				return nil, errors.NewRequestError(errors.KindAuth, path, token.ScopeADM.Name(), refreshErr).
					WithStatusCode(status)
			}
			tok = newTok
			// The refresh retry does not consume the retry budget.
			attempt--
			continue

		case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
			lastErr = c.statusError(path, status, respBody).WithAttempts(attempt + 1)
			if err := c.delayBeforeRetry(ctx, path, attempt, retryAfter); err != nil {
				return nil, err
			}
			continue

		default:
			// Remaining 4xx are client errors; retrying cannot help.
			metrics.APIRequestsTotal.WithLabelValues(path, "client_error").Inc()
			c.logger.Error().
				Str("path", path).
				Int("status", status).
				Str("body", Redact(string(respBody))).
				Msg("nova request rejected")
			return nil, c.statusError(path, status, respBody)
		}
	}

	metrics.APIRequestsTotal.WithLabelValues(path, "exhausted").Inc()
	if lastErr == nil {
		lastErr = errors.NewRequestError(errors.KindTransport, path, token.ScopeADM.Name(),
			fmt.Errorf("retries exhausted"))
	}
	if re, ok := lastErr.(*errors.RequestError); ok {
		return nil, re.WithAttempts(MaxRetries + 1)
	}
	return nil, errors.NewRequestError(errors.KindTransport, path, token.ScopeADM.Name(), lastErr).
		WithAttempts(MaxRetries + 1)
}

func (c *Client) doOnce(ctx context.Context, path, tok string, body []byte) (respBody []byte, status int, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, 0, 0, err
	}
	return respBody, resp.StatusCode, c.parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

func (c *Client) statusError(path string, status int, body []byte) *errors.RequestError {
	var kind errors.Kind
	var cause error
	switch {
	case status == http.StatusTooManyRequests:
		kind = errors.KindRateLimit
		cause = fmt.Errorf("rate limited: %s", Redact(string(body)))
	case status >= 500 || status == http.StatusRequestTimeout:
		kind = errors.KindServer
		cause = fmt.Errorf("server error: %s", Redact(string(body)))
	default:
		kind = errors.KindAuth
		cause = fmt.Errorf("client error: %s", Redact(string(body)))
	}
	return errors.NewRequestError(kind, path, token.ScopeADM.Name(), cause).WithStatusCode(status)
}

// delayBeforeRetry sleeps before the next attempt: the server-supplied
// Retry-After when present, full-jitter backoff otherwise. The final
// attempt's failure skips the sleep; the loop exits immediately after.
func (c *Client) delayBeforeRetry(ctx context.Context, path string, attempt int, retryAfter time.Duration) error {
	if attempt >= MaxRetries {
		return nil
	}
	metrics.APIRetriesTotal.WithLabelValues(path).Inc()
	delay := retryAfter
	if delay <= 0 {
		delay = c.backoffDelay(attempt + 1)
	}
	c.logger.Debug().
		Str("path", path).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("retrying nova request")
	if err := c.sleep(ctx, delay); err != nil {
		return errors.NewRequestError(errors.KindTransport, path, token.ScopeADM.Name(), err).
			WithAttempts(attempt + 1)
	}
	return nil
}

// backoffDelay is full-jitter exponential backoff: uniform in
// [0, InitialBackoff * BackoffFactor^(attempt-1)], capped at MaxDelay.
func (c *Client) backoffDelay(attempt int) time.Duration {
	window := float64(InitialBackoff)
	for i := 1; i < attempt; i++ {
		window *= BackoffFactor
	}
	if window > float64(MaxDelay) {
		window = float64(MaxDelay)
	}
	return time.Duration(c.rand.Float64() * window)
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms, capped at
// MaxDelay. Unparseable values are treated as absent.
func (c *Client) parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return min(time.Duration(secs)*time.Second, MaxDelay)
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(c.now())
		if d <= 0 {
			return 0
		}
		return min(d, MaxDelay)
	}
	return 0
}
