package spot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfmd/findmygo/internal/account"
	"github.com/openfmd/findmygo/internal/errors"
	"github.com/openfmd/findmygo/internal/metrics"
	"github.com/openfmd/findmygo/internal/token"
)

// BaseURL is the SpotService endpoint; method names are appended.
const BaseURL = "https://spot-pa.googleapis.com/google.internal.spot.v1.SpotService/"

const userAgent = "com.google.android.gms/244433022 grpc-java-cronet/1.69.0-SNAPSHOT"

// gRPC status codes the client acts on.
const (
	grpcOK               = 0
	grpcPermissionDenied = 7
	grpcUnauthenticated  = 16
)

// criticalMethods are calls where an empty trailers-only response blocks the
// caller's pipeline and deserves an error-level log.
var criticalMethods = map[string]bool{
	"GetEidInfoForE2eeDevices": true,
}

// TokenSource is the credential surface the client needs; *token.Manager
// satisfies it.
type TokenSource interface {
	ScopedToken(ctx context.Context, acct account.Context, scope token.Scope) (string, error)
	Invalidate(ctx context.Context, acct account.Context, scope token.Scope) error
}

// Client issues unary SpotService calls over HTTP/2. The token policy
// prefers a Spot-scoped token and falls back to an ADM-scoped one when Spot
// token acquisition or authentication fails; each kind is tried at most
// once per call.
//
// Only the calling account's tokens are considered. A cross-account scan of
// cached ADM tokens would require walking the whole cache under concurrency,
// so it is deliberately not done here.
type Client struct {
	http    *http.Client
	tokens  TokenSource
	baseURL string
	logger  zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. The replacement must
// speak HTTP/2; gRPC requires trailer support.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL overrides the endpoint, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// NewClient creates a SpotService client.
func NewClient(tokens TokenSource, hc *http.Client, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:    hc,
		tokens:  tokens,
		baseURL: BaseURL,
		logger:  logger.With().Str("component", "spot").Logger(),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes a unary SpotService method and returns the decoded response
// message. An empty return with a nil error means the server answered with
// no data, which several methods treat as a normal outcome.
func (c *Client) Call(ctx context.Context, acct account.Context, method string, payload []byte) ([]byte, error) {
	kinds := []token.Scope{token.ScopeSpot, token.ScopeADM}

	var lastAuthErr error
	for i, kind := range kinds {
		tok, err := c.tokens.ScopedToken(ctx, acct, kind)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("method", method).
				Str("scope", kind.Name()).
				Msg("spot token unavailable, trying fallback kind")
			lastAuthErr = err
			continue
		}

		body, authFailed, err := c.callOnce(ctx, method, tok, payload)
		if err != nil {
			metrics.SpotCallsTotal.WithLabelValues(method, "error").Inc()
			return nil, err
		}
		if !authFailed {
			metrics.SpotCallsTotal.WithLabelValues(method, "ok").Inc()
			return body, nil
		}

		lastAuthErr = &errors.SpotError{Method: method, GRPCStatus: grpcUnauthenticated,
			Message: "token rejected"}
		if invErr := c.tokens.Invalidate(ctx, acct, kind); invErr != nil {
			c.logger.Warn().Err(invErr).Str("scope", kind.Name()).Msg("failed to invalidate rejected token")
		}
		if i+1 < len(kinds) {
			c.logger.Info().
				Str("method", method).
				Str("scope", kind.Name()).
				Str("fallback", kinds[i+1].Name()).
				Msg("spot call unauthenticated, retrying with fallback token kind")
		}
	}

	metrics.SpotCallsTotal.WithLabelValues(method, "auth_error").Inc()
	return nil, &errors.SpotError{
		Method:     method,
		GRPCStatus: grpcUnauthenticated,
		Message:    fmt.Sprintf("authentication failed for all token kinds: %v", lastAuthErr),
	}
}

// callOnce performs one HTTP exchange, with a single extra attempt on
// transport-level failure. authFailed reports a 401/403 or gRPC 16/7
// outcome, which the caller resolves by switching token kinds.
func (c *Client) callOnce(ctx context.Context, method, tok string, payload []byte) (body []byte, authFailed bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		body, authFailed, err = c.doExchange(ctx, method, tok, payload)
		if err == nil || !errors.Is(err, errors.ErrTransport) {
			return body, authFailed, err
		}
		c.logger.Warn().Err(err).Str("method", method).Msg("spot transport error, retrying once")
	}
	return nil, false, err
}

func (c *Client) doExchange(ctx context.Context, method, tok string, payload []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method,
		bytes.NewReader(EncodeFrame(payload)))
	if err != nil {
		return nil, false, errors.NewRequestError(errors.KindTransport, method, "spot", err)
	}
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Grpc-Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, errors.NewRequestError(errors.KindTransport, method, "spot", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &errors.SpotError{
			Method:     method,
			HTTPStatus: resp.StatusCode,
			GRPCStatus: -1,
			Message:    resp.Status,
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize+frameHeaderSize))
	if err != nil {
		return nil, false, errors.NewRequestError(errors.KindTransport, method, "spot", err)
	}

	// grpc-status can arrive as a header (trailers-only response) or as a
	// real trailer after the body is drained.
	status, hasStatus := grpcStatus(resp)

	if hasStatus && status != grpcOK {
		msg := grpcMessage(resp)
		if status == grpcUnauthenticated || status == grpcPermissionDenied {
			c.logger.Warn().
				Str("method", method).
				Int("grpc_status", status).
				Str("grpc_message", msg).
				Msg("spot call rejected as unauthenticated")
			return nil, true, nil
		}
		// Other non-zero statuses are "no data", not a failure of the call
		// machinery.
		c.logger.Warn().
			Str("method", method).
			Int("grpc_status", status).
			Str("grpc_message", msg).
			Msg("spot call returned non-ok status, treating as empty")
		return nil, false, nil
	}

	if len(raw) == 0 {
		// Trailers-only with no status header: ambiguous. Empty is fatal
		// only to callers of critical methods, so log accordingly and hand
		// back nothing.
		evt := c.logger.Warn()
		if criticalMethods[method] {
			evt = c.logger.Error()
		}
		evt.Str("method", method).Msg("spot call returned empty trailers-only response")
		return nil, false, nil
	}

	msg, err := DecodeFrame(bytes.NewReader(raw))
	if err != nil {
		return nil, false, err
	}
	return msg, false, nil
}

func grpcStatus(resp *http.Response) (int, bool) {
	raw := resp.Header.Get("Grpc-Status")
	if raw == "" {
		raw = resp.Trailer.Get("Grpc-Status")
	}
	if raw == "" {
		return 0, false
	}
	status, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return status, true
}

func grpcMessage(resp *http.Response) string {
	if msg := resp.Header.Get("Grpc-Message"); msg != "" {
		return msg
	}
	return resp.Trailer.Get("Grpc-Message")
}
