// Package gauth talks to the Android account authentication endpoint. It
// covers the two exchanges this client needs: trading a browser OAuth token
// for a long-lived AAS token, and minting short-lived scoped tokens from the
// AAS token.
package gauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfmd/findmygo/internal/errors"
)

const (
	// AuthURL is the Android auth endpoint shared by both exchanges.
	AuthURL = "https://android.clients.google.com/auth"

	userAgent = "GoogleAuth/1.4 (linux; findmygo)"

	// Scoped token requests identify as a specific app install. The
	// signature is the app's published signing certificate digest.
	AppADM     = "com.google.android.apps.adm"
	AppGMS     = "com.google.android.gms"
	ClientSig  = "38918a453d07199354f8b19af05ec6562ced5788"
	sdkVersion = "17"
)

// ScopedToken is a minted access token plus its server-reported expiry.
// Expiry is zero when the server omitted it.
type ScopedToken struct {
	Token  string
	Expiry time.Time
}

// Client performs auth endpoint exchanges. The HTTP client is injected so
// callers can share a transport with cached DNS.
type Client struct {
	http    *http.Client
	baseURL string
	logger  zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL overrides the auth endpoint, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates an auth endpoint client.
func New(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: AuthURL,
		logger:  logger.With().Str("component", "gauth").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExchangeToken trades a browser-flow OAuth token for an AAS token. The AAS
// token is long-lived and is the root credential for all scoped tokens.
func (c *Client) ExchangeToken(ctx context.Context, email, oauthToken string, androidID uint64) (string, error) {
	form := url.Values{
		"accountType":     {"HOSTED_OR_GOOGLE"},
		"Email":           {email},
		"has_permission":  {"1"},
		"add_account":     {"1"},
		"ACCESS_TOKEN":    {"1"},
		"Token":           {oauthToken},
		"service":         {"ac2dm"},
		"source":          {"android"},
		"androidId":       {fmt.Sprintf("%x", androidID)},
		"device_country":  {"us"},
		"operatorCountry": {"us"},
		"lang":            {"en"},
		"sdk_version":     {sdkVersion},
	}

	resp, err := c.post(ctx, "exchange_token", form)
	if err != nil {
		return "", err
	}

	token, ok := resp["Token"]
	if !ok || token == "" {
		return "", errors.NewRequestError(errors.KindAuth, "exchange_token", "",
			fmt.Errorf("auth response missing Token field"))
	}
	c.logger.Debug().Str("email", email).Msg("exchanged oauth token for aas token")
	return token, nil
}

// PerformOAuth mints a scoped access token from an AAS token. scope is the
// bare scope name, app identifies the requesting package.
func (c *Client) PerformOAuth(ctx context.Context, email, aasToken string, androidID uint64, scope, app string) (ScopedToken, error) {
	form := url.Values{
		"accountType":     {"HOSTED_OR_GOOGLE"},
		"Email":           {email},
		"has_permission":  {"1"},
		"EncryptedPasswd": {aasToken},
		"service":         {"oauth2:https://www.googleapis.com/auth/" + scope},
		"source":          {"android"},
		"androidId":       {fmt.Sprintf("%x", androidID)},
		"app":             {app},
		"client_sig":      {ClientSig},
		"device_country":  {"us"},
		"operatorCountry": {"us"},
		"lang":            {"en"},
		"sdk_version":     {sdkVersion},
	}

	resp, err := c.post(ctx, "perform_oauth", form)
	if err != nil {
		return ScopedToken{}, err
	}

	auth, ok := resp["Auth"]
	if !ok || auth == "" {
		return ScopedToken{}, errors.NewRequestError(errors.KindAuth, "perform_oauth", scope,
			fmt.Errorf("auth response missing Auth field"))
	}

	tok := ScopedToken{Token: auth}
	if raw, ok := resp["Expiry"]; ok {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil && sec > 0 {
			tok.Expiry = time.Unix(sec, 0)
		}
	}
	c.logger.Debug().
		Str("email", email).
		Str("scope", scope).
		Bool("has_expiry", !tok.Expiry.IsZero()).
		Msg("minted scoped token")
	return tok, nil
}

func (c *Client) post(ctx context.Context, op string, form url.Values) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.NewRequestError(errors.KindTransport, op, "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NewRequestError(errors.KindTransport, op, "", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewRequestError(errors.KindTransport, op, "", err)
	}

	fields := parseResponse(string(body))

	if httpResp.StatusCode != http.StatusOK {
		kind := errors.KindServer
		if httpResp.StatusCode == http.StatusForbidden || httpResp.StatusCode == http.StatusUnauthorized ||
			httpResp.StatusCode == http.StatusBadRequest {
			kind = errors.KindAuth
		}
		msg := fields["Error"]
		if msg == "" {
			msg = httpResp.Status
		}
		return nil, errors.NewRequestError(kind, op, "",
			fmt.Errorf("auth endpoint rejected request: %s", msg)).
			WithStatusCode(httpResp.StatusCode)
	}

	if msg, ok := fields["Error"]; ok {
		return nil, errors.NewRequestError(errors.KindAuth, op, "",
			fmt.Errorf("auth endpoint error: %s", msg))
	}
	return fields, nil
}

// parseResponse splits the endpoint's key=value line format. Lines without
// an equals sign are ignored.
func parseResponse(body string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}
		fields[key] = value
	}
	return fields
}
