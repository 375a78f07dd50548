package gauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfmd/findmygo/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(zerolog.Nop(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestExchangeToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user@gmail.com", r.PostForm.Get("Email"))
		assert.Equal(t, "oauth2_4/abc", r.PostForm.Get("Token"))
		assert.Equal(t, "1", r.PostForm.Get("ACCESS_TOKEN"))
		assert.Equal(t, "ac2dm", r.PostForm.Get("service"))
		assert.NotEmpty(t, r.PostForm.Get("androidId"))

		w.Write([]byte("SID=000\nToken=aas_et/FAKE\nEmail=user@gmail.com\n"))
	})

	token, err := c.ExchangeToken(context.Background(), "user@gmail.com", "oauth2_4/abc", 0x1234)
	require.NoError(t, err)
	assert.Equal(t, "aas_et/FAKE", token)
}

func TestExchangeTokenBadCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("Error=BadAuthentication\n"))
	})

	_, err := c.ExchangeToken(context.Background(), "user@gmail.com", "stale", 0x1234)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "BadAuthentication")
}

func TestPerformOAuth(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Unix()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "aas_et/FAKE", r.PostForm.Get("EncryptedPasswd"))
		assert.Equal(t, "oauth2:https://www.googleapis.com/auth/android_device_manager",
			r.PostForm.Get("service"))
		assert.Equal(t, AppADM, r.PostForm.Get("app"))
		assert.Equal(t, ClientSig, r.PostForm.Get("client_sig"))

		w.Write([]byte("Auth=ya29.scoped\nExpiry=" + strconv.FormatInt(expiry, 10) + "\n"))
	})

	tok, err := c.PerformOAuth(context.Background(), "user@gmail.com", "aas_et/FAKE",
		0x1234, "android_device_manager", AppADM)
	require.NoError(t, err)
	assert.Equal(t, "ya29.scoped", tok.Token)
	assert.Equal(t, expiry, tok.Expiry.Unix())
}

func TestPerformOAuthNoExpiry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Auth=ya29.scoped\n"))
	})

	tok, err := c.PerformOAuth(context.Background(), "user@gmail.com", "aas_et/FAKE",
		0x1234, "spot", AppGMS)
	require.NoError(t, err)
	assert.Equal(t, "ya29.scoped", tok.Token)
	assert.True(t, tok.Expiry.IsZero())
}

func TestPerformOAuthErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Endpoint reports failures in the body even on 200.
		w.Write([]byte("Error=NeedsBrowser\n"))
	})

	_, err := c.PerformOAuth(context.Background(), "user@gmail.com", "aas_et/FAKE",
		0x1234, "spot", AppGMS)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
}

func TestParseResponse(t *testing.T) {
	fields := parseResponse("A=1\nB=two=three\n\nignored line\n=nokey\nC=\n")
	assert.Equal(t, "1", fields["A"])
	assert.Equal(t, "two=three", fields["B"])
	assert.Equal(t, "", fields["C"])
	assert.NotContains(t, fields, "ignored line")
	assert.Len(t, fields, 3)
}
