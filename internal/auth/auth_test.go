package auth_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specfuzz/specfuzz/internal/auth"
)

func TestNoneAttachesNothing(t *testing.T) {
	h, err := auth.None{}.Headers(context.Background(), "GET /x")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestStaticBearerToken(t *testing.T) {
	h, err := auth.Static{Token: "sekrit"}.Headers(context.Background(), "GET /x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", h["Authorization"])
}

func TestTokenEndpointFetchesOnce(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "alice")
		w.Write([]byte(`{"data":{"token":"tok-123"}}`))
	}))
	defer srv.Close()

	provider := &auth.TokenEndpoint{
		URL:         srv.URL,
		ContentType: "application/json",
		Body:        `{"user":"alice","pass":"pw"}`,
		Key:         "data.token",
	}

	for i := 0; i < 3; i++ {
		h, err := provider.Headers(context.Background(), "GET /x")
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-123", h["Authorization"])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "the token is fetched once per campaign")
}

func TestTokenEndpointBareTokenFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"bare-token"`))
	}))
	defer srv.Close()

	provider := &auth.TokenEndpoint{URL: srv.URL, Key: "token"}
	h, err := provider.Headers(context.Background(), "GET /x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer bare-token", h["Authorization"])
}

func TestTokenEndpointLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := &auth.TokenEndpoint{URL: srv.URL, Key: "token"}
	_, err := provider.Headers(context.Background(), "GET /x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	// The failure is sticky: the fetch is not retried.
	_, err2 := provider.Headers(context.Background(), "GET /x")
	assert.Equal(t, err, err2)
}

func TestTokenEndpointMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unrelated":1}`)) // no token anywhere
	}))
	defer srv.Close()

	provider := &auth.TokenEndpoint{URL: srv.URL, Key: "data.token"}
	_, err := provider.Headers(context.Background(), "GET /x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}
