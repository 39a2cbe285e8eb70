package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/myconet/myconet/pkg/api/v1"

	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/credentials"
	"github.com/myconet/myconet/internal/fabric/registry"
)

func newTestConnector(t *testing.T) (*Connector, *credentials.Store) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	creds := credentials.NewStore(log)
	creds.AddProvider(credentials.NewEnvProvider())

	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	return New(creds, cfg, log), creds
}

func readSpec(baseURL string) *registry.IntegrationSpec {
	return &registry.IntegrationSpec{
		Integration:    "httpbin",
		Category:       registry.CategoryResearch,
		Auth:           registry.AuthNone,
		BaseURL:        baseURL,
		DefaultActions: []string{"read", "create", "update", "delete", "call"},
		Risk:           registry.RiskReadOnly,
		Enabled:        true,
	}
}

func cmd(action string, params map[string]any) v1.Command {
	return v1.Command{
		RequestID:   "r1",
		Actor:       "tester",
		Integration: "httpbin",
		Action:      action,
		Params:      params,
	}
}

func TestCallReadSuccess(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Catalog", "spores")
		_ = json.NewEncoder(w).Encode(map[string]any{"species": "P. ostreatus"})
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	data, err := c.Call(context.Background(), readSpec(srv.URL), cmd("read", map[string]any{
		"endpoint": "/records",
		"query":    map[string]any{"limit": 5},
	}))
	require.NoError(t, err)

	assert.Equal(t, "/records", gotPath)
	assert.Equal(t, "limit=5", gotQuery)
	assert.Equal(t, 200, data["http_status"])

	body, ok := data["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "P. ostreatus", body["species"])

	headers, ok := data["headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "spores", headers["X-Catalog"])
}

func TestCallUnsupportedAction(t *testing.T) {
	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), readSpec("http://localhost:1"), cmd("observe", map[string]any{
		"endpoint": "/x",
	}))
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestCallMissingEndpoint(t *testing.T) {
	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), readSpec("http://localhost:1"), cmd("read", map[string]any{}))
	assert.ErrorIs(t, err, ErrMissingEndpoint)
}

func TestCallSendsBodyAndMethod(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	data, err := c.Call(context.Background(), readSpec(srv.URL), cmd("create", map[string]any{
		"endpoint": "/records",
		"body":     map[string]any{"species": "L. edodes"},
	}))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "L. edodes", gotBody["species"])
	assert.Equal(t, 201, data["http_status"])
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("MYCONET_CRED_HTTPBIN_API_KEY", "sk-42")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spec := readSpec(srv.URL)
	spec.Auth = registry.AuthAPIKey

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), spec, cmd("read", map[string]any{"endpoint": "/x"}))
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-42", gotAuth)
}

func TestAPIKeyHeaderOverride(t *testing.T) {
	t.Setenv("MYCONET_CRED_HTTPBIN_API_KEY", "sk-42")

	var gotCustom, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Api-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	params := map[string]any{"endpoint": "/x", "auth_header": "X-Api-Key"}

	t.Run("denied without catalog opt-in", func(t *testing.T) {
		spec := readSpec(srv.URL)
		spec.Auth = registry.AuthAPIKey

		c, _ := newTestConnector(t)
		_, err := c.Call(context.Background(), spec, cmd("read", params))
		require.NoError(t, err)
		assert.Empty(t, gotCustom)
		assert.Equal(t, "Bearer sk-42", gotAuth)
	})

	t.Run("honored with catalog opt-in", func(t *testing.T) {
		spec := readSpec(srv.URL)
		spec.Auth = registry.AuthAPIKey
		spec.Extra = map[string]any{"allow_auth_header_override": true}

		c, _ := newTestConnector(t)
		_, err := c.Call(context.Background(), spec, cmd("read", params))
		require.NoError(t, err)
		assert.Equal(t, "sk-42", gotCustom)
		assert.Empty(t, gotAuth)
	})
}

func TestAPIKeyCatalogHeader(t *testing.T) {
	t.Setenv("MYCONET_CRED_HTTPBIN_API_KEY", "sk-42")

	var gotHeader, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-SporeDB-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spec := readSpec(srv.URL)
	spec.Auth = registry.AuthAPIKey
	spec.Extra = map[string]any{"api_key_header": "X-SporeDB-Key"}

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), spec, cmd("read", map[string]any{"endpoint": "/x"}))
	require.NoError(t, err)
	assert.Equal(t, "sk-42", gotHeader)
	assert.Empty(t, gotAuth)
}

func TestBasicAuth(t *testing.T) {
	t.Setenv("MYCONET_CRED_HTTPBIN_USERNAME", "relay")
	t.Setenv("MYCONET_CRED_HTTPBIN_PASSWORD", "s3cret")

	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spec := readSpec(srv.URL)
	spec.Auth = registry.AuthBasic

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), spec, cmd("read", map[string]any{"endpoint": "/x"}))
	require.NoError(t, err)
	assert.Equal(t, "relay", gotUser)
	assert.Equal(t, "s3cret", gotPass)
}

func TestMissingCredentialIsUnauthorized(t *testing.T) {
	spec := readSpec("http://localhost:1")
	spec.Auth = registry.AuthAPIKey

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), spec, cmd("read", map[string]any{"endpoint": "/x"}))

	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}

func TestOAuth2RefreshOnce(t *testing.T) {
	t.Setenv("MYCONET_CRED_HTTPBIN_TOKEN", "stale")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spec := readSpec(srv.URL)
	spec.Auth = registry.AuthOAuth2

	c, creds := newTestConnector(t)

	// Warm the token cache with the stale value, then rotate the
	// environment so Refresh resolves the fresh one.
	_, err := creds.Get(context.Background(), "httpbin", credentials.KindOAuth2)
	require.NoError(t, err)
	t.Setenv("MYCONET_CRED_HTTPBIN_TOKEN", "fresh")

	data, err := c.Call(context.Background(), spec, cmd("read", map[string]any{"endpoint": "/x"}))
	require.NoError(t, err)
	assert.Equal(t, 200, data["http_status"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryOn5xxForGET(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	data, err := c.Call(context.Background(), readSpec(srv.URL), cmd("read", map[string]any{"endpoint": "/x"}))
	require.NoError(t, err)
	assert.Equal(t, 200, data["http_status"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostDoesNotRetryWithoutIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), readSpec(srv.URL), cmd("create", map[string]any{"endpoint": "/x"}))

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 500, upstream.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostRetriesWithIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	data, err := c.Call(context.Background(), readSpec(srv.URL), cmd("create", map[string]any{
		"endpoint":        "/x",
		"idempotency_key": "idem-7",
	}))
	require.NoError(t, err)
	assert.Equal(t, 200, data["http_status"])
	assert.Equal(t, "idem-7", gotKey)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpstreamErrorCarriesSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"reason":"duplicate"}`))
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), readSpec(srv.URL), cmd("read", map[string]any{"endpoint": "/x"}))

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 409, upstream.StatusCode)
	assert.Contains(t, upstream.Snippet, "duplicate")
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c, _ := newTestConnector(t)
	_, err := c.Call(context.Background(), readSpec(srv.URL), cmd("read", map[string]any{"endpoint": "/x"}))

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Greater(t, transient.RetryAfter, time.Duration(0))
}

func TestDeadlineSurfacesAsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, _ := newTestConnector(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, readSpec(srv.URL), cmd("read", map[string]any{"endpoint": "/x"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	creds := credentials.NewStore(log)
	creds.AddProvider(credentials.NewEnvProvider())

	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.BreakerFailures = 2
	c := New(creds, cfg, log)

	spec := readSpec(srv.URL)
	params := map[string]any{"endpoint": "/x"}

	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), spec, cmd("create", params))
		var upstream *UpstreamError
		require.ErrorAs(t, err, &upstream)
	}
	before := calls.Load()

	_, err = c.Call(context.Background(), spec, cmd("create", params))
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, before, calls.Load(), "open circuit must not reach the upstream")
	assert.Equal(t, cfg.BreakerCooldown, transient.RetryAfter)
}
