// Package connector implements the generic HTTP dispatch path used by
// every catalog integration without a native handler. It maps fabric
// actions onto HTTP methods, applies the integration's auth mode from
// the credentials store, and guards each upstream with retry and a
// circuit breaker.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	v1 "github.com/myconet/myconet/pkg/api/v1"

	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/credentials"
	"github.com/myconet/myconet/internal/fabric/registry"
)

// actionMethods maps fabric actions onto HTTP methods.
var actionMethods = map[string]string{
	"read":   http.MethodGet,
	"create": http.MethodPost,
	"update": http.MethodPut,
	"patch":  http.MethodPatch,
	"delete": http.MethodDelete,
	"call":   http.MethodPost,
}

// retryableMethods are safe to re-send without an idempotency key.
var retryableMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

const (
	maxResponseBytes = 1 << 20 // cap on upstream bodies held in memory
	errSnippetBytes  = 2048
)

// Config controls retry and circuit breaker behavior.
type Config struct {
	// MaxAttempts bounds total delivery attempts for retryable requests.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt
	// with jitter.
	RetryBase time.Duration
	// BreakerFailures is the consecutive-failure count that opens an
	// integration's circuit.
	BreakerFailures uint32
	// BreakerCooldown is how long an open circuit stays open.
	BreakerCooldown time.Duration
	// RequestTimeout is a safety bound on a single HTTP exchange; the
	// caller's context carries the real dispatch deadline.
	RequestTimeout time.Duration
}

// DefaultConfig returns production connector settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		RetryBase:       200 * time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		RequestTimeout:  60 * time.Second,
	}
}

// Connector performs outbound HTTP calls for catalog integrations.
type Connector struct {
	httpClient *http.Client
	creds      *credentials.Store
	cfg        Config
	logger     *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a connector backed by the given credentials store.
func New(creds *credentials.Store, cfg Config, log *logger.Logger) *Connector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultConfig().BreakerCooldown
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Connector{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		creds:      creds,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "connector")),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// httpResult is one upstream exchange after body capture.
type httpResult struct {
	status int
	body   []byte
	header http.Header
}

// Call dispatches one command against a non-native integration and
// returns the normalized response map {http_status, body, headers}.
func (c *Connector) Call(ctx context.Context, spec *registry.IntegrationSpec, cmd v1.Command) (map[string]any, error) {
	method, ok := actionMethods[cmd.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, cmd.Action)
	}

	endpoint, _ := stringParam(cmd.Params, "endpoint")
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}

	target, err := buildURL(spec.BaseURL, endpoint, cmd.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingEndpoint, err)
	}

	var body []byte
	if raw, ok := cmd.Params["body"]; ok && raw != nil {
		body, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	idempotencyKey, _ := stringParam(cmd.Params, "idempotency_key")
	retryable := retryableMethods[method] || idempotencyKey != ""

	token, basicCred, err := c.resolveAuth(ctx, spec)
	if err != nil {
		return nil, err
	}

	newReq := func(tok string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		c.applyAuth(req, spec, cmd.Params, tok, basicCred)
		return req, nil
	}

	out, err := c.breaker(spec.Integration).Execute(func() (any, error) {
		res, err := c.doAttempts(ctx, newReq, token, retryable)
		if err != nil {
			return nil, err
		}

		// OAuth2 tokens are refreshed exactly once on a 401.
		if res.status == http.StatusUnauthorized && spec.Auth == registry.AuthOAuth2 {
			cred, rerr := c.creds.Refresh(ctx, spec.Integration)
			if rerr == nil {
				res, err = c.doAttempts(ctx, newReq, cred.Token, retryable)
				if err != nil {
					return nil, err
				}
			}
		}

		if res.status >= 500 {
			return nil, &UpstreamError{StatusCode: res.status, Snippet: snippet(res.body)}
		}
		return res, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			c.logger.Warn("circuit open",
				zap.String("integration", spec.Integration))
			return nil, &TransientError{
				Reason:     fmt.Sprintf("circuit open for %s", spec.Integration),
				RetryAfter: c.cfg.BreakerCooldown,
			}
		}
		return nil, err
	}

	res := out.(*httpResult)
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return nil, &UnauthorizedError{
			Integration: spec.Integration,
			Reason:      fmt.Sprintf("upstream rejected credentials with %d", res.status),
		}
	case res.status < 200 || res.status > 299:
		return nil, &UpstreamError{StatusCode: res.status, Snippet: snippet(res.body)}
	}

	return normalize(res), nil
}

// doAttempts performs the request with bounded retry. Transport errors
// and 5xx responses are retried for retryable requests; the final 5xx
// is returned as a result so the caller can classify it.
func (c *Connector) doAttempts(ctx context.Context, newReq func(string) (*http.Request, error), token string, retryable bool) (*httpResult, error) {
	attempts := 1
	if retryable {
		attempts = c.cfg.MaxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitteredBackoff(c.cfg.RetryBase, i)):
			}
		}

		req, err := newReq(token)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		res, err := readResult(resp)
		if err != nil {
			lastErr = err
			continue
		}

		if res.status >= 500 && i < attempts-1 {
			lastErr = fmt.Errorf("upstream returned %d", res.status)
			continue
		}
		return res, nil
	}

	return nil, &TransientError{
		Reason:     lastErr.Error(),
		RetryAfter: jitteredBackoff(c.cfg.RetryBase, attempts),
	}
}

// resolveAuth fetches the credential demanded by the spec's auth mode.
func (c *Connector) resolveAuth(ctx context.Context, spec *registry.IntegrationSpec) (string, *credentials.Credential, error) {
	switch spec.Auth {
	case registry.AuthNone, "":
		return "", nil, nil
	case registry.AuthAPIKey:
		cred, err := c.creds.Get(ctx, spec.Integration, credentials.KindAPIKey)
		if err != nil {
			return "", nil, &UnauthorizedError{Integration: spec.Integration, Reason: "api key unavailable"}
		}
		return cred.Token, nil, nil
	case registry.AuthBasic:
		cred, err := c.creds.Get(ctx, spec.Integration, credentials.KindBasic)
		if err != nil {
			return "", nil, &UnauthorizedError{Integration: spec.Integration, Reason: "basic credentials unavailable"}
		}
		return "", cred, nil
	case registry.AuthOAuth2:
		cred, err := c.creds.Get(ctx, spec.Integration, credentials.KindOAuth2)
		if err != nil {
			return "", nil, &UnauthorizedError{Integration: spec.Integration, Reason: "oauth2 token unavailable"}
		}
		return cred.Token, nil, nil
	default:
		return "", nil, &UnauthorizedError{Integration: spec.Integration, Reason: fmt.Sprintf("unknown auth mode %q", spec.Auth)}
	}
}

// applyAuth sets the request's auth header. API keys default to a
// standard bearer; a catalog entry may declare its own header via
// Extra["api_key_header"], and callers may override it per command
// only when the entry sets Extra["allow_auth_header_override"].
// Custom headers carry the bare key.
func (c *Connector) applyAuth(req *http.Request, spec *registry.IntegrationSpec, params map[string]any, token string, basicCred *credentials.Credential) {
	switch spec.Auth {
	case registry.AuthBasic:
		if basicCred != nil {
			req.SetBasicAuth(basicCred.Username, basicCred.Password)
		}
	case registry.AuthAPIKey:
		if header, ok := stringParam(params, "auth_header"); ok && header != "" && allowHeaderOverride(spec) {
			req.Header.Set(header, token)
			return
		}
		if header, ok := spec.Extra["api_key_header"].(string); ok && header != "" {
			req.Header.Set(header, token)
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case registry.AuthOAuth2:
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func allowHeaderOverride(spec *registry.IntegrationSpec) bool {
	v, ok := spec.Extra["allow_auth_header_override"]
	if !ok {
		return false
	}
	allowed, ok := v.(bool)
	return ok && allowed
}

// breaker returns the integration's circuit breaker, creating it on
// first use.
func (c *Connector) breaker(integration string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[integration]; ok {
		return cb
	}

	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        integration,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit state change",
				zap.String("integration", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[integration] = cb
	return cb
}

func readResult(resp *http.Response) (*httpResult, error) {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &httpResult{status: resp.StatusCode, body: body, header: resp.Header}, nil
}

// normalize converts an exchange into the wire response map. JSON
// bodies are decoded; anything else is passed through as a string.
func normalize(res *httpResult) map[string]any {
	var body any
	if len(res.body) > 0 {
		if err := json.Unmarshal(res.body, &body); err != nil {
			body = string(res.body)
		}
	}

	headers := make(map[string]string, len(res.header))
	for key := range res.header {
		headers[key] = res.header.Get(key)
	}

	return map[string]any{
		"http_status": res.status,
		"body":        body,
		"headers":     headers,
	}
}

// buildURL joins the base URL with the endpoint path and encodes the
// params.query map.
func buildURL(base, endpoint string, params map[string]any) (string, error) {
	target := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	if raw, ok := params["query"]; ok && raw != nil {
		queryMap, ok := raw.(map[string]any)
		if !ok {
			return "", fmt.Errorf("query must be an object")
		}
		q := u.Query()
		for key, value := range queryMap {
			q.Set(key, fmt.Sprint(value))
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func stringParam(params map[string]any, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// jitteredBackoff doubles the base per attempt and jitters the result
// into [d/2, d) so synchronized retries spread out.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

func snippet(body []byte) string {
	if len(body) > errSnippetBytes {
		body = body[:errSnippetBytes]
	}
	return string(body)
}
