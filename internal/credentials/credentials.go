// Package credentials resolves per-integration secrets for outbound
// fabric calls. Secrets come from pluggable providers (environment,
// file) and are fetched per call; only OAuth2 tokens are cached, with
// a TTL, so Refresh can force re-resolution after a 401.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/common/logger"
)

// Credential kinds
const (
	KindAPIKey = "api_key"
	KindBasic  = "basic"
	KindOAuth2 = "oauth2"
)

// DefaultTokenTTL bounds how long a resolved OAuth2 token is reused
// before the store re-consults its providers.
const DefaultTokenTTL = 5 * time.Minute

// Common errors
var (
	ErrNotFound    = errors.New("credential not found")
	ErrUnknownKind = errors.New("unknown credential kind")
)

// Credential is a resolved secret for one integration. Token carries
// api_key and oauth2 material; Username/Password carry basic auth.
// Values are never logged.
type Credential struct {
	Integration string
	Kind        string
	Token       string
	Username    string
	Password    string
	Source      string // provider that supplied it
	FetchedAt   time.Time
}

// Provider resolves credentials from one secret source.
type Provider interface {
	// Lookup retrieves the credential for an integration and kind.
	Lookup(ctx context.Context, integration, kind string) (*Credential, error)

	// Name returns the provider name.
	Name() string
}

// reloader is implemented by providers that can re-read their backing
// source (the file provider). Refresh invokes it before re-resolving.
type reloader interface {
	Reload() error
}

// Store resolves credentials from an ordered provider list. The first
// provider that can answer wins.
type Store struct {
	providers []Provider
	tokens    map[string]*Credential // oauth2 only, keyed by integration
	tokenTTL  time.Duration
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewStore creates an empty credential store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		providers: make([]Provider, 0),
		tokens:    make(map[string]*Credential),
		tokenTTL:  DefaultTokenTTL,
		logger:    log.WithFields(zap.String("component", "credentials")),
	}
}

// AddProvider appends a provider. Earlier providers take precedence.
func (s *Store) AddProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.providers = append(s.providers, p)
	s.logger.Info("added credential provider", zap.String("provider", p.Name()))
}

// Get resolves a credential for the integration and kind. OAuth2
// tokens are served from the TTL cache when fresh; everything else is
// looked up per call.
func (s *Store) Get(ctx context.Context, integration, kind string) (*Credential, error) {
	switch kind {
	case KindAPIKey, KindBasic, KindOAuth2:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if kind == KindOAuth2 {
		s.mu.RLock()
		cached, ok := s.tokens[integration]
		s.mu.RUnlock()
		if ok && time.Since(cached.FetchedAt) < s.tokenTTL {
			return cached, nil
		}
	}

	cred, err := s.lookup(ctx, integration, kind)
	if err != nil {
		return nil, err
	}

	if kind == KindOAuth2 {
		s.mu.Lock()
		s.tokens[integration] = cred
		s.mu.Unlock()
	}
	return cred, nil
}

// Refresh drops any cached OAuth2 token for the integration, reloads
// file-backed providers, and resolves a fresh token. Callers use it
// after an upstream 401.
func (s *Store) Refresh(ctx context.Context, integration string) (*Credential, error) {
	s.mu.Lock()
	delete(s.tokens, integration)
	providers := make([]Provider, len(s.providers))
	copy(providers, s.providers)
	s.mu.Unlock()

	for _, p := range providers {
		if r, ok := p.(reloader); ok {
			if err := r.Reload(); err != nil {
				s.logger.Warn("credential provider reload failed",
					zap.String("provider", p.Name()),
					zap.Error(err))
			}
		}
	}

	return s.Get(ctx, integration, KindOAuth2)
}

// Has reports whether a credential can be resolved.
func (s *Store) Has(ctx context.Context, integration, kind string) bool {
	_, err := s.Get(ctx, integration, kind)
	return err == nil
}

func (s *Store) lookup(ctx context.Context, integration, kind string) (*Credential, error) {
	s.mu.RLock()
	providers := make([]Provider, len(s.providers))
	copy(providers, s.providers)
	s.mu.RUnlock()

	for _, p := range providers {
		cred, err := p.Lookup(ctx, integration, kind)
		if err == nil {
			s.logger.Debug("credential resolved",
				zap.String("integration", integration),
				zap.String("kind", kind),
				zap.String("source", cred.Source))
			return cred, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
		}
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, integration, kind)
}

// credentialFromFields assembles a Credential of the requested kind
// from a provider's field map (api_key, username, password, token).
func credentialFromFields(integration, kind, source string, fields map[string]string) (*Credential, error) {
	cred := &Credential{
		Integration: integration,
		Kind:        kind,
		Source:      source,
		FetchedAt:   time.Now().UTC(),
	}

	switch kind {
	case KindAPIKey:
		if fields["api_key"] == "" {
			return nil, ErrNotFound
		}
		cred.Token = fields["api_key"]
	case KindBasic:
		if fields["username"] == "" || fields["password"] == "" {
			return nil, ErrNotFound
		}
		cred.Username = fields["username"]
		cred.Password = fields["password"]
	case KindOAuth2:
		if fields["token"] == "" {
			return nil, ErrNotFound
		}
		cred.Token = fields["token"]
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return cred, nil
}
