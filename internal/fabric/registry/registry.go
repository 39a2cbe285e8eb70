// Package registry serves the typed integration catalog consulted on
// every fabric command.
package registry

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/common/logger"
)

//go:embed integrations.json
var defaultCatalogFS embed.FS

// Common errors
var (
	ErrUnknownIntegration = errors.New("unknown integration")
	ErrInvalidCatalog     = errors.New("invalid integration catalog")
)

// Auth modes
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
	AuthOAuth2 = "oauth2"
)

// Risk levels
const (
	RiskReadOnly = "read_only"
	RiskWrite    = "write"
	RiskAdmin    = "admin"
)

// Categories
const (
	CategoryCommunication = "communication"
	CategoryResearch      = "research"
	CategoryLedger        = "ledger"
	CategoryStorage       = "storage"
	CategoryBus           = "bus"
	CategoryStore         = "store"
	CategoryCustom        = "custom"
)

var knownCategories = map[string]bool{
	CategoryCommunication: true,
	CategoryResearch:      true,
	CategoryLedger:        true,
	CategoryStorage:       true,
	CategoryBus:           true,
	CategoryStore:         true,
	CategoryCustom:        true,
}

var knownAuth = map[string]bool{
	AuthNone:   true,
	AuthAPIKey: true,
	AuthBasic:  true,
	AuthOAuth2: true,
}

var knownRisk = map[string]bool{
	RiskReadOnly: true,
	RiskWrite:    true,
	RiskAdmin:    true,
}

// IntegrationSpec describes one catalog entry. Unknown JSON fields are
// preserved in Extra but not interpreted.
type IntegrationSpec struct {
	Integration     string         `json:"integration"`
	Category        string         `json:"category"`
	Native          bool           `json:"native"`
	Auth            string         `json:"auth"`
	BaseURL         string         `json:"base_url,omitempty"`
	DefaultActions  []string       `json:"default_actions"`
	Risk            string         `json:"risk"`
	ConfirmRequired bool           `json:"confirm_required"`
	Enabled         bool           `json:"enabled"`
	Extra           map[string]any `json:"-"`
}

// specAlias avoids UnmarshalJSON recursion.
type specAlias IntegrationSpec

var specKnownFields = []string{
	"integration", "category", "native", "auth", "base_url",
	"default_actions", "risk", "confirm_required", "enabled",
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (s *IntegrationSpec) UnmarshalJSON(data []byte) error {
	var alias specAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range specKnownFields {
		delete(raw, key)
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*s = IntegrationSpec(alias)
	return nil
}

// AllowsAction reports whether the action is in the spec's default set.
func (s *IntegrationSpec) AllowsAction(action string) bool {
	for _, a := range s.DefaultActions {
		if a == action {
			return true
		}
	}
	return false
}

type catalogFile struct {
	Version      string             `json:"version"`
	Integrations []*IntegrationSpec `json:"integrations"`
}

type snapshot struct {
	version  string
	specs    map[string]*IntegrationSpec
	loadedAt time.Time
}

// Registry holds the active catalog snapshot. Reload swaps snapshots
// atomically; in-flight commands keep whichever snapshot they resolved
// against.
type Registry struct {
	logger  *logger.Logger
	current atomic.Pointer[snapshot]
}

// New creates a registry preloaded with the embedded default catalog.
func New(log *logger.Logger) (*Registry, error) {
	data, err := defaultCatalogFS.ReadFile("integrations.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded catalog: %w", err)
	}
	snap, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}

	r := &Registry{logger: log.WithFields(zap.String("component", "registry"))}
	r.current.Store(snap)
	return r, nil
}

// LoadFromFile replaces the catalog with the given file. The swap is
// all-or-nothing: any invalid entry leaves the current snapshot in place.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", path, err)
	}
	snap, err := parseCatalog(data)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}

	r.current.Store(snap)
	r.logger.Info("Integration catalog loaded",
		zap.String("path", path),
		zap.String("version", snap.version),
		zap.Int("integrations", len(snap.specs)))
	return nil
}

// Reload re-reads the catalog file and swaps the snapshot.
func (r *Registry) Reload(path string) error {
	return r.LoadFromFile(path)
}

// Resolve returns the spec for an integration name. Enabled gating is the
// caller's concern.
func (r *Registry) Resolve(name string) (*IntegrationSpec, error) {
	snap := r.current.Load()
	spec, ok := snap.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, name)
	}
	return spec, nil
}

// List returns all specs sorted by integration name.
func (r *Registry) List() []*IntegrationSpec {
	snap := r.current.Load()
	out := make([]*IntegrationSpec, 0, len(snap.specs))
	for _, spec := range snap.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Integration < out[j].Integration })
	return out
}

// Version returns the active catalog version string.
func (r *Registry) Version() string {
	return r.current.Load().version
}

// LoadedAt returns when the active snapshot was installed.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

func parseCatalog(data []byte) (*snapshot, error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if file.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidCatalog)
	}

	specs := make(map[string]*IntegrationSpec, len(file.Integrations))
	for _, spec := range file.Integrations {
		if err := validateSpec(spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if _, dup := specs[spec.Integration]; dup {
			return nil, fmt.Errorf("%w: duplicate integration %q", ErrInvalidCatalog, spec.Integration)
		}
		specs[spec.Integration] = spec
	}

	return &snapshot{
		version:  file.Version,
		specs:    specs,
		loadedAt: time.Now().UTC(),
	}, nil
}

func validateSpec(spec *IntegrationSpec) error {
	if spec.Integration == "" {
		return fmt.Errorf("entry with empty integration name")
	}
	if !knownCategories[spec.Category] {
		return fmt.Errorf("integration %q: unknown category %q", spec.Integration, spec.Category)
	}
	if spec.Auth == "" {
		spec.Auth = AuthNone
	}
	if !knownAuth[spec.Auth] {
		return fmt.Errorf("integration %q: unknown auth %q", spec.Integration, spec.Auth)
	}
	if !knownRisk[spec.Risk] {
		return fmt.Errorf("integration %q: unknown risk %q", spec.Integration, spec.Risk)
	}
	if !spec.Native {
		if spec.BaseURL == "" {
			return fmt.Errorf("integration %q: non-native entries require base_url", spec.Integration)
		}
		u, err := url.Parse(spec.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("integration %q: invalid base_url %q", spec.Integration, spec.BaseURL)
		}
	}
	if spec.Risk == RiskAdmin && !spec.ConfirmRequired {
		return fmt.Errorf("integration %q: admin risk requires confirm_required", spec.Integration)
	}
	return nil
}
