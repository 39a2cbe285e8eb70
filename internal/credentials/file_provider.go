package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// FileProvider resolves credentials from a YAML file:
//
//	credentials:
//	  spore-db:
//	    api_key: "..."
//	  field-reports:
//	    username: "relay"
//	    password: "..."
//	  token-ledger:
//	    token: "..."
//
// The file is read lazily and cached; Reload re-reads it so rotated
// secrets become visible.
type FileProvider struct {
	path    string
	entries map[string]map[string]string
	mu      sync.RWMutex
	loaded  bool
}

// NewFileProvider creates a file-backed provider for the given path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{
		path:    path,
		entries: make(map[string]map[string]string),
	}
}

// Name returns the provider name.
func (p *FileProvider) Name() string {
	return "file"
}

// Lookup retrieves the integration's credential fields from the file.
func (p *FileProvider) Lookup(ctx context.Context, integration, kind string) (*Credential, error) {
	if err := p.load(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	fields, ok := p.entries[strings.ToLower(integration)]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	return credentialFromFields(integration, kind, "file", fields)
}

// Reload forces a re-read of the credentials file.
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	p.loaded = false
	p.entries = make(map[string]map[string]string)
	p.mu.Unlock()

	return p.load()
}

// load parses the YAML file. A missing file is not an error, just no
// credentials.
func (p *FileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(p.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.loaded = true
			return nil
		}
		return fmt.Errorf("read credentials file %s: %w", p.path, err)
	}

	for name := range v.GetStringMap("credentials") {
		fields := v.GetStringMapString("credentials." + name)
		p.entries[strings.ToLower(name)] = fields
	}

	p.loaded = true
	return nil
}
