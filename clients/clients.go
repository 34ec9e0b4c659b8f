// Package clients defines the registry of client applications allowed to
// request authorization. The registry is read-only to the core flows; this
// package ships an in-memory implementation and a YAML file loader for the
// daemon. Client secrets are stored as bcrypt hashes, never in the clear.
package clients

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no client matches the client_id.
var ErrNotFound = errors.New("client not found")

// Client is a registered client application.
type Client struct {
	// ClientID is the public client identifier, unique across the registry.
	ClientID string

	// ClientSecretHash is the bcrypt hash of the client secret.
	ClientSecretHash string

	// RedirectURIs is the set of redirect URIs the client may use. Redirect
	// targets are matched exactly against this set.
	RedirectURIs []string
}

// AllowsRedirectURI reports whether the redirect URI is registered for the
// client.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// Registry is the client registry contract.
type Registry interface {
	// FindByClientID returns the client or ErrNotFound.
	FindByClientID(ctx context.Context, clientID string) (*Client, error)
}

// MemoryRegistry is an in-memory client registry.
type MemoryRegistry struct {
	mu         sync.RWMutex
	byClientID map[string]*Client
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byClientID: make(map[string]*Client)}
}

// Add registers a client, failing when the client_id is already taken.
func (r *MemoryRegistry) Add(c *Client) error {
	if c == nil || c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.ClientSecretHash == "" {
		return fmt.Errorf("client secret hash is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byClientID[c.ClientID]; ok {
		return fmt.Errorf("client %q already registered", c.ClientID)
	}

	stored := *c
	stored.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	r.byClientID[c.ClientID] = &stored
	return nil
}

// FindByClientID returns the client or ErrNotFound.
func (r *MemoryRegistry) FindByClientID(_ context.Context, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byClientID[clientID]
	if !ok {
		return nil, ErrNotFound
	}

	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &out, nil
}

// clientYAML is the on-disk shape of a registry entry. Either a bcrypt
// client_secret_hash or a plaintext client_secret may be given; plaintext
// secrets are hashed at load time and never kept.
type clientYAML struct {
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
	RedirectURIs     []string `yaml:"redirect_uris"`
}

type registryYAML struct {
	Clients []clientYAML `yaml:"clients"`
}

// LoadFile reads a YAML registry file and returns a populated in-memory
// registry.
func LoadFile(path string) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML registry data.
func Parse(data []byte) (*MemoryRegistry, error) {
	var doc registryYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse client registry: %w", err)
	}

	registry := NewMemoryRegistry()
	for _, entry := range doc.Clients {
		hash := entry.ClientSecretHash
		if hash == "" {
			if entry.ClientSecret == "" {
				return nil, fmt.Errorf("client %q: client_secret or client_secret_hash is required", entry.ClientID)
			}
			h, err := bcrypt.GenerateFromPassword([]byte(entry.ClientSecret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("client %q: failed to hash secret: %w", entry.ClientID, err)
			}
			hash = string(h)
		}

		if err := registry.Add(&Client{
			ClientID:         entry.ClientID,
			ClientSecretHash: hash,
			RedirectURIs:     entry.RedirectURIs,
		}); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
