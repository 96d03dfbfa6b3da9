// Package registry maps transfer URL schemes to download client
// constructors. The mapping is an explicit injected value, not static
// state, so tests and alternative transports can swap clients freely.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/clearline/retriever/common/models"
	"github.com/clearline/retriever/common/transfer"
)

// Fetcher downloads the bytes of one resource
type Fetcher interface {
	Fetch(ctx context.Context, desc models.ResourceDescriptor) (*transfer.Download, error)
}

// Factory constructs a Fetcher for a scheme
type Factory func() Fetcher

// Registry holds the scheme to constructor mapping. Constructed fetchers
// are cached per scheme.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[string]Fetcher
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[string]Fetcher),
	}
}

// Default creates a registry with the standard HTTP transfer client bound
// to the http and https schemes
func Default(timeout time.Duration, logger transfer.Logger) *Registry {
	r := New()
	factory := func() Fetcher {
		return transfer.NewClient(timeout, logger)
	}
	r.Register("http", factory)
	r.Register("https", factory)
	return r
}

// Register binds a scheme to a constructor
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
	delete(r.clients, scheme)
}

// ForURL resolves the fetcher for a transfer URL by its scheme
func (r *Registry) ForURL(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer URL %s: %w", rawURL, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[u.Scheme]; ok {
		return client, nil
	}
	factory, ok := r.factories[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no transfer client registered for scheme %q", u.Scheme)
	}

	client := factory()
	r.clients[u.Scheme] = client
	return client, nil
}
