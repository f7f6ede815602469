package stowage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/stowage/stowage/manifest"
)

// StorageHandler resolves references for one URI scheme: storing a
// path or prefix into manifest entries, and loading a previously
// stored reference back.
type StorageHandler interface {
	// CanHandle reports whether this handler serves the URI.
	CanHandle(u *url.URL) bool

	// StorePath resolves a URI into one or more manifest entries for
	// the given artifact. The bytes themselves are never copied.
	StorePath(ctx context.Context, art *Artifact, u *url.URL, opts StoreOptions) ([]manifest.Entry, error)

	// LoadPath makes a stored reference usable: with local set it
	// returns a path to a verified local copy (downloading through
	// the cache as needed), otherwise it returns the reference URL.
	LoadPath(ctx context.Context, e manifest.Entry, local bool) (string, error)
}

// MultiHandler routes URIs to the first handler claiming them,
// falling back to a designated default for unknown schemes. Exactly
// one handler serves each call; there is no cross-handler retry.
type MultiHandler struct {
	handlers []StorageHandler
	fallback StorageHandler
}

func NewMultiHandler(fallback StorageHandler, handlers ...StorageHandler) *MultiHandler {
	return &MultiHandler{handlers: handlers, fallback: fallback}
}

func (m *MultiHandler) handlerFor(u *url.URL) StorageHandler {
	for _, h := range m.handlers {
		if h.CanHandle(u) {
			return h
		}
	}
	return m.fallback
}

// StorePath parses the URI and dispatches to the matching handler.
func (m *MultiHandler) StorePath(ctx context.Context, art *Artifact, uri string, opts StoreOptions) ([]manifest.Entry, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse reference uri %q: %w", uri, err)
	}
	return m.handlerFor(u).StorePath(ctx, art, u, opts)
}

// LoadPath dispatches on the entry's stored reference URI.
func (m *MultiHandler) LoadPath(ctx context.Context, e manifest.Entry, local bool) (string, error) {
	u, err := url.Parse(e.Ref)
	if err != nil {
		return "", fmt.Errorf("parse reference uri %q: %w", e.Ref, err)
	}
	return m.handlerFor(u).LoadPath(ctx, e, local)
}
