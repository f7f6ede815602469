package stowage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"github.com/stowage/stowage/filecache"
	"github.com/stowage/stowage/manifest"
)

// httpHandler resolves generic http(s) references. Integrity relies
// on the server's ETag; when no ETag is offered the URL itself stands
// in as a digest and the entry is not integrity-checked.
type httpHandler struct {
	cache  *filecache.Cache
	client *http.Client
	log    *slog.Logger
}

func newHTTPHandler(cache *filecache.Cache, client *http.Client, log *slog.Logger) *httpHandler {
	return &httpHandler{cache: cache, client: client, log: log}
}

func (h *httpHandler) CanHandle(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}

func (h *httpHandler) StorePath(ctx context.Context, _ *Artifact, u *url.URL, opts StoreOptions) ([]manifest.Entry, error) {
	name := opts.Name
	if name == "" {
		name = path.Base(u.Path)
	}
	if name == "" || name == "/" || name == "." {
		return nil, fmt.Errorf("%w: cannot derive a name from %s", ErrNameRequired, u)
	}

	if opts.SkipChecksum {
		return []manifest.Entry{{
			Path:   manifest.NormalizePath(name),
			Digest: u.String(),
			Ref:    u.String(),
		}}, nil
	}

	resp, err := h.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	// Storing a reference records headers only: drain at most a token
	// amount (to keep small-body connections reusable) and drop the
	// rest unread.
	defer func() {
		io.CopyN(io.Discard, resp.Body, 512)
		resp.Body.Close()
	}()

	e := manifest.Entry{
		Path: manifest.NormalizePath(name),
		Ref:  u.String(),
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		e.Digest = etag
		e.Extra = map[string]any{extraETag: etag}
	} else {
		h.log.Warn("http reference offers no ETag; it will not be integrity-checked",
			"uri", u.String())
		e.Digest = u.String()
	}
	if resp.ContentLength >= 0 {
		size := resp.ContentLength
		e.Size = &size
	}
	return []manifest.Entry{e}, nil
}

func (h *httpHandler) LoadPath(ctx context.Context, e manifest.Entry, local bool) (string, error) {
	if !local {
		return e.Ref, nil
	}

	cachePath, hit, open, err := h.cache.CheckETagObjPath(e.Ref, e.Digest, e.SizeOrZero())
	if err != nil {
		return "", err
	}
	if hit {
		return cachePath, nil
	}

	resp, err := h.get(ctx, e.Ref)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Re-validate the live ETag when the entry was stored with one.
	if expected, ok := e.Extra[extraETag].(string); ok && expected != "" {
		if live := resp.Header.Get("ETag"); live != expected {
			return "", fmt.Errorf("%w: %s has live ETag %s, manifest records %s",
				ErrDigestMismatch, e.Ref, live, expected)
		}
	}

	pf, err := open()
	if err != nil {
		return "", err
	}
	defer pf.Close()
	if _, err := io.Copy(pf, resp.Body); err != nil {
		return "", err
	}
	if err := pf.Commit(); err != nil {
		return "", err
	}
	return cachePath, nil
}

func (h *httpHandler) get(ctx context.Context, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, uri)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", uri, resp.Status)
	}
	return resp, nil
}
