package stowage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/stowage/stowage/blobstore"
	"github.com/stowage/stowage/filecache"
	"github.com/stowage/stowage/manifest"
)

const azureBlobHostSuffix = ".blob.core.windows.net"

const (
	extraETag      = "etag"
	extraVersionID = "versionID"
)

// cloudScheme names one vendor object store variant served by
// cloudHandler.
type cloudScheme string

const (
	schemeS3    cloudScheme = "s3"
	schemeGCS   cloudScheme = "gs"
	schemeAzure cloudScheme = "azure"
)

// versionQueryKeys are the per-vendor query parameters that pin an
// object version in a reference URI.
var versionQueryKeys = []string{"versionId", "generation", "versionid"}

// cloudHandler resolves references into S3, GCS, or Azure Blob
// Storage. One instance serves exactly one scheme; the vendor
// differences live entirely in URI parsing and bucket opening, the
// store/load logic is shared.
type cloudHandler struct {
	scheme cloudScheme
	cache  *filecache.Cache
	log    *slog.Logger

	// openBucket is a seam for tests; nil means open the real vendor
	// bucket.
	openBucket func(ctx context.Context, bucket string, u *url.URL) (*blobstore.Store, error)

	mu     sync.Mutex
	stores map[string]*blobstore.Store

	maxObjects int
}

func newCloudHandler(scheme cloudScheme, cache *filecache.Cache, log *slog.Logger, maxObjects int) *cloudHandler {
	return &cloudHandler{
		scheme:     scheme,
		cache:      cache,
		log:        log,
		stores:     make(map[string]*blobstore.Store),
		maxObjects: maxObjects,
	}
}

func (h *cloudHandler) CanHandle(u *url.URL) bool {
	switch h.scheme {
	case schemeS3:
		return u.Scheme == "s3"
	case schemeGCS:
		return u.Scheme == "gs"
	case schemeAzure:
		return (u.Scheme == "https" || u.Scheme == "http") &&
			strings.HasSuffix(u.Host, azureBlobHostSuffix)
	}
	return false
}

// bucketAndKey splits a reference URI into its bucket (or container)
// and object key.
func (h *cloudHandler) bucketAndKey(u *url.URL) (string, string, error) {
	switch h.scheme {
	case schemeS3, schemeGCS:
		return u.Host, strings.TrimPrefix(u.Path, "/"), nil
	case schemeAzure:
		// https://<account>.blob.core.windows.net/<container>/<key>
		container, key, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if !ok || container == "" {
			return "", "", fmt.Errorf("azure reference %s: expected /<container>/<key>", u)
		}
		return container, key, nil
	}
	return "", "", fmt.Errorf("unsupported cloud scheme %q", h.scheme)
}

func (h *cloudHandler) store(ctx context.Context, bucket string, u *url.URL) (*blobstore.Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.stores[bucket]; ok {
		return s, nil
	}

	var s *blobstore.Store
	var err error
	if h.openBucket != nil {
		s, err = h.openBucket(ctx, bucket, u)
	} else {
		switch h.scheme {
		case schemeS3:
			s, err = blobstore.NewS3(ctx, bucket, u.Query().Get("region"), "")
		case schemeGCS:
			s, err = blobstore.NewGCS(ctx, bucket, "")
		case schemeAzure:
			s, err = blobstore.NewAzure(ctx, bucket, "")
		}
	}
	if err != nil {
		return nil, err
	}
	h.stores[bucket] = s
	return s, nil
}

func pinnedVersion(u *url.URL, attrs blobstore.Attributes) string {
	for _, k := range versionQueryKeys {
		if v := u.Query().Get(k); v != "" {
			return v
		}
	}
	return attrs.VersionID
}

func (h *cloudHandler) objectEntry(logicalPath, ref string, attrs blobstore.Attributes, version string) manifest.Entry {
	size := attrs.Size
	extra := map[string]any{extraETag: attrs.ETag}
	if version != "" {
		extra[extraVersionID] = version
	}
	return manifest.Entry{
		Path:   manifest.NormalizePath(logicalPath),
		Digest: attrs.ETag,
		Ref:    ref,
		Size:   &size,
		Extra:  extra,
	}
}

func (h *cloudHandler) StorePath(ctx context.Context, _ *Artifact, u *url.URL, opts StoreOptions) ([]manifest.Entry, error) {
	bucket, key, err := h.bucketAndKey(u)
	if err != nil {
		return nil, err
	}

	if opts.SkipChecksum {
		name := opts.Name
		if name == "" {
			name = path.Base(key)
		}
		h.log.Warn("storing cloud reference without checksum; it will not be integrity-checked",
			"uri", u.String())
		return []manifest.Entry{{
			Path:   manifest.NormalizePath(name),
			Digest: u.String(),
			Ref:    u.String(),
		}}, nil
	}

	s, err := h.store(ctx, bucket, u)
	if err != nil {
		return nil, err
	}

	// Check for a single object first; only then treat the URI as a
	// prefix listing.
	attrs, err := s.Attributes(ctx, key)
	switch {
	case err == nil:
		name := opts.Name
		if name == "" {
			name = path.Base(key)
		}
		e := h.objectEntry(name, u.String(), attrs, pinnedVersion(u, attrs))
		return []manifest.Entry{e}, nil
	case errors.Is(err, blobstore.ErrNotFound):
		return h.storePrefix(ctx, s, u, bucket, key, opts)
	default:
		return nil, err
	}
}

func (h *cloudHandler) storePrefix(ctx context.Context, s *blobstore.Store, u *url.URL, bucket, key string, opts StoreOptions) ([]manifest.Entry, error) {
	max := opts.MaxObjects
	if max <= 0 {
		max = h.maxObjects
	}

	// An empty key means the whole bucket.
	prefix := ""
	if key != "" {
		prefix = strings.TrimSuffix(key, "/") + "/"
	}
	objects, err := s.List(ctx, prefix, max)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, u)
	}

	namePrefix := opts.Name
	if namePrefix == "" {
		if key == "" {
			namePrefix = bucket
		} else {
			namePrefix = path.Base(strings.TrimSuffix(key, "/"))
		}
	}

	entries := make([]manifest.Entry, 0, len(objects))
	for _, obj := range objects {
		attrs, err := s.Attributes(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		ref := *u
		// Azure carries the container in the URL path, so the stored
		// ref must keep it; s3/gs carry the bucket in the host.
		if h.scheme == schemeAzure {
			ref.Path = "/" + path.Join(bucket, obj.Key)
		} else {
			ref.Path = "/" + obj.Key
		}
		e := h.objectEntry(path.Join(namePrefix, rel), ref.String(), attrs, attrs.VersionID)
		entries = append(entries, e)
	}
	return entries, nil
}

func (h *cloudHandler) LoadPath(ctx context.Context, e manifest.Entry, local bool) (string, error) {
	if !local {
		return e.Ref, nil
	}

	u, err := url.Parse(e.Ref)
	if err != nil {
		return "", err
	}

	// Unchecksummed references carry no digest to validate or cache
	// against; they cannot be loaded locally.
	if e.Digest == e.Ref {
		return "", fmt.Errorf("%w: %s was stored without a checksum", ErrNotLoadable, e.Ref)
	}

	cachePath, hit, open, err := h.cache.CheckETagObjPath(e.Ref, e.Digest, e.SizeOrZero())
	if err != nil {
		return "", err
	}
	if hit {
		return cachePath, nil
	}

	bucket, key, err := h.bucketAndKey(u)
	if err != nil {
		return "", err
	}
	s, err := h.store(ctx, bucket, u)
	if err != nil {
		return "", err
	}

	attrs, err := s.Attributes(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, e.Ref)
		}
		return "", err
	}

	if pinned, ok := e.Extra[extraVersionID].(string); ok && pinned != "" {
		if attrs.VersionID != pinned && attrs.ETag != e.Digest {
			return "", fmt.Errorf("%w: %s pins version %s, but the bucket is unversioned or that version is no longer current",
				ErrObjectNotFound, e.Ref, pinned)
		}
	}
	if attrs.ETag != e.Digest {
		return "", fmt.Errorf("%w: %s has live checksum %s, manifest records %s",
			ErrDigestMismatch, e.Ref, attrs.ETag, e.Digest)
	}

	r, err := s.ReadStream(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	pf, err := open()
	if err != nil {
		return "", err
	}
	defer pf.Close()
	if _, err := io.Copy(pf, r); err != nil {
		return "", err
	}
	if err := pf.Commit(); err != nil {
		return "", err
	}
	return cachePath, nil
}

func (h *cloudHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, s := range h.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.stores = make(map[string]*blobstore.Store)
	return firstErr
}
