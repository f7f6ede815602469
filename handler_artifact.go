package stowage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/stowage/stowage/manifest"
)

// ArtifactScheme is the URI scheme for references into other
// artifacts: <scheme>://<artifact-id>/<logical-path>.
const ArtifactScheme = "stowage-artifact"

// maxChainDepth bounds artifact-to-artifact reference chains. A chain
// this deep is either corrupt or cyclic.
const maxChainDepth = 32

// ArtifactRefURI builds a reference URI for an entry inside another
// artifact.
func ArtifactRefURI(artifactID, logicalPath string) string {
	return ArtifactScheme + "://" + artifactID + "/" + strings.TrimPrefix(logicalPath, "/")
}

// artifactHandler resolves references that point at entries inside
// other artifacts, following chains of such references until a
// concrete entry is found. Resolved upstream manifests are held in a
// bounded in-memory cache so chain walks do not refetch them.
type artifactHandler struct {
	client MetadataClient
	log    *slog.Logger

	// policy is bound after construction; a local load of the final
	// concrete entry fans out into a normal entry download.
	policy *StoragePolicy

	manifests *ristretto.Cache[string, *manifest.Manifest]
}

func newArtifactHandler(client MetadataClient, log *slog.Logger, cacheEntries int64) (*artifactHandler, error) {
	if cacheEntries <= 0 {
		cacheEntries = 256
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *manifest.Manifest]{
		NumCounters:        cacheEntries * 10,
		MaxCost:            cacheEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &artifactHandler{client: client, log: log, manifests: cache}, nil
}

func (h *artifactHandler) bind(p *StoragePolicy) { h.policy = p }

func (h *artifactHandler) CanHandle(u *url.URL) bool {
	return u.Scheme == ArtifactScheme
}

func (h *artifactHandler) manifestFor(ctx context.Context, artifactID string) (*manifest.Manifest, error) {
	if m, ok := h.manifests.Get(artifactID); ok {
		return m, nil
	}
	m, err := h.client.ResolveArtifactManifest(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest of artifact %s: %w", artifactID, err)
	}
	h.manifests.Set(artifactID, m, 1)
	return m, nil
}

func splitArtifactRef(u *url.URL) (artifactID, logicalPath string) {
	return u.Host, strings.TrimPrefix(u.Path, "/")
}

// resolve walks a chain of artifact references until it reaches a
// concrete (non-artifact-reference) entry. Visited artifact IDs are
// tracked so a corrupt cyclic chain fails instead of looping.
func (h *artifactHandler) resolve(ctx context.Context, artifactID, logicalPath string) (manifest.Entry, error) {
	visited := make(map[string]struct{})
	for depth := 0; depth < maxChainDepth; depth++ {
		if _, seen := visited[artifactID]; seen {
			return manifest.Entry{}, fmt.Errorf("%w: artifact %s visited twice", ErrReferenceCycle, artifactID)
		}
		visited[artifactID] = struct{}{}

		m, err := h.manifestFor(ctx, artifactID)
		if err != nil {
			return manifest.Entry{}, err
		}
		e, ok := m.Get(logicalPath)
		if !ok {
			return manifest.Entry{}, fmt.Errorf("%w: artifact %s has no entry %q",
				ErrObjectNotFound, artifactID, logicalPath)
		}

		u, err := url.Parse(e.Ref)
		if err != nil || u.Scheme != ArtifactScheme {
			return e, nil
		}
		artifactID, logicalPath = splitArtifactRef(u)
	}
	return manifest.Entry{}, fmt.Errorf("%w: chain longer than %d", ErrReferenceCycle, maxChainDepth)
}

func (h *artifactHandler) StorePath(ctx context.Context, _ *Artifact, u *url.URL, opts StoreOptions) ([]manifest.Entry, error) {
	artifactID, logicalPath := splitArtifactRef(u)
	if artifactID == "" || logicalPath == "" {
		return nil, fmt.Errorf("artifact reference %s: expected %s://<artifact-id>/<path>", u, ArtifactScheme)
	}

	resolved, err := h.resolve(ctx, artifactID, logicalPath)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = path.Base(logicalPath)
	}

	// A zero-size pointer entry carrying the final resolved digest:
	// downstream consumers dedup and verify against it without
	// re-walking the chain.
	var zero int64
	return []manifest.Entry{{
		Path:   manifest.NormalizePath(name),
		Digest: resolved.Digest,
		Ref:    u.String(),
		Size:   &zero,
	}}, nil
}

func (h *artifactHandler) LoadPath(ctx context.Context, e manifest.Entry, local bool) (string, error) {
	u, err := url.Parse(e.Ref)
	if err != nil {
		return "", err
	}
	artifactID, logicalPath := splitArtifactRef(u)

	final, err := h.resolve(ctx, artifactID, logicalPath)
	if err != nil {
		return "", err
	}
	if final.Digest != e.Digest {
		return "", fmt.Errorf("%w: upstream entry %s resolves to digest %s, manifest records %s",
			ErrDigestMismatch, e.Ref, final.Digest, e.Digest)
	}

	if final.IsReference() {
		return h.policy.LoadReference(ctx, final, local)
	}
	if !local {
		return h.policy.fileURL(final)
	}
	return h.policy.LoadFile(ctx, final.BirthArtifactID, final)
}
