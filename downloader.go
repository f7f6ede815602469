package stowage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/stowage/stowage/config"
	"github.com/stowage/stowage/manifest"
)

// OpenArtifact reconstructs a committed artifact from its persisted
// manifest so its content can be loaded and downloaded. When
// expectedDigest is non-empty the manifest is verified against it
// before anything is served.
func OpenArtifact(policy *StoragePolicy, artifactID string, manifestJSON []byte, expectedDigest string) (*Artifact, error) {
	m, policyName, pc, err := manifest.Decode(manifestJSON)
	if err != nil {
		return nil, err
	}
	if policyName != PolicyName {
		return nil, fmt.Errorf("open artifact %s: manifest written by unsupported policy %q", artifactID, policyName)
	}
	if expectedDigest != "" && m.Digest() != expectedDigest {
		return nil, fmt.Errorf("%w: manifest digests to %s, expected %s",
			ErrDigestMismatch, m.Digest(), expectedDigest)
	}
	// Owned entries live at URLs shaped by the layout the manifest was
	// written under, which may differ from the policy's current one.
	return &Artifact{
		policy:         policy,
		state:          stateCommitted,
		serverID:       artifactID,
		manifest:       m,
		layout:         config.StorageLayout(pc.StorageLayout),
		region:         pc.StorageRegion,
		stagedByDigest: make(map[string]string),
	}, nil
}

// LoadEntry fetches one entry's bytes through the cache and returns a
// local path to them. References of schemes without download support
// fail with ErrNotLoadable.
func (a *Artifact) LoadEntry(ctx context.Context, logicalPath string) (string, error) {
	a.mu.Lock()
	if a.state != stateCommitted {
		a.mu.Unlock()
		return "", fmt.Errorf("load %s: %w", logicalPath, ErrArtifactNotCommitted)
	}
	id := a.serverID
	a.mu.Unlock()

	e, ok := a.manifest.Get(manifest.NormalizePath(logicalPath))
	if !ok {
		return "", fmt.Errorf("%w: no entry %q", ErrObjectNotFound, logicalPath)
	}
	return a.loadEntry(ctx, id, e)
}

func (a *Artifact) loadEntry(ctx context.Context, artifactID string, e manifest.Entry) (string, error) {
	if e.IsReference() {
		return a.policy.LoadReference(ctx, e, true)
	}
	birth := e.BirthArtifactID
	if birth == "" {
		birth = artifactID
	}
	layout, region := a.layout, a.region
	if layout == "" {
		layout, region = a.policy.cfg.Layout, a.policy.cfg.Region
	}
	return a.policy.loadFileAt(ctx, birth, e, layout, region)
}

// Download materializes the whole artifact under dir, fanning entries
// out across the download worker pool. Each entry lands at
// dir/<logical path>. With SkipMissing set, references whose objects
// are gone are logged and skipped instead of failing the download.
func (a *Artifact) Download(ctx context.Context, dir string, opts DownloadOptions) error {
	a.mu.Lock()
	if a.state != stateCommitted {
		a.mu.Unlock()
		return fmt.Errorf("download %s: %w", a.name, ErrArtifactNotCommitted)
	}
	id := a.serverID
	a.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.policy.opts.DownloadWorkers)
	for _, e := range a.manifest.Entries() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			local, err := a.loadEntry(ctx, id, e)
			if err != nil {
				if opts.SkipMissing && errors.Is(err, ErrObjectNotFound) {
					a.policy.log.Warn("skipping missing reference", "path", e.Path, "error", err)
					return nil
				}
				return fmt.Errorf("download %s: %w", e.Path, err)
			}
			return placeFile(local, filepath.Join(dir, filepath.FromSlash(e.Path)))
		})
	}
	return g.Wait()
}

// placeFile copies a cached (read-only) file to its destination with
// normal permissions, so the downloaded tree is editable.
func placeFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
