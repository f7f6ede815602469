package stowage

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/stowage/stowage/config"
	"github.com/stowage/stowage/filecache"
	"github.com/stowage/stowage/hashenc"
	"github.com/stowage/stowage/manifest"
)

// PolicyName identifies this storage policy in persisted manifests.
const PolicyName = "stowage-storage-policy-v1"

// StoragePolicy orchestrates storage for artifacts: it routes
// references through the per-scheme handlers, owned files through the
// metadata service and the transfer engine, and everything through
// the local cache.
type StoragePolicy struct {
	cfg     config.StorageConfig
	cache   *filecache.Cache
	client  MetadataClient
	opts    PolicyOptions
	log     *slog.Logger
	metrics *TransferMetrics

	handlers  *MultiHandler
	artifacts *artifactHandler
}

// NewStoragePolicy builds a policy over the given cache and metadata
// client. Zero-value option fields take their defaults.
func NewStoragePolicy(cfg config.StorageConfig, cache *filecache.Cache, client MetadataClient, opts PolicyOptions) (*StoragePolicy, error) {
	d := DefaultPolicyOptions()
	if opts.HTTPClient == nil {
		opts.HTTPClient = d.HTTPClient
	}
	opts.DownloadWorkers = cmp.Or(opts.DownloadWorkers, d.DownloadWorkers)
	opts.UploadWorkers = cmp.Or(opts.UploadWorkers, d.UploadWorkers)
	opts.MaxRetries = cmp.Or(opts.MaxRetries, d.MaxRetries)
	opts.MultipartThreshold = cmp.Or(opts.MultipartThreshold, d.MultipartThreshold)
	opts.ChunkSize = cmp.Or(opts.ChunkSize, d.ChunkSize)
	opts.MaxObjects = cmp.Or(opts.MaxObjects, d.MaxObjects)
	opts.ResolvedManifestCacheSize = cmp.Or(opts.ResolvedManifestCacheSize, d.ResolvedManifestCacheSize)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	p := &StoragePolicy{
		cfg:     cfg,
		cache:   cache,
		client:  client,
		opts:    opts,
		log:     logger,
		metrics: opts.Metrics,
	}

	artifacts, err := newArtifactHandler(client, logger, opts.ResolvedManifestCacheSize>>20)
	if err != nil {
		return nil, err
	}
	artifacts.bind(p)
	p.artifacts = artifacts

	// The Azure handler must probe before the generic http handler:
	// both claim https URIs, Azure by host suffix.
	p.handlers = NewMultiHandler(
		newTrackingHandler(logger),
		newFileHandler(cache, logger, opts.DownloadWorkers),
		newCloudHandler(schemeS3, cache, logger, opts.MaxObjects),
		newCloudHandler(schemeGCS, cache, logger, opts.MaxObjects),
		newCloudHandler(schemeAzure, cache, logger, opts.MaxObjects),
		artifacts,
		newHTTPHandler(cache, opts.HTTPClient, logger),
	)
	return p, nil
}

func (p *StoragePolicy) Name() string            { return PolicyName }
func (p *StoragePolicy) Cache() *filecache.Cache { return p.cache }

// PolicyConfig returns the configuration persisted into manifests.
func (p *StoragePolicy) PolicyConfig() manifest.PolicyConfig {
	pc := manifest.PolicyConfig{StorageLayout: string(p.cfg.Layout)}
	if p.cfg.Layout == config.LayoutV2 {
		pc.StorageRegion = p.cfg.Region
	}
	return pc
}

// StoreReference resolves a reference URI into manifest entries via
// the per-scheme handlers.
func (p *StoragePolicy) StoreReference(ctx context.Context, art *Artifact, uri string, opts StoreOptions) ([]manifest.Entry, error) {
	return p.handlers.StorePath(ctx, art, uri, opts)
}

// LoadReference makes a stored reference usable, locally or not.
func (p *StoragePolicy) LoadReference(ctx context.Context, e manifest.Entry, local bool) (string, error) {
	return p.handlers.LoadPath(ctx, e, local)
}

// fileURL computes the backend object URL for an owned entry under
// the policy's configured layout.
func (p *StoragePolicy) fileURL(e manifest.Entry) (string, error) {
	return p.fileURLFor(p.cfg.Layout, p.cfg.Region, e)
}

// fileURLFor computes the backend object URL purely from entry
// metadata, the given layout and configuration. Manifests persist the
// layout they were written under, so loads of reopened artifacts pass
// that layout rather than the live configuration.
func (p *StoragePolicy) fileURLFor(layout config.StorageLayout, region string, e manifest.Entry) (string, error) {
	hexd, err := e.HexDigest()
	if err != nil {
		return "", fmt.Errorf("entry %s: %w", e.Path, err)
	}
	switch layout {
	case config.LayoutV1:
		return fmt.Sprintf("%s/artifacts/%s/%s", p.cfg.BaseURL, p.cfg.Entity, hexd), nil
	case config.LayoutV2:
		return fmt.Sprintf("%s/artifactsV2/%s/%s/%s/%s",
			p.cfg.BaseURL, region, p.cfg.Entity,
			url.PathEscape(e.BirthArtifactID), hexd), nil
	default:
		return "", fmt.Errorf("unknown storage layout %q", layout)
	}
}

// LoadFile downloads an owned (non-reference) entry through the
// cache, returning the local path of the verified bytes.
func (p *StoragePolicy) LoadFile(ctx context.Context, artifactID string, e manifest.Entry) (string, error) {
	return p.loadFileAt(ctx, artifactID, e, p.cfg.Layout, p.cfg.Region)
}

func (p *StoragePolicy) loadFileAt(ctx context.Context, artifactID string, e manifest.Entry, layout config.StorageLayout, region string) (string, error) {
	size := e.SizeOrZero()
	cachePath, hit, open, err := p.cache.CheckMD5ObjPath(hashenc.B64MD5(e.Digest), size)
	if err != nil {
		return "", err
	}
	if hit {
		return cachePath, nil
	}

	computed, err := p.fileURLFor(layout, region, e)
	if err != nil {
		return "", err
	}
	src := newRefreshableURL(computed, func(ctx context.Context) (string, error) {
		if p.client == nil {
			return computed, nil
		}
		p.metrics.ObserveURLRefresh()
		return p.client.DownloadURL(ctx, artifactID, e)
	})

	pf, err := open()
	if err != nil {
		return "", err
	}
	defer pf.Close()

	start := time.Now()
	err = p.downloadToFile(ctx, src, pf, size)
	p.metrics.ObserveDownload(size, time.Since(start), err)
	if err != nil {
		return "", err
	}
	if err := pf.Commit(); err != nil {
		return "", err
	}
	return cachePath, nil
}

// StoreFiles uploads all staged entries in parallel. Each entry is
// independent; the first failure cancels the remainder.
func (p *StoragePolicy) StoreFiles(ctx context.Context, artifactID string, entries []*manifest.Entry) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.UploadWorkers)
	for _, e := range entries {
		g.Go(func() error {
			_, err := p.StoreFile(ctx, artifactID, e)
			if err != nil {
				return fmt.Errorf("upload %s: %w", e.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StoreFile uploads one staged entry, reporting whether the transfer
// was skipped because the content already exists server-side.
func (p *StoragePolicy) StoreFile(ctx context.Context, artifactID string, e *manifest.Entry) (deduped bool, err error) {
	if e.LocalPath == "" {
		return false, fmt.Errorf("entry %s has no staged file", e.Path)
	}

	start := time.Now()
	deduped, err = p.uploadFile(ctx, artifactID, e)
	p.metrics.ObserveUpload(e.SizeOrZero(), time.Since(start), err)
	if err != nil {
		return false, err
	}
	if deduped {
		p.metrics.ObserveDedup()
	}

	// Write the just-uploaded bytes through to the cache so local
	// re-reads skip the network. Failure here never fails the upload.
	if err := p.writeThroughCache(e); err != nil {
		p.log.Warn("failed to write uploaded file through to cache",
			"path", e.Path, "error", err)
	}
	return deduped, nil
}

func (p *StoragePolicy) writeThroughCache(e *manifest.Entry) error {
	if e.SkipCache {
		return nil
	}
	_, hit, open, err := p.cache.CheckMD5ObjPath(hashenc.B64MD5(e.Digest), e.SizeOrZero())
	if err != nil {
		return err
	}
	if hit {
		return nil
	}
	pf, err := open()
	if err != nil {
		return err
	}
	defer pf.Close()

	f, err := os.Open(e.LocalPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(pf, f); err != nil {
		return err
	}
	return pf.Commit()
}

// stageFile copies a local file into the staging directory so later
// mutation of the source cannot corrupt the pending upload.
func (p *StoragePolicy) stageFile(localPath string) (string, error) {
	staged := filepath.Join(p.cfg.DataDir, ksuid.New().String()+"-"+filepath.Base(localPath))
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(staged)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(staged)
		return "", err
	}
	return staged, nil
}

// stageData writes raw bytes into the staging directory.
func (p *StoragePolicy) stageData(name string, data []byte) (string, error) {
	staged := filepath.Join(p.cfg.DataDir, ksuid.New().String()+"-"+filepath.Base(name))
	if err := os.WriteFile(staged, data, 0o600); err != nil {
		return "", err
	}
	return staged, nil
}
