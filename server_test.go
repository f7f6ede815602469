package stowage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/config"
	"github.com/stowage/stowage/filecache"
	"github.com/stowage/stowage/manifest"
)

// fakeMetadataClient scripts the metadata service per test and records
// everything it is asked to do.
type fakeMetadataClient struct {
	mu sync.Mutex

	prepare     func(ctx context.Context, artifactID string, entry manifest.Entry, parts []PartSpec) (UploadPlan, error)
	downloadURL func(ctx context.Context, artifactID string, entry manifest.Entry) (string, error)
	manifests   map[string]*manifest.Manifest

	commits   []ArtifactCommit
	updates   []ArtifactUpdate
	deleted   []string
	completed []completedUpload

	urlCalls int
}

type completedUpload struct {
	artifactID string
	uploadID   string
	entry      manifest.Entry
	parts      []UploadedPart
}

func (f *fakeMetadataClient) PrepareUpload(ctx context.Context, artifactID string, entry manifest.Entry, parts []PartSpec) (UploadPlan, error) {
	if f.prepare == nil {
		return UploadPlan{AlreadyStored: true}, nil
	}
	return f.prepare(ctx, artifactID, entry, parts)
}

func (f *fakeMetadataClient) CompleteMultipartUpload(_ context.Context, artifactID, uploadID string, entry manifest.Entry, parts []UploadedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, completedUpload{artifactID, uploadID, entry, parts})
	return nil
}

func (f *fakeMetadataClient) DownloadURL(ctx context.Context, artifactID string, entry manifest.Entry) (string, error) {
	f.mu.Lock()
	f.urlCalls++
	f.mu.Unlock()
	if f.downloadURL == nil {
		return "", fmt.Errorf("no download url scripted for %s", entry.Path)
	}
	return f.downloadURL(ctx, artifactID, entry)
}

func (f *fakeMetadataClient) CommitArtifact(_ context.Context, commit ArtifactCommit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commit)
	return fmt.Sprintf("artifact-%d", len(f.commits)), nil
}

func (f *fakeMetadataClient) PersistArtifactMetadata(_ context.Context, update ArtifactUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeMetadataClient) DeleteArtifact(_ context.Context, artifactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, artifactID)
	return nil
}

func (f *fakeMetadataClient) ResolveArtifactManifest(_ context.Context, artifactID string) (*manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manifests[artifactID]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", ErrObjectNotFound, artifactID)
	}
	return m, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPolicy(t *testing.T, client MetadataClient, opts PolicyOptions) *StoragePolicy {
	return newTestPolicyAt(t, client, opts, "https://storage.example.test")
}

// newTestPolicyAt builds a policy whose backend object URLs point at
// baseURL, typically an httptest server.
func newTestPolicyAt(t *testing.T, client MetadataClient, opts PolicyOptions, baseURL string) *StoragePolicy {
	t.Helper()
	cache, err := filecache.New(t.TempDir(), filecache.Options{Logger: quietLogger()})
	require.NoError(t, err)

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	cfg := config.StorageConfig{
		CacheDir: cache.Root(),
		DataDir:  t.TempDir(),
		BaseURL:  baseURL,
		Entity:   "acme",
		Layout:   config.LayoutV2,
		Region:   "us-east",
	}
	p, err := NewStoragePolicy(cfg, cache, client, opts)
	require.NoError(t, err)
	return p
}
