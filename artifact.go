package stowage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/stowage/stowage/config"
	"github.com/stowage/stowage/hashenc"
	"github.com/stowage/stowage/manifest"
)

// maxMetadataKeys caps user metadata per artifact.
const maxMetadataKeys = 100

type artifactState int

const (
	stateDraft artifactState = iota
	stateFinalized
	stateCommitted
	stateDeleted
)

// Artifact is a named, versioned collection of files and references
// described by a manifest.
//
// An artifact starts as a mutable draft: files and references may be
// added and removed freely. Finalize freezes the content; Commit
// uploads the staged files, records the version with the metadata
// service and makes the artifact downloadable. Description, metadata,
// aliases and TTL stay mutable after commit and are saved with
// Persist.
type Artifact struct {
	policy *StoragePolicy

	mu       sync.Mutex
	state    artifactState
	clientID string
	serverID string

	name        string
	typ         string
	description string
	metadata    map[string]any
	aliases     []string
	ttl         time.Duration

	manifest *manifest.Manifest

	// layout and region record the storage layout the manifest was
	// persisted under. They are set when an artifact is reopened from a
	// manifest and override the policy's live configuration for loads;
	// empty means use the policy's configuration.
	layout config.StorageLayout
	region string

	// stagedByDigest maps content digests to staged copies so adding
	// the same bytes twice stages them once.
	stagedByDigest map[string]string
}

// NewArtifact creates an empty draft. The name is the artifact's
// identity within its collection; artifactType groups collections
// (e.g. "dataset", "model").
func NewArtifact(policy *StoragePolicy, name, artifactType string) (*Artifact, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: artifact name", ErrNameRequired)
	}
	return &Artifact{
		policy:         policy,
		clientID:       ksuid.New().String(),
		name:           name,
		typ:            artifactType,
		manifest:       manifest.New(),
		stagedByDigest: make(map[string]string),
	}, nil
}

func (a *Artifact) Name() string     { return a.name }
func (a *Artifact) Type() string     { return a.typ }
func (a *Artifact) ClientID() string { return a.clientID }

// ID returns the server-assigned artifact ID, empty until committed.
func (a *Artifact) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverID
}

func (a *Artifact) Committed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateCommitted
}

// Manifest exposes the artifact's manifest for inspection.
func (a *Artifact) Manifest() *manifest.Manifest { return a.manifest }

// Digest returns the artifact digest over the current manifest.
func (a *Artifact) Digest() string { return a.manifest.Digest() }

func (a *Artifact) GetEntry(logicalPath string) (manifest.Entry, bool) {
	return a.manifest.Get(manifest.NormalizePath(logicalPath))
}

// checkMutable must be called with a.mu held.
func (a *Artifact) checkMutable() error {
	if a.state != stateDraft {
		return fmt.Errorf("%w: %s", ErrArtifactFinalized, a.name)
	}
	return nil
}

// AddFile hashes localPath, stages a private copy and records it as an
// owned entry at logicalPath. Adding identical content at the same
// path twice is a no-op; different content at an existing path is a
// conflict unless overwrite is set.
func (a *Artifact) AddFile(logicalPath, localPath string, overwrite bool) (manifest.Entry, error) {
	digest, size, err := hashenc.MD5FileWithSize(localPath)
	if err != nil {
		return manifest.Entry{}, fmt.Errorf("add %s: %w", localPath, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return manifest.Entry{}, err
	}

	staged, ok := a.stagedByDigest[string(digest)]
	if !ok {
		staged, err = a.policy.stageFile(localPath)
		if err != nil {
			return manifest.Entry{}, fmt.Errorf("stage %s: %w", localPath, err)
		}
		a.stagedByDigest[string(digest)] = staged
	}

	e, err := manifest.NewEntry(logicalPath, string(digest), staged, &size)
	if err != nil {
		return manifest.Entry{}, err
	}
	e.BirthArtifactID = a.clientID
	if err := a.manifest.Add(e, overwrite); err != nil {
		return manifest.Entry{}, err
	}
	return e, nil
}

// AddData records raw bytes as an owned entry at logicalPath.
func (a *Artifact) AddData(logicalPath string, data []byte, overwrite bool) (manifest.Entry, error) {
	digest := hashenc.MD5Bytes(data)
	size := int64(len(data))

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return manifest.Entry{}, err
	}

	staged, ok := a.stagedByDigest[string(digest)]
	if !ok {
		var err error
		staged, err = a.policy.stageData(logicalPath, data)
		if err != nil {
			return manifest.Entry{}, fmt.Errorf("stage %s: %w", logicalPath, err)
		}
		a.stagedByDigest[string(digest)] = staged
	}

	e, err := manifest.NewEntry(logicalPath, string(digest), staged, &size)
	if err != nil {
		return manifest.Entry{}, err
	}
	e.BirthArtifactID = a.clientID
	if err := a.manifest.Add(e, overwrite); err != nil {
		return manifest.Entry{}, err
	}
	return e, nil
}

// AddDir walks dir and adds every regular file under prefix, hashing
// in parallel. Logical paths mirror the directory structure.
func (a *Artifact) AddDir(ctx context.Context, dir, prefix string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.policy.opts.UploadWorkers)
	for _, p := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			_, err = a.AddFile(path.Join(prefix, filepath.ToSlash(rel)), p, false)
			return err
		})
	}
	return g.Wait()
}

// AddReference resolves uri through the storage handlers and records
// the resulting entries. A prefix reference may expand into many.
func (a *Artifact) AddReference(ctx context.Context, uri string, opts StoreOptions) ([]manifest.Entry, error) {
	a.mu.Lock()
	if err := a.checkMutable(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	entries, err := a.policy.StoreReference(ctx, a, uri, opts)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := a.manifest.Add(e, false); err != nil {
			return nil, fmt.Errorf("add reference entry %s: %w", e.Path, err)
		}
	}
	return entries, nil
}

// Remove drops the entry at logicalPath from the draft.
func (a *Artifact) Remove(logicalPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	return a.manifest.Remove(manifest.NormalizePath(logicalPath))
}

// SetDescription is allowed before and after commit.
func (a *Artifact) SetDescription(desc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.description = desc
}

// SetMetadata replaces the artifact metadata, capped at 100 keys.
func (a *Artifact) SetMetadata(md map[string]any) error {
	if len(md) > maxMetadataKeys {
		return fmt.Errorf("%w: got %d", ErrTooManyMetadataKeys, len(md))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata = md
	return nil
}

func (a *Artifact) AddAlias(alias string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.aliases {
		if existing == alias {
			return
		}
	}
	a.aliases = append(a.aliases, alias)
}

// SetTTL schedules the artifact for deletion ttl after commit. Zero
// means no expiry.
func (a *Artifact) SetTTL(ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ttl = ttl
}

// Finalize freezes the artifact content. The manifest digest is stable
// from this point on. Idempotent.
func (a *Artifact) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateDraft {
		a.state = stateFinalized
	}
}

// Commit finalizes the draft, uploads every staged owned file, and
// records the version with the metadata service. On success the
// staged copies are removed and the artifact becomes downloadable.
func (a *Artifact) Commit(ctx context.Context) error {
	a.Finalize()

	a.mu.Lock()
	if a.state == stateCommitted {
		a.mu.Unlock()
		return nil
	}
	if a.state == stateDeleted {
		a.mu.Unlock()
		return fmt.Errorf("commit %s: artifact is deleted", a.name)
	}
	var owned []*manifest.Entry
	for _, e := range a.manifest.Entries() {
		if !e.IsReference() && e.LocalPath != "" {
			owned = append(owned, &e)
		}
	}
	a.mu.Unlock()

	if err := a.policy.StoreFiles(ctx, a.clientID, owned); err != nil {
		return fmt.Errorf("commit %s: %w", a.name, err)
	}

	encoded, err := manifest.Encode(a.manifest, a.policy.Name(), a.policy.PolicyConfig())
	if err != nil {
		return fmt.Errorf("commit %s: encode manifest: %w", a.name, err)
	}

	a.mu.Lock()
	commit := ArtifactCommit{
		ClientID:     a.clientID,
		Name:         a.name,
		Type:         a.typ,
		Description:  a.description,
		Digest:       a.manifest.Digest(),
		ManifestJSON: encoded,
		Metadata:     a.metadata,
		Aliases:      a.aliases,
		TTL:          a.ttl,
	}
	a.mu.Unlock()

	serverID, err := a.policy.client.CommitArtifact(ctx, commit)
	if err != nil {
		return fmt.Errorf("commit %s: %w", a.name, err)
	}

	a.mu.Lock()
	a.serverID = serverID
	a.state = stateCommitted
	staged := a.stagedByDigest
	a.stagedByDigest = make(map[string]string)
	a.mu.Unlock()

	for _, p := range staged {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			a.policy.log.Warn("failed to remove staged file", "path", p, "error", err)
		}
	}
	return nil
}

// Persist saves the post-commit mutable fields (description,
// metadata, aliases, TTL) to the metadata service.
func (a *Artifact) Persist(ctx context.Context) error {
	a.mu.Lock()
	if a.state != stateCommitted {
		a.mu.Unlock()
		return fmt.Errorf("persist %s: %w", a.name, ErrArtifactNotCommitted)
	}
	update := ArtifactUpdate{
		ArtifactID:  a.serverID,
		Description: a.description,
		Metadata:    a.metadata,
		Aliases:     a.aliases,
		TTL:         a.ttl,
	}
	a.mu.Unlock()
	return a.policy.client.PersistArtifactMetadata(ctx, update)
}

// Delete removes the committed artifact version from the metadata
// service.
func (a *Artifact) Delete(ctx context.Context) error {
	a.mu.Lock()
	if a.state != stateCommitted {
		a.mu.Unlock()
		return fmt.Errorf("delete %s: %w", a.name, ErrArtifactNotCommitted)
	}
	id := a.serverID
	a.mu.Unlock()

	if err := a.policy.client.DeleteArtifact(ctx, id); err != nil {
		return err
	}
	a.mu.Lock()
	a.state = stateDeleted
	a.mu.Unlock()
	return nil
}
