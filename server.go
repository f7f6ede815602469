package stowage

import (
	"context"
	"time"

	"github.com/stowage/stowage/manifest"
)

// MetadataClient is the seam to the external metadata service: the
// system of record for artifact bookkeeping and the issuer of
// presigned transfer URLs. Implementations are expected to carry
// their own authentication.
type MetadataClient interface {
	// PrepareUpload asks the service how to upload one owned entry.
	// parts carries the per-part checksums when the content is large
	// enough for multipart; the service answers with a dedup signal,
	// a single upload URL, or a multipart plan.
	PrepareUpload(ctx context.Context, artifactID string, entry manifest.Entry, parts []PartSpec) (UploadPlan, error)

	// CompleteMultipartUpload finalizes a multipart upload given the
	// checksums of every uploaded part.
	CompleteMultipartUpload(ctx context.Context, artifactID, uploadID string, entry manifest.Entry, parts []UploadedPart) error

	// DownloadURL returns a (possibly presigned, possibly expiring)
	// URL for an entry's bytes. Called again mid-transfer when a URL
	// expires.
	DownloadURL(ctx context.Context, artifactID string, entry manifest.Entry) (string, error)

	// CommitArtifact records a finalized artifact version and
	// returns its server-assigned ID.
	CommitArtifact(ctx context.Context, commit ArtifactCommit) (string, error)

	// PersistArtifactMetadata saves post-commit mutable fields.
	PersistArtifactMetadata(ctx context.Context, update ArtifactUpdate) error

	// DeleteArtifact deletes a committed artifact version.
	DeleteArtifact(ctx context.Context, artifactID string) error

	// ResolveArtifactManifest fetches the manifest of another
	// artifact, used when resolving artifact-to-artifact references.
	ResolveArtifactManifest(ctx context.Context, artifactID string) (*manifest.Manifest, error)
}

// PartSpec describes one part of a planned multipart upload.
type PartSpec struct {
	PartNumber int64
	HexMD5     string
	Size       int64
}

// PartURL is a presigned upload URL for one part.
type PartURL struct {
	PartNumber int64
	URL        string
}

// MultipartPlan is the service's instruction set for a chunked upload.
type MultipartPlan struct {
	UploadID  string
	Parts     []PartURL
	ChunkSize int64
}

// UploadPlan is the service's answer to PrepareUpload. Exactly one of
// the three shapes applies: content already stored (dedup), a single
// upload URL, or a multipart plan.
type UploadPlan struct {
	AlreadyStored bool
	UploadURL     string
	Headers       map[string]string
	Multipart     *MultipartPlan
}

// ArtifactCommit is the payload recorded when a draft is committed.
type ArtifactCommit struct {
	ClientID     string
	Name         string
	Type         string
	Description  string
	Digest       string
	ManifestJSON []byte
	Metadata     map[string]any
	Aliases      []string
	TTL          time.Duration
}

// ArtifactUpdate carries the post-commit mutable fields.
type ArtifactUpdate struct {
	ArtifactID  string
	Description string
	Metadata    map[string]any
	Aliases     []string
	TTL         time.Duration
}
