package stowage

import "errors"

var (
	// ErrDigestMismatch reports that live content no longer matches
	// the digest recorded in a manifest. Never retried: retrying
	// cannot fix a content mismatch.
	ErrDigestMismatch = errors.New("stowage: digest mismatch between manifest and live object")

	// ErrObjectNotFound reports a referenced object missing at load
	// time, distinguished from transport failures so bulk downloads
	// can optionally skip missing references.
	ErrObjectNotFound = errors.New("stowage: reference object not found")

	// ErrArtifactFinalized reports an attempt to mutate the content
	// of a finalized artifact.
	ErrArtifactFinalized = errors.New("stowage: artifact content is finalized")

	// ErrArtifactNotCommitted reports an operation that requires a
	// committed artifact, such as download.
	ErrArtifactNotCommitted = errors.New("stowage: artifact is not committed")

	// ErrNameRequired reports a reference whose logical name cannot
	// be derived from its URI.
	ErrNameRequired = errors.New("stowage: a name is required for this reference")

	// ErrTooManyMetadataKeys reports a metadata map over the key cap.
	ErrTooManyMetadataKeys = errors.New("stowage: artifact metadata exceeds 100 keys")

	// ErrReferenceCycle reports a cyclic or overly deep chain of
	// artifact-to-artifact references.
	ErrReferenceCycle = errors.New("stowage: artifact reference chain is cyclic or too deep")

	// ErrNotLoadable reports a local load attempt on a reference
	// scheme that cannot be downloaded.
	ErrNotLoadable = errors.New("stowage: reference scheme cannot be downloaded")
)
