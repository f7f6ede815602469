// Package stowage implements artifact storage: named, versioned
// collections of files and references described by a content-addressed
// manifest.
//
// An Artifact is built as a draft by adding local files (staged and
// uploaded as owned content) and references (URIs into cloud object
// stores, http servers, other artifacts, or arbitrary tracked
// schemes). Committing the draft uploads staged files through the
// StoragePolicy's transfer engine and records the version with a
// MetadataClient, the external system of record. Committed artifacts
// are downloaded back through a local content-addressed cache
// (package filecache) that deduplicates bytes across artifacts and
// verifies digests end to end.
//
// The manifest digest is deterministic: two artifacts containing the
// same logical paths with the same content always share a digest, no
// matter the order in which entries were added.
package stowage
