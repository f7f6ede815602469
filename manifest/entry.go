package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/stowage/stowage/hashenc"
)

var (
	ErrEmptyPath = errors.New("manifest: entry path must not be empty")
)

// Entry is one file or reference inside a manifest.
//
// Owned entries carry a base64 MD5 digest and, until upload completes,
// a LocalPath pointing at the staged copy. Reference entries carry a
// Ref URI plus whatever digest the backend exposes (an ETag, or a
// synthetic digest for schemes that cannot be checksummed).
type Entry struct {
	// Path is the logical, POSIX-style, relative location of the
	// content inside the artifact. It is the unique key within a
	// manifest.
	Path string

	// Digest identifies the content: a base64 MD5 for owned files,
	// an ETag for cloud references, or a synthetic digest for
	// untracked schemes.
	Digest string

	// Ref is the authoritative URI of the bytes when the entry is a
	// reference. Empty for owned files.
	Ref string

	// Size is the content size in bytes, nil when unknown (some
	// reference schemes cannot report one).
	Size *int64

	// Extra holds backend metadata such as etag or versionID.
	Extra map[string]any

	// BirthArtifactID names the artifact that originally uploaded
	// this content. Backend storage URLs are derived from it so they
	// stay valid no matter which artifact version references the
	// bytes today.
	BirthArtifactID string

	// LocalPath points at the staged local copy and is only set
	// before upload completes.
	LocalPath string

	// SkipCache marks entries whose bytes should not be copied into
	// the local cache on download.
	SkipCache bool
}

// NewEntry builds an owned-file entry for a staged local file. The
// size is read from disk when not supplied; a staged entry without a
// resolvable size is invalid.
func NewEntry(logicalPath, digest, localPath string, size *int64) (Entry, error) {
	e := Entry{
		Path:      NormalizePath(logicalPath),
		Digest:    digest,
		LocalPath: localPath,
		Size:      size,
	}
	if e.Path == "" {
		return Entry{}, ErrEmptyPath
	}
	if localPath != "" && size == nil {
		info, err := os.Stat(localPath)
		if err != nil {
			return Entry{}, fmt.Errorf("stat staged file %s: %w", localPath, err)
		}
		n := info.Size()
		e.Size = &n
	}
	return e, nil
}

// IsReference reports whether the entry's bytes live outside owned
// storage.
func (e *Entry) IsReference() bool {
	return e.Ref != ""
}

// SizeOrZero returns the known size, or zero when the size is unknown.
func (e *Entry) SizeOrZero() int64 {
	if e.Size == nil {
		return 0
	}
	return *e.Size
}

// HexDigest re-encodes an owned entry's base64 MD5 digest as hex, the
// encoding backend object URLs are built from.
func (e *Entry) HexDigest() (hashenc.HexMD5, error) {
	return hashenc.B64ToHex(hashenc.B64MD5(e.Digest))
}

// NormalizePath rewrites a logical path to forward slashes and strips
// any leading "./".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return strings.TrimPrefix(p, "./")
}
