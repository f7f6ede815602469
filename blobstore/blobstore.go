// Package blobstore wraps gocloud.dev buckets behind the small surface
// the reference handlers need: object attributes, streamed reads, and
// capped prefix listing, with vendor errors mapped to package
// sentinels.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var (
	ErrNotFound           = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrTooManyObjects     = errors.New("prefix exceeds object limit")
)

// Store is a handle on one bucket, optionally rooted at a key prefix.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owns   bool
}

// Open opens a bucket by gocloud URL (s3://, gs://, azblob://,
// file://, mem://).
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   true,
	}, nil
}

// New wraps an existing bucket without taking ownership of it.
func New(bkt *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   false,
	}
}

func (s *Store) Close() error {
	if s.owns && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// Attributes is the subset of object metadata reference resolution
// relies on. VersionID is populated when the bucket exposes one
// through driver metadata; unversioned buckets leave it empty.
type Attributes struct {
	Size      int64
	ETag      string
	MD5       []byte
	ModTime   time.Time
	VersionID string
}

// versionMetadataKeys are the driver metadata keys under which object
// versions have been observed, in probe order.
var versionMetadataKeys = []string{"versionid", "version_id", "generation"}

func attributesOf(attr *blob.Attributes) Attributes {
	out := Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		MD5:     attr.MD5,
		ModTime: attr.ModTime,
	}
	for _, k := range versionMetadataKeys {
		if v, ok := attr.Metadata[k]; ok && v != "" {
			out.VersionID = v
			break
		}
	}
	return out
}

// Attributes fetches metadata for a single object.
func (s *Store) Attributes(ctx context.Context, key string) (Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, s.key(key))
	if err != nil {
		return Attributes{}, s.mapError(err)
	}
	return attributesOf(attr), nil
}

// Exists reports whether a single object is present at key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.bucket.Exists(ctx, s.key(key))
	if err != nil {
		return false, s.mapError(err)
	}
	return exists, nil
}

// Read returns an object's full content plus its attributes.
func (s *Store) Read(ctx context.Context, key string) ([]byte, Attributes, error) {
	attrs, err := s.Attributes(ctx, key)
	if err != nil {
		return nil, Attributes{}, err
	}
	r, err := s.ReadStream(ctx, key)
	if err != nil {
		return nil, Attributes{}, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Attributes{}, err
	}
	return data, attrs, nil
}

// ReadStream opens an object for streamed reading.
func (s *Store) ReadStream(ctx context.Context, key string) (*blob.Reader, error) {
	r, err := s.bucket.NewReader(ctx, s.key(key), nil)
	if err != nil {
		return nil, s.mapError(err)
	}
	return r, nil
}

// Write stores data under key. Used by tests and by staging flows;
// artifact uploads themselves go through presigned URLs.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	return s.WriteReader(ctx, key, bytes.NewReader(data))
}

func (s *Store) WriteReader(ctx context.Context, key string, r io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, s.key(key), &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return s.mapError(err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.key(key))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// List returns up to max objects under prefix, failing with
// ErrTooManyObjects when the prefix holds more. max <= 0 means
// unlimited.
func (s *Store) List(ctx context.Context, prefix string, max int) ([]ObjectInfo, error) {
	full := s.prefix
	if prefix != "" {
		full = s.key(prefix)
	}

	iter := s.bucket.List(&blob.ListOptions{Prefix: full})
	var out []ObjectInfo
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, s.mapError(err)
		}
		if obj.IsDir {
			continue
		}
		if max > 0 && len(out) >= max {
			return nil, fmt.Errorf("%w: more than %d objects under %q", ErrTooManyObjects, max, prefix)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case gcerrors.FailedPrecondition:
		return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
	default:
		return err
	}
}
