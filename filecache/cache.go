// Package filecache is the local content-addressed cache of artifact
// bytes. Owned content is keyed by its base64 MD5 digest, reference
// content by a hash of its (source URL, ETag) pair. All writes go
// through a temp file in the cache's tmp directory and are renamed
// into place atomically, so concurrent writers (threads or separate
// processes) can never expose a partially written entry.
package filecache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"

	"github.com/stowage/stowage/hashenc"
)

var (
	ErrInsufficientSpace = errors.New("filecache: insufficient disk space")
	ErrCleanupTargets    = errors.New("filecache: at most one of TargetSize and TargetFraction may be set")
)

// Cached entries are read-only once committed.
const objMode = 0o444

type Cache struct {
	root    string
	tmp     string
	log     *slog.Logger
	metrics *Metrics
}

type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *Metrics
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string, opts Options) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("filecache: cache directory is required")
	}
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{root: dir, tmp: tmp, log: logger, metrics: opts.Metrics}, nil
}

func (c *Cache) Root() string { return c.root }

// CheckMD5ObjPath resolves the cache slot for owned content with the
// given digest. It reports whether a valid entry is already present
// (the file exists and its size matches) and returns an opener for
// populating the slot.
func (c *Cache) CheckMD5ObjPath(digest hashenc.B64MD5, size int64) (string, bool, Opener, error) {
	hexd, err := hashenc.B64ToHex(digest)
	if err != nil {
		return "", false, nil, err
	}
	p := filepath.Join(c.root, "obj", "md5", string(hexd[:2]), string(hexd[2:]))
	hit := c.validEntry(p, size)
	return p, hit, c.opener(p, size), nil
}

// CheckETagObjPath is CheckMD5ObjPath for reference-backed content
// whose authoritative checksum is a vendor ETag. The slot is keyed by
// (url, etag) because ETags are not globally unique across sources.
func (c *Cache) CheckETagObjPath(url, etag string, size int64) (string, bool, Opener, error) {
	key := hashenc.ETagKey(url, etag)
	p := filepath.Join(c.root, "obj", "etag", string(key[:2]), string(key[2:]))
	hit := c.validEntry(p, size)
	return p, hit, c.opener(p, size), nil
}

func (c *Cache) validEntry(path string, size int64) bool {
	info, err := os.Stat(path)
	ok := err == nil && info.Size() == size
	c.metrics.ObserveLookup(ok)
	return ok
}

// Opener yields a pending write into a cache slot. Callers must
// defer Close and call Commit on success.
type Opener func() (*PendingFile, error)

// PendingFile is an in-progress cache write. Bytes land in a uniquely
// named temp file; Commit makes them visible at the final path via an
// atomic rename, Close without Commit discards them.
type PendingFile struct {
	f         *os.File
	final     string
	committed bool
	cache     *Cache
}

func (c *Cache) opener(final string, size int64) Opener {
	return func() (*PendingFile, error) {
		if err := c.reserveSpace(size); err != nil {
			return nil, err
		}
		// Unique suffix so concurrent writers never collide on the
		// temp file itself.
		name := filepath.Join(c.tmp, filepath.Base(final)+"."+ksuid.New().String()+".tmp")
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open cache temp file: %w", err)
		}
		return &PendingFile{f: f, final: final, cache: c}, nil
	}
}

func (p *PendingFile) Write(b []byte) (int, error) { return p.f.Write(b) }

// WriteAt supports the multipart download engine, which writes each
// part directly at its offset.
func (p *PendingFile) WriteAt(b []byte, off int64) (int, error) { return p.f.WriteAt(b, off) }

func (p *PendingFile) Truncate(size int64) error { return p.f.Truncate(size) }

// Name returns the temp file path backing the pending write.
func (p *PendingFile) Name() string { return p.f.Name() }

// Commit finalizes the write: the temp file is closed, made
// read-only, and renamed into the final cache path. The last of any
// concurrent committers simply overwrites; content is identical by
// construction.
func (p *PendingFile) Commit() error {
	if p.committed {
		return nil
	}
	var size int64
	if info, err := p.f.Stat(); err == nil {
		size = info.Size()
	}
	err := p.promote()
	p.cache.metrics.ObserveCommit(size, err)
	if err != nil {
		return err
	}
	p.committed = true
	return nil
}

func (p *PendingFile) promote() error {
	if err := p.f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(p.f.Name(), objMode); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.final), 0o755); err != nil {
		return err
	}
	if err := os.Rename(p.f.Name(), p.final); err != nil {
		return fmt.Errorf("promote cache entry: %w", err)
	}
	return nil
}

// Close discards the pending write unless Commit already ran.
func (p *PendingFile) Close() error {
	if p.committed {
		return nil
	}
	p.f.Close()
	return os.Remove(p.f.Name())
}

// CleanupOptions control eviction. With neither target set the whole
// cache is cleared.
type CleanupOptions struct {
	// TargetSize evicts until total cache size is at or below this
	// many bytes.
	TargetSize int64

	// TargetFraction evicts until total size is at or below this
	// fraction of the current size. Mutually exclusive with
	// TargetSize.
	TargetFraction float64

	// RemoveTemp also deletes temp files. Off by default: a temp
	// file may belong to an in-flight write in another process.
	RemoveTemp bool
}

type cacheObject struct {
	path  string
	size  int64
	atime time.Time
}

// Cleanup evicts least-recently-accessed objects until the total cache
// size is at or below the target, returning the number of bytes
// reclaimed.
func (c *Cache) Cleanup(opts CleanupOptions) (int64, error) {
	if opts.TargetSize > 0 && opts.TargetFraction > 0 {
		return 0, ErrCleanupTargets
	}
	if opts.TargetFraction < 0 || opts.TargetFraction > 1 {
		return 0, fmt.Errorf("filecache: target fraction %v out of range", opts.TargetFraction)
	}

	objects, total, err := c.scanObjects()
	if err != nil {
		return 0, err
	}

	target := opts.TargetSize
	if opts.TargetFraction > 0 {
		target = int64(float64(total) * opts.TargetFraction)
	}

	var reclaimed int64
	reclaimed += c.sweepTemp(opts.RemoveTemp)

	sort.Slice(objects, func(i, j int) bool { return objects[i].atime.Before(objects[j].atime) })
	for _, obj := range objects {
		if total <= target {
			break
		}
		if err := os.Remove(obj.path); err != nil {
			c.log.Warn("failed to evict cache object", "path", obj.path, "error", err)
			continue
		}
		total -= obj.size
		reclaimed += obj.size
		c.metrics.ObserveEviction(obj.size)
	}
	return reclaimed, nil
}

func (c *Cache) scanObjects() ([]cacheObject, int64, error) {
	var objects []cacheObject
	var total int64
	objRoot := filepath.Join(c.root, "obj")
	err := filepath.WalkDir(objRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		objects = append(objects, cacheObject{
			path:  path,
			size:  info.Size(),
			atime: accessTime(info),
		})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return objects, total, nil
}

// sweepTemp accounts for (and optionally removes) temp files. A
// non-zero leftover footprint usually means a crashed writer.
func (c *Cache) sweepTemp(remove bool) int64 {
	entries, err := os.ReadDir(c.tmp)
	if err != nil {
		return 0
	}
	var tempBytes, reclaimed int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		tempBytes += info.Size()
		if remove {
			if err := os.Remove(filepath.Join(c.tmp, e.Name())); err == nil {
				reclaimed += info.Size()
			}
		}
	}
	if tempBytes > 0 && !remove {
		c.log.Warn("cache temp directory has leftover files",
			"size", humanize.Bytes(uint64(tempBytes)),
			"dir", c.tmp)
	}
	return reclaimed
}

// reserveSpace ensures enough free disk space for an incoming write,
// evicting progressively more of the cache when the filesystem is
// short. Failing after a full clear surfaces ErrInsufficientSpace.
func (c *Cache) reserveSpace(size int64) error {
	free, err := freeSpace(c.root)
	if err != nil || free >= size {
		return err
	}

	c.log.Warn("cache disk low on space, evicting",
		"needed", humanize.Bytes(uint64(size)),
		"free", humanize.Bytes(uint64(free)))

	if _, err := c.Cleanup(CleanupOptions{TargetFraction: 0.5}); err != nil {
		return err
	}
	free, err = freeSpace(c.root)
	if err != nil || free >= size {
		return err
	}

	if _, err := c.Cleanup(CleanupOptions{}); err != nil {
		return err
	}
	free, err = freeSpace(c.root)
	if err != nil {
		return err
	}
	if free < size {
		return fmt.Errorf("%w: need %s, %s free after eviction",
			ErrInsufficientSpace, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(free)))
	}
	return nil
}
