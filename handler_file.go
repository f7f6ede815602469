package stowage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stowage/stowage/filecache"
	"github.com/stowage/stowage/hashenc"
	"github.com/stowage/stowage/manifest"
)

// fileHandler resolves file:// references. These point at a live
// filesystem, not an immutable snapshot, so local loads re-verify the
// digest against the file before serving cached bytes.
type fileHandler struct {
	cache   *filecache.Cache
	log     *slog.Logger
	workers int
}

func newFileHandler(cache *filecache.Cache, log *slog.Logger, workers int) *fileHandler {
	return &fileHandler{cache: cache, log: log, workers: workers}
}

func (h *fileHandler) CanHandle(u *url.URL) bool {
	return u.Scheme == "file"
}

func fileURI(p string) string {
	return "file://" + filepath.ToSlash(p)
}

// syntheticDigest stands in for a real checksum when the caller opted
// out of checksumming: it fingerprints the file size only.
func syntheticDigest(size int64) string {
	return string(hashenc.MD5String(strconv.FormatInt(size, 10)))
}

func (h *fileHandler) entryFor(logicalPath, localPath string, checksum bool) (manifest.Entry, error) {
	var digest string
	var size int64
	if checksum {
		d, n, err := hashenc.MD5FileWithSize(localPath)
		if err != nil {
			return manifest.Entry{}, err
		}
		digest, size = string(d), n
	} else {
		info, err := os.Stat(localPath)
		if err != nil {
			return manifest.Entry{}, err
		}
		size = info.Size()
		digest = syntheticDigest(size)
	}
	return manifest.Entry{
		Path:   manifest.NormalizePath(logicalPath),
		Digest: digest,
		Ref:    fileURI(localPath),
		Size:   &size,
	}, nil
}

func (h *fileHandler) StorePath(ctx context.Context, _ *Artifact, u *url.URL, opts StoreOptions) ([]manifest.Entry, error) {
	root := filepath.FromSlash(u.Path)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reference path %s: %w", root, err)
	}

	if !info.IsDir() {
		name := opts.Name
		if name == "" {
			name = filepath.Base(root)
		}
		e, err := h.entryFor(name, root, !opts.SkipChecksum)
		if err != nil {
			return nil, err
		}
		return []manifest.Entry{e}, nil
	}

	prefix := opts.Name
	if prefix == "" {
		prefix = filepath.Base(root)
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	entries := make([]manifest.Entry, 0, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for _, p := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			e, err := h.entryFor(path.Join(prefix, filepath.ToSlash(rel)), p, !opts.SkipChecksum)
			if err != nil {
				return err
			}
			mu.Lock()
			entries = append(entries, e)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (h *fileHandler) LoadPath(ctx context.Context, e manifest.Entry, local bool) (string, error) {
	if !local {
		return e.Ref, nil
	}

	u, err := url.Parse(e.Ref)
	if err != nil {
		return "", err
	}
	src := filepath.FromSlash(u.Path)

	// A file reference points at live bytes, so the digest must be
	// re-checked before anything is served from it.
	live, size, err := hashenc.MD5FileWithSize(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, src)
		}
		return "", err
	}
	liveDigest := string(live)
	if e.Digest == syntheticDigest(size) {
		liveDigest = e.Digest
	}
	if liveDigest != e.Digest {
		return "", fmt.Errorf("%w: file %s has digest %s, manifest records %s",
			ErrDigestMismatch, src, liveDigest, e.Digest)
	}

	cachePath, hit, open, err := h.cache.CheckMD5ObjPath(hashenc.B64MD5(e.Digest), size)
	if err != nil {
		return "", err
	}
	if hit {
		return cachePath, nil
	}

	pf, err := open()
	if err != nil {
		return "", err
	}
	defer pf.Close()

	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(pf, f); err != nil {
		return "", err
	}
	if err := pf.Commit(); err != nil {
		return "", err
	}
	return cachePath, nil
}
