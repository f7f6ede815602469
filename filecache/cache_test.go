package filecache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/hashenc"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), Options{})
	require.NoError(t, err)
	return c
}

func TestMD5RoundTrip(t *testing.T) {
	c := newTestCache(t)
	content := []byte("hello")
	digest := hashenc.MD5String("hello")

	path, hit, open, err := c.CheckMD5ObjPath(digest, 5)
	require.NoError(t, err)
	require.False(t, hit)

	pf, err := open()
	require.NoError(t, err)
	_, err = pf.Write(content)
	require.NoError(t, err)
	require.NoError(t, pf.Commit())
	require.NoError(t, pf.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)

	_, hit, _, err = c.CheckMD5ObjPath(digest, 5)
	require.NoError(t, err)
	require.True(t, hit)
}

func TestSizeMismatchIsMiss(t *testing.T) {
	c := newTestCache(t)
	digest := hashenc.MD5String("hello")

	path, _, open, err := c.CheckMD5ObjPath(digest, 5)
	require.NoError(t, err)
	pf, err := open()
	require.NoError(t, err)
	// A truncated write left behind by a crashed writer.
	_, err = pf.Write([]byte("he"))
	require.NoError(t, err)
	require.NoError(t, pf.Commit())

	require.FileExists(t, path)
	_, hit, _, err := c.CheckMD5ObjPath(digest, 5)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestAbortLeavesNothing(t *testing.T) {
	c := newTestCache(t)
	digest := hashenc.MD5String("hello")

	path, _, open, err := c.CheckMD5ObjPath(digest, 5)
	require.NoError(t, err)

	pf, err := open()
	require.NoError(t, err)
	_, err = pf.Write([]byte("hel"))
	require.NoError(t, err)
	tmpName := pf.Name()
	require.NoError(t, pf.Close())

	require.NoFileExists(t, path)
	require.NoFileExists(t, tmpName)
}

func TestETagKeyedSlots(t *testing.T) {
	c := newTestCache(t)

	p1, _, _, err := c.CheckETagObjPath("https://a.example/x", "etag", 1)
	require.NoError(t, err)
	p2, _, _, err := c.CheckETagObjPath("https://b.example/x", "etag", 1)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestConcurrentWriters(t *testing.T) {
	c := newTestCache(t)
	digest := hashenc.MD5String("hello")

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, open, err := c.CheckMD5ObjPath(digest, 5)
			if err != nil {
				errs <- err
				return
			}
			pf, err := open()
			if err != nil {
				errs <- err
				return
			}
			defer pf.Close()
			if _, err := pf.Write([]byte("hello")); err != nil {
				errs <- err
				return
			}
			errs <- pf.Commit()
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	path, hit, _, err := c.CheckMD5ObjPath(digest, 5)
	require.NoError(t, err)
	require.True(t, hit)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func populate(t *testing.T, c *Cache, content string, atime time.Time) string {
	t.Helper()
	digest := hashenc.MD5String(content)
	path, _, open, err := c.CheckMD5ObjPath(digest, int64(len(content)))
	require.NoError(t, err)
	pf, err := open()
	require.NoError(t, err)
	defer pf.Close()
	_, err = pf.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, pf.Commit())
	require.NoError(t, os.Chtimes(path, atime, atime))
	return path
}

func TestCleanupLRUOrder(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	oldest := populate(t, c, "aaaa", now.Add(-3*time.Hour))
	middle := populate(t, c, "bbbb", now.Add(-2*time.Hour))
	newest := populate(t, c, "cccc", now.Add(-1*time.Hour))

	// 12 bytes total; evict down to 8 removes exactly the oldest.
	reclaimed, err := c.Cleanup(CleanupOptions{TargetSize: 8})
	require.NoError(t, err)
	require.Equal(t, int64(4), reclaimed)
	require.NoFileExists(t, oldest)
	require.FileExists(t, middle)
	require.FileExists(t, newest)

	reclaimed, err = c.Cleanup(CleanupOptions{TargetSize: 4})
	require.NoError(t, err)
	require.Equal(t, int64(4), reclaimed)
	require.NoFileExists(t, middle)
	require.FileExists(t, newest)
}

func TestCleanupDefaultClearsEverything(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	populate(t, c, "xxxx", now)
	populate(t, c, "yyyy", now)

	reclaimed, err := c.Cleanup(CleanupOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(8), reclaimed)
}

func TestCleanupFraction(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	populate(t, c, "aaaa", now.Add(-2*time.Hour))
	populate(t, c, "bbbb", now.Add(-1*time.Hour))

	reclaimed, err := c.Cleanup(CleanupOptions{TargetFraction: 0.5})
	require.NoError(t, err)
	require.Equal(t, int64(4), reclaimed)
}

func TestCleanupRejectsBothTargets(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Cleanup(CleanupOptions{TargetSize: 1, TargetFraction: 0.5})
	require.ErrorIs(t, err, ErrCleanupTargets)
}

func TestCleanupTempHandling(t *testing.T) {
	c := newTestCache(t)
	tmpFile := filepath.Join(c.root, "tmp", "orphan.tmp")
	require.NoError(t, os.WriteFile(tmpFile, []byte("junk"), 0o600))

	// Default leaves temp files alone.
	_, err := c.Cleanup(CleanupOptions{TargetSize: 1 << 30})
	require.NoError(t, err)
	require.FileExists(t, tmpFile)

	reclaimed, err := c.Cleanup(CleanupOptions{TargetSize: 1 << 30, RemoveTemp: true})
	require.NoError(t, err)
	require.Equal(t, int64(4), reclaimed)
	require.NoFileExists(t, tmpFile)
}

func TestCommittedEntriesReadOnly(t *testing.T) {
	c := newTestCache(t)
	path := populate(t, c, "data", time.Now())
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}

func TestWriteAt(t *testing.T) {
	c := newTestCache(t)
	digest := hashenc.MD5String("abcdef")

	path, _, open, err := c.CheckMD5ObjPath(digest, 6)
	require.NoError(t, err)
	pf, err := open()
	require.NoError(t, err)
	defer pf.Close()

	require.NoError(t, pf.Truncate(6))
	_, err = pf.WriteAt([]byte("def"), 3)
	require.NoError(t, err)
	_, err = pf.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, pf.Commit())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), got)
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New("", Options{})
	require.Error(t, err)
	require.False(t, errors.Is(err, os.ErrNotExist))
}
